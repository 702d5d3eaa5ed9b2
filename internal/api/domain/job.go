package domain

import (
	"errors"
	"strings"

	"github.com/google/uuid"

	workerdomain "github.com/mehrshadmadani/telegram-downloader-bot/internal/worker/domain"
)

// CodeLength is the length of generated job codes
const CodeLength = 8

var (
	ErrJobNotFound = errors.New("job not found")
	ErrJobExists   = errors.New("job code already exists")
	ErrInvalidCode = errors.New("job code must not contain whitespace or slashes")
)

// NewCode returns a short random job code
func NewCode() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:CodeLength]
}

// ValidateCode checks a caller supplied code against the job message format
func ValidateCode(code string) error {
	if code == "" || strings.ContainsAny(code, " \t\r\n/\\") {
		return ErrInvalidCode
	}
	return nil
}

// ValidStatus reports whether s names a job lifecycle status
func ValidStatus(s string) bool {
	for _, status := range workerdomain.AllStatuses() {
		if string(status) == s {
			return true
		}
	}
	return false
}
