// Package message implements the plain-text formats exchanged with the chat side:
// inbound job requests and the machine readable caption attached to delivered files.
package message

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/mehrshadmadani/telegram-downloader-bot/internal/worker/domain"
)

// Line prefixes of the inbound job message
const (
	JobHeader    = "⬇️ NEW JOB"
	PrefixURL    = "URL:"
	PrefixCode   = "CODE:"
	PrefixUserID = "USER_ID:"
)

// Keys and markers of the delivery caption
const (
	UploadedMarker = "✅ Uploaded"
	KeyCode        = "CODE"
	KeySize        = "SIZE"
	KeyMethod      = "METHOD"
	KeyCaption     = "CAPTION"
)

// ParseJobRequest extracts URL, CODE and USER_ID from a job message body.
// Lines are matched by prefix; anything else in the body is ignored.
func ParseJobRequest(text string) (domain.JobRequest, error) {
	var req domain.JobRequest
	var owner string
	var hasURL, hasCode, hasOwner bool

	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(strings.TrimSuffix(line, "\r"))
		switch {
		case strings.HasPrefix(line, PrefixURL) && !hasURL:
			req.URL = strings.TrimSpace(strings.TrimPrefix(line, PrefixURL))
			hasURL = true
		case strings.HasPrefix(line, PrefixCode) && !hasCode:
			req.Code = strings.TrimSpace(strings.TrimPrefix(line, PrefixCode))
			hasCode = true
		case strings.HasPrefix(line, PrefixUserID) && !hasOwner:
			owner = strings.TrimSpace(strings.TrimPrefix(line, PrefixUserID))
			hasOwner = true
		}
	}

	if !hasURL || req.URL == "" {
		return domain.JobRequest{}, fmt.Errorf("%w: missing %s line", domain.ErrMalformedMessage, PrefixURL)
	}
	if !hasCode || req.Code == "" {
		return domain.JobRequest{}, fmt.Errorf("%w: missing %s line", domain.ErrMalformedMessage, PrefixCode)
	}
	if !hasOwner || owner == "" {
		return domain.JobRequest{}, fmt.Errorf("%w: missing %s line", domain.ErrMalformedMessage, PrefixUserID)
	}
	if strings.ContainsAny(req.Code, " \t/\\") {
		return domain.JobRequest{}, fmt.Errorf("%w: invalid code %q", domain.ErrMalformedMessage, req.Code)
	}

	ownerID, err := strconv.ParseInt(owner, 10, 64)
	if err != nil {
		return domain.JobRequest{}, fmt.Errorf("%w: owner id %q is not numeric", domain.ErrMalformedMessage, owner)
	}
	req.OwnerID = ownerID

	return req, nil
}

// FormatJobRequest renders a job request in the inbound message format
func FormatJobRequest(req domain.JobRequest) string {
	var b strings.Builder
	b.WriteString(JobHeader)
	b.WriteString("\n")
	fmt.Fprintf(&b, "%s %s\n", PrefixURL, req.URL)
	fmt.Fprintf(&b, "%s %s\n", PrefixCode, req.Code)
	fmt.Fprintf(&b, "%s %d", PrefixUserID, req.OwnerID)
	return b.String()
}

// EncodeCaption makes arbitrary caption text safe for a single caption line
func EncodeCaption(caption string) string {
	return base64.StdEncoding.EncodeToString([]byte(caption))
}

// DecodeCaption reverses EncodeCaption
func DecodeCaption(encoded string) (string, error) {
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return "", fmt.Errorf("failed to decode caption: %w", err)
	}
	return string(decoded), nil
}

// DeliveryCaption is the metadata attached to one delivered file
type DeliveryCaption struct {
	Index    int // 1-based position of the file in the job
	Total    int
	Code     string
	Size     int64
	Method   string
	Original string // original caption text, only set on the last file
}

// Build renders the caption, shortening the original text on a rune boundary
// until the whole caption fits in limit bytes. A limit <= 0 disables the bound.
func (c DeliveryCaption) Build(limit int) string {
	head := c.header()
	if c.Original == "" {
		return head
	}

	original := c.Original
	for {
		full := head + "\n" + KeyCaption + ": " + EncodeCaption(original)
		if limit <= 0 || len(full) <= limit {
			return full
		}
		if original == "" {
			return head
		}
		// base64 grows by 4/3, so trim proportionally to the overshoot
		over := (len(full) - limit) * 3 / 4
		if over < 1 {
			over = 1
		}
		original = TruncateBytes(original, len(original)-over)
	}
}

func (c DeliveryCaption) header() string {
	var b strings.Builder
	b.WriteString(UploadedMarker)
	if c.Total > 1 {
		fmt.Fprintf(&b, " (%d/%d)", c.Index, c.Total)
	}
	fmt.Fprintf(&b, "\n%s: %s", KeyCode, c.Code)
	fmt.Fprintf(&b, "\n%s: %d", KeySize, c.Size)
	fmt.Fprintf(&b, "\n%s: %s", KeyMethod, c.Method)
	return b.String()
}

// ParseDeliveryCaption reads a caption produced by DeliveryCaption.Build
func ParseDeliveryCaption(text string) (DeliveryCaption, error) {
	var c DeliveryCaption
	c.Index, c.Total = 1, 1

	lines := strings.Split(text, "\n")
	if len(lines) == 0 || !strings.HasPrefix(lines[0], UploadedMarker) {
		return c, fmt.Errorf("%w: missing upload marker", domain.ErrMalformedMessage)
	}
	if rest := strings.TrimSpace(strings.TrimPrefix(lines[0], UploadedMarker)); rest != "" {
		if _, err := fmt.Sscanf(rest, "(%d/%d)", &c.Index, &c.Total); err != nil {
			return c, fmt.Errorf("%w: bad position %q", domain.ErrMalformedMessage, rest)
		}
	}

	for _, line := range lines[1:] {
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		switch strings.TrimSpace(key) {
		case KeyCode:
			c.Code = value
		case KeySize:
			size, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return c, fmt.Errorf("%w: bad size %q", domain.ErrMalformedMessage, value)
			}
			c.Size = size
		case KeyMethod:
			c.Method = value
		case KeyCaption:
			original, err := DecodeCaption(value)
			if err != nil {
				return c, err
			}
			c.Original = original
		}
	}

	if c.Code == "" {
		return c, fmt.Errorf("%w: missing %s", domain.ErrMalformedMessage, KeyCode)
	}
	return c, nil
}

// Truncate shortens s to at most max runes, marking the cut with an ellipsis
func Truncate(s string, max int) string {
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	if max == 1 {
		return "…"
	}
	runes := []rune(s)
	return string(runes[:max-1]) + "…"
}

// TruncateBytes shortens s to at most max bytes without splitting a rune
func TruncateBytes(s string, max int) string {
	if max <= 0 {
		return ""
	}
	if len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max]
}
