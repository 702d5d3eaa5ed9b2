package providers

import (
	"context"
	"errors"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/mehrshadmadani/telegram-downloader-bot/internal/acquisition"
)

var directExtensions = map[string]bool{
	".mp4": true, ".m4v": true, ".mkv": true, ".webm": true, ".mov": true, ".avi": true, ".flv": true,
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true, ".webp": true,
	".mp3": true, ".m4a": true, ".ogg": true, ".opus": true, ".flac": true, ".wav": true,
}

// Direct downloads URLs that point straight at a media file
type Direct struct {
	name     string
	client   *http.Client
	maxBytes int64
}

// NewDirect creates a direct link provider
func NewDirect(name string, client *http.Client, maxBytes int64) *Direct {
	return &Direct{name: name, client: client, maxBytes: maxBytes}
}

func (p *Direct) Name() string {
	return p.name
}

func (p *Direct) Attempt(ctx context.Context, req acquisition.Request) (*acquisition.Media, error) {
	u, err := url.Parse(req.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, acquisition.Fail(p.name, "not an http url", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return nil, acquisition.Fail(p.name, "invalid request", err)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, acquisition.Fail(p.name, "request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, acquisition.Fail(p.name, http.StatusText(resp.StatusCode), &HTTPStatusError{StatusCode: resp.StatusCode, URL: redact(req.URL)})
	}

	contentType := resp.Header.Get("Content-Type")
	name := filenameFromURL(req.URL)
	if cd := resp.Header.Get("Content-Disposition"); cd != "" {
		if _, params, err := mime.ParseMediaType(cd); err == nil && params["filename"] != "" {
			name = path.Base(params["filename"])
		}
	}

	if !isMedia(name, contentType) {
		return nil, acquisition.Fail(p.name, "not a direct media link", nil)
	}

	dest := jobFileName(req, 1, stemOf(name), extensionFor(name, contentType))
	if _, err := saveStream(ctx, dest, resp.Body, resp.ContentLength, p.maxBytes, req.Progress); err != nil {
		if errors.Is(err, ErrTooLarge) {
			return nil, acquisition.Fail(p.name, "file too large", err)
		}
		return nil, acquisition.Fail(p.name, "download interrupted", err)
	}

	return &acquisition.Media{Files: []string{dest}}, nil
}

// isMedia accepts media content types, or a known extension when the server is vague
func isMedia(name, contentType string) bool {
	mediaType, _, _ := mime.ParseMediaType(contentType)
	for _, prefix := range []string{"video/", "image/", "audio/"} {
		if strings.HasPrefix(mediaType, prefix) {
			return true
		}
	}
	if mediaType != "" && mediaType != "application/octet-stream" && mediaType != "binary/octet-stream" {
		return false
	}
	return directExtensions[strings.ToLower(path.Ext(name))]
}
