// Package providers contains the concrete acquisition providers and the factory
// that builds them from configuration.
package providers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"
	"unicode"

	"github.com/google/renameio/v2"

	"github.com/mehrshadmadani/telegram-downloader-bot/internal/acquisition"
)

// ErrTooLarge is returned when a download exceeds the provider's size limit
var ErrTooLarge = errors.New("file exceeds size limit")

// HTTPStatusError is a non-2xx response from a media or API host
type HTTPStatusError struct {
	StatusCode int
	URL        string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("unexpected status %d from %s", e.StatusCode, e.URL)
}

// progressWriter counts written bytes and forwards them to a progress sink
type progressWriter struct {
	done  int64
	total int64
	fn    acquisition.ProgressFunc
}

func (w *progressWriter) Write(p []byte) (int, error) {
	w.done += int64(len(p))
	if w.fn != nil {
		w.fn(w.done, w.total)
	}
	return len(p), nil
}

// saveStream writes r to dest atomically. The file only appears under dest once fully written.
func saveStream(ctx context.Context, dest string, r io.Reader, total, maxBytes int64, progress acquisition.ProgressFunc) (int64, error) {
	if maxBytes > 0 && total > maxBytes {
		return 0, fmt.Errorf("%w: %d > %d bytes", ErrTooLarge, total, maxBytes)
	}

	pendingFile, err := renameio.NewPendingFile(dest, renameio.WithPermissions(0o644))
	if err != nil {
		return 0, fmt.Errorf("create pending file: %w", err)
	}
	defer pendingFile.Cleanup()

	src := io.Reader(&ctxReader{ctx: ctx, r: r})
	if maxBytes > 0 {
		src = io.LimitReader(src, maxBytes+1)
	}

	counter := &progressWriter{total: max(total, 0), fn: progress}
	n, err := io.Copy(io.MultiWriter(pendingFile, counter), src)
	if err != nil {
		return n, fmt.Errorf("failed to save stream: %w", err)
	}
	if maxBytes > 0 && n > maxBytes {
		return n, fmt.Errorf("%w: more than %d bytes", ErrTooLarge, maxBytes)
	}
	if n == 0 {
		return 0, errors.New("empty response body")
	}

	if err := pendingFile.CloseAtomicallyReplace(); err != nil {
		return n, fmt.Errorf("atomically replace file: %w", err)
	}
	return n, nil
}

// ctxReader stops a copy as soon as ctx is done
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (r *ctxReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.r.Read(p)
}

// download GETs rawURL and hands the body to saveStream. It returns the response content type.
func download(ctx context.Context, client *http.Client, rawURL, dest string, maxBytes int64, progress acquisition.ProgressFunc) (string, int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", 0, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("download failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", 0, &HTTPStatusError{StatusCode: resp.StatusCode, URL: redact(rawURL)}
	}

	n, err := saveStream(ctx, dest, resp.Body, resp.ContentLength, maxBytes, progress)
	return resp.Header.Get("Content-Type"), n, err
}

// filenameFromURL returns the last path element of a URL, empty when there is none
func filenameFromURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	name := path.Base(u.Path)
	if name == "/" || name == "." {
		return ""
	}
	return name
}

// extensionFor picks a file extension from the content type when the name has none
func extensionFor(name, contentType string) string {
	if ext := path.Ext(name); ext != "" {
		return strings.ToLower(ext)
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ""
	}
	switch mediaType {
	case "video/mp4":
		return ".mp4"
	case "image/jpeg":
		return ".jpg"
	case "audio/mpeg":
		return ".mp3"
	}
	if exts, err := mime.ExtensionsByType(mediaType); err == nil && len(exts) > 0 {
		return exts[0]
	}
	return ""
}

// cleanName makes s usable as part of a file name and shortens it to limit runes
func cleanName(s string, limit int) string {
	var b strings.Builder
	count := 0
	for _, r := range s {
		if count >= limit {
			break
		}
		switch {
		case r == '/' || r == '\\' || r == ':' || r == '*' || r == '?' || r == '"' || r == '<' || r == '>' || r == '|':
			r = '_'
		case unicode.IsControl(r):
			continue
		}
		b.WriteRune(r)
		count++
	}
	name := strings.TrimSpace(b.String())
	name = strings.TrimLeft(name, ".")
	if name == "" {
		return "media"
	}
	return name
}

// jobFileName builds "<prefix><NNN> - <stem><ext>"
func jobFileName(req acquisition.Request, index int, stem, ext string) string {
	return fmt.Sprintf("%s%03d - %s%s", req.FilePrefix(), index, stem, ext)
}

// stemOf is the cleaned file name without extension
func stemOf(name string) string {
	return cleanName(strings.TrimSuffix(name, path.Ext(name)), 30)
}

func redact(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "<invalid url>"
	}
	u.RawQuery = ""
	u.User = nil
	return u.String()
}
