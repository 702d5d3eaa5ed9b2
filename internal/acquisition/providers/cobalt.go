package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/mehrshadmadani/telegram-downloader-bot/internal/acquisition"
)

// Cobalt resolves URLs through a cobalt-compatible API and downloads the returned media
type Cobalt struct {
	name     string
	endpoint string
	apiKey   string
	client   *http.Client
	maxBytes int64
}

// NewCobalt creates a cobalt API provider
func NewCobalt(name, endpoint, apiKey string, client *http.Client, maxBytes int64) *Cobalt {
	return &Cobalt{
		name:     name,
		endpoint: endpoint,
		apiKey:   apiKey,
		client:   client,
		maxBytes: maxBytes,
	}
}

func (p *Cobalt) Name() string {
	return p.name
}

type cobaltRequest struct {
	URL string `json:"url"`
}

type cobaltResponse struct {
	Status   string `json:"status"`
	URL      string `json:"url"`
	Filename string `json:"filename"`
	Picker   []struct {
		Type string `json:"type"`
		URL  string `json:"url"`
	} `json:"picker"`
	Error struct {
		Code string `json:"code"`
	} `json:"error"`
}

func (p *Cobalt) Attempt(ctx context.Context, req acquisition.Request) (*acquisition.Media, error) {
	resolved, err := p.resolve(ctx, req.URL)
	if err != nil {
		return nil, err
	}

	switch resolved.Status {
	case "tunnel", "redirect":
		dest, err := p.fetch(ctx, req, 1, resolved.URL, resolved.Filename)
		if err != nil {
			return nil, err
		}
		return &acquisition.Media{Files: []string{dest}}, nil

	case "picker":
		if len(resolved.Picker) == 0 {
			return nil, acquisition.Fail(p.name, "empty picker", nil)
		}
		files := make([]string, 0, len(resolved.Picker))
		for i, item := range resolved.Picker {
			dest, err := p.fetch(ctx, req, i+1, item.URL, pickerName(item.Type, item.URL))
			if err != nil {
				return nil, err
			}
			files = append(files, dest)
		}
		return &acquisition.Media{Files: files}, nil

	case "error":
		reason := resolved.Error.Code
		if reason == "" {
			reason = "api error"
		}
		return nil, acquisition.Fail(p.name, reason, nil)

	default:
		return nil, acquisition.Fail(p.name, fmt.Sprintf("unsupported response status %q", resolved.Status), nil)
	}
}

func (p *Cobalt) resolve(ctx context.Context, rawURL string) (*cobaltResponse, error) {
	body, err := json.Marshal(cobaltRequest{URL: rawURL})
	if err != nil {
		return nil, acquisition.Fail(p.name, "failed to encode request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, acquisition.Fail(p.name, "invalid endpoint", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Api-Key "+p.apiKey)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, acquisition.Fail(p.name, "api unreachable", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, acquisition.Fail(p.name, "failed to read api response", err)
	}

	var out cobaltResponse
	if err := json.Unmarshal(data, &out); err != nil {
		if resp.StatusCode == http.StatusTooManyRequests {
			return nil, acquisition.Fail(p.name, "rate limited", nil)
		}
		return nil, acquisition.Fail(p.name, fmt.Sprintf("bad api response (status %d)", resp.StatusCode), err)
	}
	return &out, nil
}

func (p *Cobalt) fetch(ctx context.Context, req acquisition.Request, index int, mediaURL, name string) (string, error) {
	if mediaURL == "" {
		return "", acquisition.Fail(p.name, "api returned no media url", nil)
	}
	if name == "" {
		name = filenameFromURL(mediaURL)
	}

	// the extension is only known once the response arrives, so write under a
	// temporary stem first and rename afterwards
	tmp := jobFileName(req, index, stemOf(name), ".download")
	contentType, _, err := download(ctx, p.client, mediaURL, tmp, p.maxBytes, req.Progress)
	if err != nil {
		return "", acquisition.Fail(p.name, "media download failed", err)
	}

	dest := jobFileName(req, index, stemOf(name), extensionFor(name, contentType))
	if dest != tmp {
		if err := renameFile(tmp, dest); err != nil {
			return "", acquisition.Fail(p.name, "failed to finalize file", err)
		}
	}
	return dest, nil
}

func pickerName(kind, mediaURL string) string {
	name := filenameFromURL(mediaURL)
	if name != "" {
		return name
	}
	switch kind {
	case "photo":
		return "photo.jpg"
	case "gif":
		return "animation.gif"
	default:
		return "video.mp4"
	}
}
