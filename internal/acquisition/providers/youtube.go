package providers

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/kkdai/youtube/v2"

	"github.com/mehrshadmadani/telegram-downloader-bot/internal/acquisition"
)

// YouTube downloads a single progressive stream through the native YouTube client
type YouTube struct {
	name     string
	client   *youtube.Client
	maxBytes int64
}

// NewYouTube creates a native YouTube provider
func NewYouTube(name string, httpClient *http.Client, maxBytes int64) *YouTube {
	return &YouTube{
		name:     name,
		client:   &youtube.Client{HTTPClient: httpClient},
		maxBytes: maxBytes,
	}
}

func (p *YouTube) Name() string {
	return p.name
}

func (p *YouTube) Attempt(ctx context.Context, req acquisition.Request) (*acquisition.Media, error) {
	video, err := p.client.GetVideoContext(ctx, req.URL)
	if err != nil {
		return nil, acquisition.Fail(p.name, "failed to get video info", err)
	}

	format := pickFormat(video.Formats.WithAudioChannels())
	if format == nil {
		return nil, acquisition.Fail(p.name, "no format with audio available", nil)
	}

	stream, size, err := p.client.GetStreamContext(ctx, video, format)
	if err != nil {
		return nil, acquisition.Fail(p.name, "failed to get stream", err)
	}
	defer stream.Close()

	dest := jobFileName(req, 1, fmt.Sprintf("%s [%s]", cleanName(video.Title, 30), video.ID), extensionFor("", format.MimeType))
	if _, err := saveStream(ctx, dest, stream, size, p.maxBytes, req.Progress); err != nil {
		return nil, acquisition.Fail(p.name, "download interrupted", err)
	}

	caption := strings.TrimSpace(video.Description)
	if caption == "" {
		caption = video.Title
	}

	return &acquisition.Media{Files: []string{dest}, Caption: caption}, nil
}

// pickFormat prefers mp4, keeping the client's quality ordering otherwise
func pickFormat(formats youtube.FormatList) *youtube.Format {
	if len(formats) == 0 {
		return nil
	}
	for i := range formats {
		if strings.HasPrefix(formats[i].MimeType, "video/mp4") {
			return &formats[i]
		}
	}
	return &formats[0]
}
