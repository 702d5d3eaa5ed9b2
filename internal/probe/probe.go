// Package probe reads video attributes with ffprobe.
package probe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os/exec"
	"strconv"
	"time"
)

const maxStderr = 4096

// ErrNoVideoStream is returned when the file has no video stream
var ErrNoVideoStream = errors.New("no video stream")

// Info holds the attributes sent along with a video upload
type Info struct {
	Duration int // whole seconds, rounded
	Width    int
	Height   int
}

// Prober runs ffprobe
type Prober struct {
	binary  string
	timeout time.Duration
}

// New creates a Prober. An empty binary means "ffprobe" from PATH.
func New(binary string, timeout time.Duration) *Prober {
	if binary == "" {
		binary = "ffprobe"
	}
	return &Prober{binary: binary, timeout: timeout}
}

// Probe executes ffprobe against path
func (p *Prober) Probe(ctx context.Context, path string) (*Info, error) {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	args := []string{
		"-v", "error",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	}

	// #nosec G204 - binary comes from configuration and path is passed as a single argument
	cmd := exec.CommandContext(ctx, p.binary, args...)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	out, err := cmd.Output()
	if err != nil {
		errStr := stderr.String()
		if len(errStr) > maxStderr {
			errStr = errStr[:maxStderr] + "..."
		}
		return nil, fmt.Errorf("ffprobe failed: %w (stderr: %s)", err, errStr)
	}

	return Parse(out)
}

type probeData struct {
	Streams []struct {
		CodecType string `json:"codec_type"`
		Width     int    `json:"width"`
		Height    int    `json:"height"`
		Duration  string `json:"duration"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

// Parse reads ffprobe JSON output. The first video stream supplies width and
// height; its duration falls back to the container duration.
func Parse(data []byte) (*Info, error) {
	var pd probeData
	if err := json.Unmarshal(data, &pd); err != nil {
		return nil, fmt.Errorf("json decode: %w", err)
	}

	for _, s := range pd.Streams {
		if s.CodecType != "video" {
			continue
		}

		info := &Info{Width: s.Width, Height: s.Height}
		seconds, ok := parseSeconds(s.Duration)
		if !ok {
			seconds, _ = parseSeconds(pd.Format.Duration)
		}
		info.Duration = int(math.Round(seconds))
		return info, nil
	}

	return nil, ErrNoVideoStream
}

func parseSeconds(s string) (float64, bool) {
	if s == "" || s == "N/A" {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v < 0 {
		return 0, false
	}
	return v, true
}
