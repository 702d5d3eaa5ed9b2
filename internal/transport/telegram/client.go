// Package telegram is a minimal Bot API client for uploading media files.
package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/mehrshadmadani/telegram-downloader-bot/internal/config"
	"github.com/mehrshadmadani/telegram-downloader-bot/internal/delivery"
	"github.com/mehrshadmadani/telegram-downloader-bot/internal/worker/domain"
)

// ErrInvalidToken is returned by GetMe when the Bot API does not accept the token
var ErrInvalidToken = errors.New("telegram bot token rejected")

// APIError is a request rejected by the Bot API
type APIError struct {
	Method      string
	StatusCode  int
	Description string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %d %s", e.Method, e.StatusCode, e.Description)
}

// User is the subset of the Bot API user object returned by getMe
type User struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	IsBot    bool   `json:"is_bot"`
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	Description string          `json:"description"`
	ErrorCode   int             `json:"error_code"`
	Parameters  struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

// Client talks to the Bot API. Every request waits on a shared rate limiter.
type Client struct {
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

// New creates a Bot API client
func New(cfg config.TelegramConfig, client *http.Client, logger *slog.Logger) *Client {
	if client == nil {
		client = &http.Client{}
	}
	apiURL := strings.TrimRight(cfg.APIURL, "/")
	if apiURL == "" {
		apiURL = "https://api.telegram.org"
	}
	limit := rate.Limit(cfg.RateLimit)
	if cfg.RateLimit <= 0 {
		limit = rate.Inf
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}

	return &Client{
		baseURL: apiURL + "/bot" + cfg.BotToken,
		client:  client,
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger,
	}
}

// GetMe verifies the token
func (c *Client) GetMe(ctx context.Context) (*User, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/getMe", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	raw, err := c.do(req, "getMe")
	if IsAPIError(err, http.StatusUnauthorized) || IsAPIError(err, http.StatusNotFound) {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if err != nil {
		return nil, err
	}

	var user User
	if err := json.Unmarshal(raw, &user); err != nil {
		return nil, fmt.Errorf("failed to decode getMe result: %w", err)
	}
	return &user, nil
}

// methodFor maps a file kind to the Bot API method and its file field
func methodFor(kind delivery.Kind) (string, string) {
	switch kind {
	case delivery.KindVideo:
		return "sendVideo", "video"
	case delivery.KindPhoto:
		return "sendPhoto", "photo"
	case delivery.KindAudio:
		return "sendAudio", "audio"
	default:
		return "sendDocument", "document"
	}
}

// Upload sends one file as a multipart request streamed from disk
func (c *Client) Upload(ctx context.Context, u delivery.Upload) error {
	method, field := methodFor(u.Kind)

	fields := map[string]string{
		"chat_id": strconv.FormatInt(u.ChatID, 10),
	}
	if u.ThreadID != 0 {
		fields["message_thread_id"] = strconv.FormatInt(u.ThreadID, 10)
	}
	if u.Caption != "" {
		fields["caption"] = u.Caption
	}
	if u.Kind == delivery.KindVideo {
		fields["supports_streaming"] = "true"
		if u.Duration > 0 {
			fields["duration"] = strconv.Itoa(u.Duration)
		}
		if u.Width > 0 && u.Height > 0 {
			fields["width"] = strconv.Itoa(u.Width)
			fields["height"] = strconv.Itoa(u.Height)
		}
	}

	file, err := os.Open(u.Path)
	if err != nil {
		return fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		pw.CloseWithError(writeMultipart(mw, fields, field, u, file))
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+method, pr)
	if err != nil {
		pr.Close()
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	start := time.Now()
	if _, err := c.do(req, method); err != nil {
		// unblock the writer goroutine if the transport gave up early
		pr.CloseWithError(err)
		return err
	}

	c.logger.Debug("File uploaded",
		slog.String("method", method),
		slog.String("file", filepath.Base(u.Path)),
		slog.Int64("size", u.Size),
		slog.Duration("duration", time.Since(start)),
	)
	return nil
}

func writeMultipart(mw *multipart.Writer, fields map[string]string, field string, u delivery.Upload, file io.Reader) error {
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return err
		}
	}

	part, err := mw.CreateFormFile(field, filepath.Base(u.Path))
	if err != nil {
		return err
	}

	var src io.Reader = file
	if u.Progress != nil {
		src = &progressReader{r: file, total: u.Size, fn: u.Progress}
	}
	if _, err := io.Copy(part, src); err != nil {
		return err
	}
	return mw.Close()
}

// do executes req and classifies failures. Rate limiting, server errors and
// transport errors are retryable; other rejections are permanent.
func (c *Client) do(req *http.Request, method string) (json.RawMessage, error) {
	resp, err := c.client.Do(req)
	if err != nil {
		if ctxErr := req.Context().Err(); ctxErr != nil {
			return nil, fmt.Errorf("%s: %w", method, ctxErr)
		}
		return nil, domain.NewRetryableError(fmt.Errorf("%s: %w", method, err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, domain.NewRetryableError(fmt.Errorf("%s: failed to read response: %w", method, err))
	}

	var out apiResponse
	if err := json.Unmarshal(body, &out); err != nil {
		apiErr := &APIError{Method: method, StatusCode: resp.StatusCode, Description: strings.TrimSpace(string(body))}
		if resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests {
			return nil, domain.NewRetryableError(apiErr)
		}
		return nil, apiErr
	}
	if out.OK {
		return out.Result, nil
	}

	code := out.ErrorCode
	if code == 0 {
		code = resp.StatusCode
	}
	apiErr := &APIError{Method: method, StatusCode: code, Description: out.Description}

	switch {
	case code == http.StatusTooManyRequests:
		after := time.Duration(out.Parameters.RetryAfter) * time.Second
		c.logger.Warn("Rate limited by Bot API",
			slog.String("method", method),
			slog.Duration("retry_after", after),
		)
		return nil, domain.NewRetryableErrorAfter(apiErr, after)
	case code >= http.StatusInternalServerError:
		return nil, domain.NewRetryableError(apiErr)
	default:
		return nil, apiErr
	}
}

// IsAPIError reports whether err carries a Bot API rejection with the given status code
func IsAPIError(err error, code int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == code
}

type progressReader struct {
	r     io.Reader
	sent  int64
	total int64
	fn    func(sent, total int64)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.sent += int64(n)
		p.fn(p.sent, p.total)
	}
	return n, err
}
