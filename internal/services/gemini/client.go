package gemini

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"podthumb/internal/imagegen"
	"podthumb/internal/services"
)

const (
	defaultBaseURL     = "https://generativelanguage.googleapis.com/v1beta"
	defaultHTTPTimeout = 180 * time.Second
	maxResponseBytes   = 64 << 20
)

// Config captures the runtime settings required to talk to Gemini.
type Config struct {
	APIKey         string
	BaseURL        string
	TimeoutSeconds int
}

// Client wraps the Gemini generateContent API.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// Option customizes the client.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// NewClient constructs a Gemini client using the supplied configuration.
func NewClient(cfg Config, opts ...Option) *Client {
	timeout := defaultHTTPTimeout
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	client := &Client{
		cfg: Config{
			APIKey:         strings.TrimSpace(cfg.APIKey),
			BaseURL:        strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
			TimeoutSeconds: cfg.TimeoutSeconds,
		},
		httpClient: &http.Client{Timeout: timeout},
	}
	for _, opt := range opts {
		opt(client)
	}
	if client.cfg.BaseURL == "" {
		client.cfg.BaseURL = defaultBaseURL
	}
	return client
}

type generateRequest struct {
	Contents         []content        `json:"contents"`
	GenerationConfig generationConfig `json:"generationConfig"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"`
}

type generationConfig struct {
	ResponseModalities []string     `json:"responseModalities"`
	CandidateCount     int          `json:"candidateCount,omitempty"`
	ImageConfig        *imageConfig `json:"imageConfig,omitempty"`
}

type imageConfig struct {
	AspectRatio string `json:"aspectRatio,omitempty"`
	ImageSize   string `json:"imageSize,omitempty"`
}

type generateResponse struct {
	Candidates []struct {
		Content      content `json:"content"`
		FinishReason string  `json:"finishReason"`
	} `json:"candidates"`
	PromptFeedback *struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback"`
}

type apiErrorBody struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

// StatusError is a non-2xx response.
type StatusError struct {
	StatusCode int
	Status     string
	Message    string
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	return fmt.Sprintf("gemini request: http %d %s: %s", e.StatusCode, e.Status, msg)
}

// RetryAfterHint exposes the server's Retry-After delay to the retry loop.
func (e *StatusError) RetryAfterHint() time.Duration {
	return e.RetryAfter
}

// Generate sends one generateContent request and returns the image parts.
func (c *Client) Generate(ctx context.Context, req imagegen.Request) ([]imagegen.Image, error) {
	if c.cfg.APIKey == "" {
		return nil, services.Wrap(services.ErrConfiguration, "", "gemini", "api key required (set GEMINI_API_KEY)", nil)
	}
	if err := req.Validate(); err != nil {
		return nil, services.Wrap(services.ErrValidation, "", "gemini", "invalid request", err)
	}

	parts := make([]part, 0, len(req.References)+1)
	parts = append(parts, part{Text: req.Prompt})
	for _, ref := range req.References {
		mime := ref.MIMEType
		if mime == "" {
			mime = "image/png"
		}
		parts = append(parts, part{InlineData: &inlineData{MIMEType: mime, Data: base64.StdEncoding.EncodeToString(ref.Data)}})
	}
	payload := generateRequest{
		Contents: []content{{Role: "user", Parts: parts}},
		GenerationConfig: generationConfig{
			ResponseModalities: []string{"IMAGE"},
			CandidateCount:     req.NumImages,
		},
	}
	if req.AspectRatio != "" || req.ImageSize != "" {
		payload.GenerationConfig.ImageConfig = &imageConfig{AspectRatio: req.AspectRatio, ImageSize: req.ImageSize}
	}

	resp, err := c.send(ctx, req.Model, payload)
	if err != nil {
		return nil, classify(err)
	}
	images, err := extractImages(resp)
	if err != nil {
		return nil, services.Wrap(services.ErrTransient, "", "gemini", "response", err)
	}
	return images, nil
}

// HealthCheck verifies the key by fetching the model's metadata.
func (c *Client) HealthCheck(ctx context.Context, model string) error {
	if c.cfg.APIKey == "" {
		return services.Wrap(services.ErrConfiguration, "", "gemini", "api key required (set GEMINI_API_KEY)", nil)
	}
	endpoint, err := url.JoinPath(c.cfg.BaseURL, "models", strings.TrimSpace(model))
	if err != nil {
		return fmt.Errorf("gemini health: build url: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("gemini health: new request: %w", err)
	}
	httpReq.Header.Set("x-goog-api-key", c.cfg.APIKey)
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return classify(fmt.Errorf("gemini health: %w", err))
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode >= http.StatusMultipleChoices {
		return classify(&StatusError{StatusCode: resp.StatusCode, Message: snippet(string(body))})
	}
	return nil
}

func (c *Client) send(ctx context.Context, model string, payload generateRequest) (generateResponse, error) {
	var decoded generateResponse
	endpoint, err := url.JoinPath(c.cfg.BaseURL, "models", strings.TrimSpace(model)+":generateContent")
	if err != nil {
		return decoded, fmt.Errorf("gemini request: build url: %w", err)
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return decoded, fmt.Errorf("gemini request: encode body: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(encoded))
	if err != nil {
		return decoded, fmt.Errorf("gemini request: new request: %w", err)
	}
	httpReq.Header.Set("x-goog-api-key", c.cfg.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return decoded, fmt.Errorf("gemini request: http error (timeout=%s): %w", c.httpClient.Timeout, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return decoded, fmt.Errorf("gemini request: read body: %w", err)
	}
	if resp.StatusCode >= http.StatusMultipleChoices {
		statusErr := &StatusError{StatusCode: resp.StatusCode}
		var apiErr apiErrorBody
		if json.Unmarshal(body, &apiErr) == nil {
			statusErr.Status = apiErr.Error.Status
			statusErr.Message = strings.TrimSpace(apiErr.Error.Message)
		}
		if statusErr.Message == "" {
			statusErr.Message = snippet(string(body))
		}
		statusErr.RetryAfter, _ = parseRetryAfter(resp.Header.Get("Retry-After"))
		return decoded, statusErr
	}
	if err := json.Unmarshal(body, &decoded); err != nil {
		return decoded, fmt.Errorf("gemini request: decode response: %w", err)
	}
	return decoded, nil
}

func extractImages(resp generateResponse) ([]imagegen.Image, error) {
	var images []imagegen.Image
	var finish string
	for _, cand := range resp.Candidates {
		if finish == "" {
			finish = cand.FinishReason
		}
		for _, p := range cand.Content.Parts {
			if p.InlineData == nil || p.InlineData.Data == "" {
				continue
			}
			data, err := base64.StdEncoding.DecodeString(p.InlineData.Data)
			if err != nil {
				return nil, fmt.Errorf("decode image part: %w", err)
			}
			images = append(images, imagegen.Image{MIMEType: p.InlineData.MIMEType, Data: data})
		}
	}
	if len(images) == 0 {
		block := ""
		if resp.PromptFeedback != nil {
			block = resp.PromptFeedback.BlockReason
		}
		return nil, fmt.Errorf("model returned no images (finish_reason=%q, block_reason=%q)", finish, block)
	}
	return images, nil
}

// classify tags transport and status failures with service markers.
func classify(err error) error {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		switch {
		case statusErr.StatusCode == http.StatusUnauthorized, statusErr.StatusCode == http.StatusForbidden:
			return services.Wrap(services.ErrConfiguration, "", "gemini", "authentication failed", err)
		case statusErr.StatusCode == http.StatusRequestTimeout:
			return services.Wrap(services.ErrTimeout, "", "gemini", "request timeout", err)
		case statusErr.StatusCode == http.StatusTooManyRequests:
			return services.Wrap(services.ErrTransient, "", "gemini", "rate limited", err)
		case statusErr.StatusCode >= http.StatusInternalServerError:
			return services.Wrap(services.ErrTransient, "", "gemini", "server error", err)
		default:
			return services.Wrap(services.ErrExternalTool, "", "gemini", "request rejected", err)
		}
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		// Client timeouts also match context.DeadlineExceeded; keep only the text.
		return services.Wrap(services.ErrTimeout, "", "gemini", "network timeout: "+err.Error(), nil)
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return services.Wrap(services.ErrTransient, "", "gemini", "network error", err)
	}
	return services.Wrap(services.ErrExternalTool, "", "gemini", "", err)
}

func parseRetryAfter(value string) (time.Duration, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds < 0 {
			return 0, false
		}
		return time.Duration(seconds) * time.Second, true
	}
	if when, err := http.ParseTime(value); err == nil {
		delay := time.Until(when)
		if delay < 0 {
			return 0, false
		}
		return delay, true
	}
	return 0, false
}

func snippet(content string) string {
	clean := strings.Join(strings.Fields(content), " ")
	const limit = 160
	runes := []rune(clean)
	if len(runes) > limit {
		clean = string(runes[:limit]) + "..."
	}
	if clean == "" {
		return "<empty>"
	}
	return clean
}
