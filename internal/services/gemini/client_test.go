package gemini

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"podthumb/internal/imagegen"
	"podthumb/internal/services"
)

func testRequest() imagegen.Request {
	return imagegen.Request{
		Model:       "gemini-3-pro-image-preview",
		Prompt:      "studio headshot",
		References:  []imagegen.Reference{{Name: "a.png", MIMEType: "image/png", Data: []byte("ref")}},
		AspectRatio: "1:1",
		ImageSize:   "1K",
		NumImages:   1,
	}
}

func TestGenerateSendsRequestAndDecodesImages(t *testing.T) {
	var captured generateRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/models/gemini-3-pro-image-preview:generateContent" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("x-goog-api-key"); got != "secret" {
			t.Errorf("unexpected api key header %q", got)
		}
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &captured); err != nil {
			t.Errorf("decode request: %v", err)
		}
		encoded := base64.StdEncoding.EncodeToString([]byte("png-bytes"))
		_, _ = w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":"here"},{"inlineData":{"mimeType":"image/png","data":"` + encoded + `"}}]},"finishReason":"STOP"}]}`))
	}))
	defer server.Close()

	client := NewClient(Config{APIKey: "secret", BaseURL: server.URL})
	images, err := client.Generate(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(images) != 1 || string(images[0].Data) != "png-bytes" || images[0].MIMEType != "image/png" {
		t.Fatalf("unexpected images: %+v", images)
	}
	if len(captured.Contents) != 1 || len(captured.Contents[0].Parts) != 2 {
		t.Fatalf("unexpected request contents: %+v", captured.Contents)
	}
	if captured.Contents[0].Parts[0].Text != "studio headshot" {
		t.Fatalf("prompt should be the first part: %+v", captured.Contents[0].Parts[0])
	}
	ref := captured.Contents[0].Parts[1].InlineData
	if ref == nil || ref.Data != base64.StdEncoding.EncodeToString([]byte("ref")) {
		t.Fatalf("unexpected reference part: %+v", ref)
	}
	cfg := captured.GenerationConfig
	if cfg.ImageConfig == nil || cfg.ImageConfig.AspectRatio != "1:1" || cfg.ImageConfig.ImageSize != "1K" {
		t.Fatalf("unexpected image config: %+v", cfg.ImageConfig)
	}
	if len(cfg.ResponseModalities) != 1 || cfg.ResponseModalities[0] != "IMAGE" {
		t.Fatalf("unexpected modalities: %v", cfg.ResponseModalities)
	}
}

func TestGenerateClassifiesStatusCodes(t *testing.T) {
	cases := []struct {
		status    int
		marker    error
		retryable bool
	}{
		{http.StatusTooManyRequests, services.ErrTransient, true},
		{http.StatusServiceUnavailable, services.ErrTransient, true},
		{http.StatusRequestTimeout, services.ErrTimeout, true},
		{http.StatusUnauthorized, services.ErrConfiguration, false},
		{http.StatusBadRequest, services.ErrExternalTool, false},
	}
	for _, tc := range cases {
		t.Run(http.StatusText(tc.status), func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Retry-After", "3")
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(`{"error":{"code":1,"message":"nope","status":"X"}}`))
			}))
			defer server.Close()

			_, err := NewClient(Config{APIKey: "k", BaseURL: server.URL}).Generate(context.Background(), testRequest())
			if !errors.Is(err, tc.marker) {
				t.Fatalf("expected %v, got %v", tc.marker, err)
			}
			if services.IsRetryable(err) != tc.retryable {
				t.Fatalf("retryable = %v, want %v (%v)", services.IsRetryable(err), tc.retryable, err)
			}
			var statusErr *StatusError
			if !errors.As(err, &statusErr) || statusErr.RetryAfter != 3*time.Second || statusErr.Message != "nope" {
				t.Fatalf("expected status error details, got %+v", statusErr)
			}
		})
	}
}

func TestGenerateEmptyResponseIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":"I cannot"}]},"finishReason":"SAFETY"}]}`))
	}))
	defer server.Close()

	_, err := NewClient(Config{APIKey: "k", BaseURL: server.URL}).Generate(context.Background(), testRequest())
	if !errors.Is(err, services.ErrTransient) {
		t.Fatalf("expected transient error, got %v", err)
	}
	if !strings.Contains(err.Error(), "SAFETY") {
		t.Fatalf("expected finish reason in error, got %v", err)
	}
}

func TestGenerateRequiresKey(t *testing.T) {
	_, err := NewClient(Config{}).Generate(context.Background(), testRequest())
	if !errors.Is(err, services.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestGenerateRejectsInvalidRequest(t *testing.T) {
	req := testRequest()
	req.References = nil
	_, err := NewClient(Config{APIKey: "k"}).Generate(context.Background(), req)
	if !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestGenerateNetworkTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer server.Close()

	client := NewClient(Config{APIKey: "k", BaseURL: server.URL}, WithHTTPClient(&http.Client{Timeout: 20 * time.Millisecond}))
	_, err := client.Generate(context.Background(), testRequest())
	if !errors.Is(err, services.ErrTimeout) {
		t.Fatalf("expected timeout error, got %v", err)
	}
}

func TestParseRetryAfter(t *testing.T) {
	if d, ok := parseRetryAfter("5"); !ok || d != 5*time.Second {
		t.Fatalf("unexpected parse: %v %v", d, ok)
	}
	if _, ok := parseRetryAfter("soon"); ok {
		t.Fatal("expected invalid value to be rejected")
	}
}

func TestNetworkTimeoutIsRetryable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer server.Close()

	client := NewClient(Config{APIKey: "k", BaseURL: server.URL}, WithHTTPClient(&http.Client{Timeout: 20 * time.Millisecond}))
	_, err := client.Generate(context.Background(), testRequest())
	if !services.IsRetryable(err) {
		t.Fatalf("expected client timeout to be retryable, got %v", err)
	}
}

func TestHealthCheck(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/models/m" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("x-goog-api-key") != "good" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		_, _ = w.Write([]byte(`{"name":"models/m"}`))
	}))
	defer server.Close()

	if err := NewClient(Config{APIKey: "good", BaseURL: server.URL}).HealthCheck(context.Background(), "m"); err != nil {
		t.Fatalf("HealthCheck: %v", err)
	}
	err := NewClient(Config{APIKey: "bad", BaseURL: server.URL}).HealthCheck(context.Background(), "m")
	if !errors.Is(err, services.ErrConfiguration) {
		t.Fatalf("expected configuration error for rejected key, got %v", err)
	}
}
