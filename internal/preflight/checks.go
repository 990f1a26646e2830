package preflight

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"podthumb/internal/cache/minio"
	"podthumb/internal/config"
	"podthumb/internal/services"
	"podthumb/internal/services/gemini"
)

const remoteCheckTimeout = 30 * time.Second

// CheckGemini verifies the API key and that both configured image models are
// visible to it. A single attempt is made per model.
func CheckGemini(ctx context.Context, cfg *config.Config) Result {
	const name = "Gemini API"
	if err := cfg.RequireGemini(); err != nil {
		return Result{Name: name, Detail: "API key missing (set GEMINI_API_KEY)"}
	}

	checkCtx, cancel := context.WithTimeout(ctx, remoteCheckTimeout)
	defer cancel()

	client := gemini.NewClient(gemini.Config{
		APIKey:         cfg.Gemini.APIKey,
		BaseURL:        cfg.Gemini.BaseURL,
		TimeoutSeconds: cfg.Gemini.TimeoutSeconds,
	})
	models := []string{cfg.Headshot.Model}
	if cfg.Composition.Model != cfg.Headshot.Model {
		models = append(models, cfg.Composition.Model)
	}
	for _, model := range models {
		if err := client.HealthCheck(checkCtx, model); err != nil {
			return Result{Name: name, Detail: fmt.Sprintf("%s: %s", model, summarizeRemoteError(err))}
		}
	}
	return Result{Name: name, Passed: true, Detail: "reachable (" + strings.Join(models, ", ") + ")"}
}

// CheckMirror verifies that the S3 mirror bucket is reachable. The bucket is
// not created here.
func CheckMirror(ctx context.Context, cfg *config.Config) Result {
	const name = "Cache mirror"
	mirror := cfg.Cache.Mirror
	store, err := minio.New(minio.Options{
		Endpoint:   mirror.Endpoint,
		Bucket:     mirror.Bucket,
		Prefix:     mirror.Prefix,
		AccessKey:  mirror.AccessKey,
		SecretKey:  mirror.SecretKey,
		UseSSL:     mirror.UseSSL,
		StagingDir: filepath.Join(cfg.Paths.CacheDir, "mirror-staging"),
	}, nil)
	if err != nil {
		return Result{Name: name, Detail: err.Error()}
	}

	checkCtx, cancel := context.WithTimeout(ctx, remoteCheckTimeout)
	defer cancel()
	exists, err := store.BucketExists(checkCtx)
	if err != nil {
		return Result{Name: name, Detail: summarizeRemoteError(err)}
	}
	if !exists {
		return Result{Name: name, Passed: true, Detail: fmt.Sprintf("bucket %q missing (created on first run)", mirror.Bucket)}
	}
	return Result{Name: name, Passed: true, Detail: fmt.Sprintf("%s/%s reachable", mirror.Endpoint, mirror.Bucket)}
}

// CheckDirectoryAccess verifies that the directory exists and is readable/writable.
func CheckDirectoryAccess(name, path string) Result {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Result{Name: name, Detail: fmt.Sprintf("%s (error: does not exist)", path)}
		}
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: stat: %v)", path, err)}
	}
	if !info.IsDir() {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: is not a directory)", path)}
	}
	if err := unix.Access(path, unix.R_OK|unix.W_OK|unix.X_OK); err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: insufficient permissions: %v)", path, err)}
	}
	return Result{Name: name, Passed: true, Detail: fmt.Sprintf("%s (read/write ok)", path)}
}

func summarizeRemoteError(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "check timed out (service unresponsive)"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "check timed out (service unreachable)"
	}
	if errors.Is(err, services.ErrConfiguration) {
		return "rejected credentials: " + services.Details(err).Message
	}
	return err.Error()
}
