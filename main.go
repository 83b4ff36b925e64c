// Package main implements a web service that emails subscribers periodic
// digests of highlights sampled from their uploaded Kindle clippings.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	gcs "cloud.google.com/go/storage"
	"github.com/joho/godotenv"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/sthita19/kindle-clippings-app/email"
	"github.com/sthita19/kindle-clippings-app/schedule"
	"github.com/sthita19/kindle-clippings-app/server"
	"github.com/sthita19/kindle-clippings-app/storage"
)

const defaultTimezone = "Asia/Kolkata"

func main() {
	ctx := context.Background()

	// Optional .env for local development
	_ = godotenv.Load()

	// Initialize structured logger
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// Check for local development mode
	localStorage := os.Getenv("LOCAL_STORAGE")
	bucket := os.Getenv("STORAGE_BUCKET")
	baseURL := os.Getenv("BASE_URL")

	// Default to local development mode if no bucket specified
	if bucket == "" && localStorage == "" {
		localStorage = "./data"
		logger.Info("No STORAGE_BUCKET set, defaulting to local development mode", "storage_path", localStorage)
	}

	var client *gcs.Client
	if localStorage != "" {
		if baseURL == "" {
			baseURL = "http://localhost:8080"
		}
		if err := os.MkdirAll(localStorage, 0o755); err != nil {
			logger.Error("Failed to create local storage directory", "error", err)
			os.Exit(1)
		}
	} else {
		if baseURL == "" {
			logger.Error("BASE_URL environment variable required (e.g., https://your-service.run.app)")
			os.Exit(1)
		}
		var err error
		client, err = gcs.NewClient(ctx)
		if err != nil {
			logger.Error("Failed to initialize Storage client", "error", err)
			os.Exit(1)
		}
		defer func() {
			if err := client.Close(); err != nil {
				logger.Warn("Failed to close storage client", "error", err)
			}
		}()
	}

	exports := storage.NewExportStore(client, bucket, localStorage, logger)

	statePath := os.Getenv("STATE_DB")
	if statePath == "" {
		statePath = "clippings.db"
	}
	salt := []byte(os.Getenv("TOKEN_SALT"))
	if len(salt) == 0 {
		logger.Error("TOKEN_SALT environment variable required")
		os.Exit(1)
	}

	state, err := storage.OpenState(statePath, salt, logger)
	if err != nil {
		logger.Error("Failed to open state database", "path", statePath, "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := state.Close(); err != nil {
			logger.Warn("Failed to close state database", "error", err)
		}
	}()

	tzName := os.Getenv("DIGEST_TIMEZONE")
	if tzName == "" {
		tzName = defaultTimezone
	}
	loc, err := time.LoadLocation(tzName)
	if err != nil {
		logger.Error("Invalid DIGEST_TIMEZONE", "timezone", tzName, "error", err)
		os.Exit(1)
	}

	provider := initEmailProvider(ctx, logger)
	sender := email.NewSender(provider, logger, baseURL)

	scheduler := schedule.New(&schedule.Config{
		Store:      state,
		Exports:    exports,
		Emailer:    sender,
		Logger:     logger,
		Location:   loc,
		IsNotFound: storage.IsNotFound,
		Tick:       envDuration("TICK_SECONDS", time.Second, time.Minute),
		Guard:      envDuration("RESEND_GUARD_MINUTES", time.Minute, schedule.DefaultGuard),
	})
	scheduler.Start(ctx)
	defer scheduler.Stop()

	srv := server.New(&server.Config{
		Store:      state,
		Exports:    exports,
		Emailer:    sender,
		Digester:   scheduler,
		Logger:     logger,
		IsNotFound: func(err error) bool { return errors.Is(err, storage.ErrNoSubscriber) },
		Location:   loc,
	})

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	if err := srv.ListenAndServe(port); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("Server failed", "error", err)
		os.Exit(1)
	}
}

// envDuration reads an integer environment variable and scales it by unit,
// falling back to def when unset or unparseable.
func envDuration(name string, unit, def time.Duration) time.Duration {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		slog.Warn("Ignoring invalid duration setting", "name", name, "value", v)
		return def
	}
	return time.Duration(n) * unit
}

// initEmailProvider picks the delivery backend from the environment: Brevo
// when an API key is set, Gmail when credentials are available, otherwise a
// mock that only logs.
func initEmailProvider(ctx context.Context, logger *slog.Logger) email.Provider {
	if apiKey := os.Getenv("BREVO_API_KEY"); apiKey != "" {
		fromAddr := os.Getenv("BREVO_FROM_EMAIL")
		if fromAddr == "" {
			logger.Error("BREVO_FROM_EMAIL required when BREVO_API_KEY is set")
			os.Exit(1)
		}
		fromName := os.Getenv("BREVO_FROM_NAME")
		if fromName == "" {
			fromName = "Kindle Clippings"
		}
		logger.Info("Using Brevo email provider", "from", fromAddr)
		return email.NewBrevoProvider(apiKey, fromAddr, fromName, logger)
	}

	service, err := initGmailService(ctx)
	if err != nil {
		logger.Info("Mock email mode enabled", "reason", err.Error())
		return email.NewMockProvider(logger)
	}
	logger.Info("Using Gmail email provider")
	return email.NewGmailProvider(service, logger)
}

func initGmailService(ctx context.Context) (*gmail.Service, error) {
	// Try explicit credentials first (for local development or specific use cases)
	credsJSON := os.Getenv("GOOGLE_CREDENTIALS_JSON")
	if credsJSON != "" {
		return gmail.NewService(ctx, option.WithCredentialsJSON([]byte(credsJSON)))
	}

	// If running in Cloud Run, use Application Default Credentials (ADC)
	// This automatically uses the service account
	// The service account needs Gmail API access (gmail.send scope)
	if isCloudRun(ctx) {
		return gmail.NewService(ctx)
	}

	// Not in Cloud Run and no explicit credentials
	return nil, errors.New("GOOGLE_CREDENTIALS_JSON required when not running in Cloud Run")
}

// isCloudRun checks if we're running in a GCP environment by querying the metadata server.
func isCloudRun(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://metadata.google.internal/computeMetadata/v1/project/project-id", nil)
	if err != nil {
		return false
	}
	req.Header.Set("Metadata-Flavor", "Google")

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	return resp.StatusCode == http.StatusOK
}
