// Package main is the cadence runner: it calls the backoffice settle and
// liquidate triggers on a cron schedule so the server itself can run with
// its in-process scheduler disabled.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/robfig/cron/v3"

	"github.com/ghostlend/protocol/internal/config"
	"github.com/ghostlend/protocol/internal/domain"
	"github.com/ghostlend/protocol/internal/retry"
)

func main() {
	// ── Logger ────────────────────────────────────────────────────────────────
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	var logHandler slog.Handler
	if cfg.IsProd() {
		logHandler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	} else {
		logHandler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug})
	}
	logger := slog.New(logHandler).With("component", "runner")
	slog.SetDefault(logger)

	if cfg.Operator.APIKey == "" {
		logger.Error("OPERATOR_API_KEY must be set")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := newTriggerClient(cfg.Runner.ServerURL, cfg.Operator.APIKey, &http.Client{Timeout: cfg.Runner.Timeout})

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(cfg.Runner.Schedule, func() { tick(ctx, client, logger) }); err != nil {
		logger.Error("invalid RUNNER_SCHEDULE", "schedule", cfg.Runner.Schedule, "err", err)
		os.Exit(1)
	}

	logger.Info("runner started", "server", cfg.Runner.ServerURL, "schedule", cfg.Runner.Schedule)
	tick(ctx, client, logger) // first pass without waiting for the schedule
	c.Start()

	<-ctx.Done()
	logger.Info("shutdown signal received")
	<-c.Stop().Done()
	logger.Info("runner stopped cleanly")
}

// tick runs settle, then liquidate. A failed settle does not block the
// liquidation sweep.
func tick(ctx context.Context, client *triggerClient, logger *slog.Logger) {
	if ctx.Err() != nil {
		return
	}
	if n, err := client.Settle(ctx); err != nil {
		logger.Error("settle trigger failed", "err", err)
	} else {
		logger.Info("settle trigger done", "matched", n)
	}
	if n, err := client.Liquidate(ctx); err != nil {
		logger.Error("liquidate trigger failed", "err", err)
	} else {
		logger.Info("liquidate trigger done", "liquidated", n)
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// triggerClient
// ──────────────────────────────────────────────────────────────────────────────

// triggerClient calls the backoffice trigger endpoints with the operator key.
type triggerClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
	policy  retry.Policy
}

func newTriggerClient(baseURL, apiKey string, hc *http.Client) *triggerClient {
	return &triggerClient{baseURL: baseURL, apiKey: apiKey, http: hc, policy: retry.DefaultPolicy}
}

// Settle posts /admin/trigger/settle and returns the matched count.
func (c *triggerClient) Settle(ctx context.Context) (int, error) {
	var out struct {
		Matched int `json:"matched"`
	}
	if err := c.post(ctx, "/admin/trigger/settle", &out); err != nil {
		return 0, err
	}
	return out.Matched, nil
}

// Liquidate posts /admin/trigger/liquidate and returns the liquidated count.
func (c *triggerClient) Liquidate(ctx context.Context) (int, error) {
	var out struct {
		Liquidated int `json:"liquidated"`
	}
	if err := c.post(ctx, "/admin/trigger/liquidate", &out); err != nil {
		return 0, err
	}
	return out.Liquidated, nil
}

// post sends an empty POST and decodes the envelope's data into out. Network
// failures and 5xx responses are retried; anything else is returned at once.
func (c *triggerClient) post(ctx context.Context, path string, out any) error {
	return retry.Do(ctx, c.policy, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, nil)
		if err != nil {
			return fmt.Errorf("runner.post %s: %w", path, err)
		}
		req.Header.Set("X-API-Key", c.apiKey)

		resp, err := c.http.Do(req)
		if err != nil {
			return domain.Transient("runner.post "+path, err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return domain.Transient("runner.post "+path, err)
		}

		var env struct {
			Success bool            `json:"success"`
			Data    json.RawMessage `json:"data"`
			Error   string          `json:"error"`
			Code    string          `json:"code"`
		}
		if err := json.Unmarshal(body, &env); err != nil {
			return fmt.Errorf("runner.post %s: status %d: decode: %w", path, resp.StatusCode, err)
		}
		if resp.StatusCode >= 500 {
			return domain.Transient("runner.post "+path, fmt.Errorf("status %d: %s", resp.StatusCode, env.Error))
		}
		if !env.Success {
			return fmt.Errorf("runner.post %s: status %d %s: %s", path, resp.StatusCode, env.Code, env.Error)
		}
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("runner.post %s: decode data: %w", path, err)
		}
		return nil
	})
}
