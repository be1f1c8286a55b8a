// Package workflow implements the executor contract against a workflow
// engine's webhook API.
package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	executordomain "github.com/modrunhq/modrun/internal/executor/domain"
	"go.uber.org/zap"
)

const maxErrorBodyBytes = 512

type Config struct {
	BaseURL   string
	AuthToken string
}

type Client struct {
	cfg        Config
	httpClient *http.Client
	log        *zap.Logger
}

func NewClient(cfg Config, log *zap.Logger) *Client {
	return &Client{
		cfg: cfg,
		// Per-job deadlines come from the request context; the transport
		// timeout only guards connection setup.
		httpClient: &http.Client{
			Transport: http.DefaultTransport,
		},
		log: log.Named("executor.workflow"),
	}
}

func (c *Client) Execute(ctx context.Context, job executordomain.Job) (map[string]any, error) {
	if job.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, job.Timeout)
		defer cancel()
	}

	payload := map[string]any{
		"module":     job.ModuleRef,
		"user_id":    job.UserID.String(),
		"user_email": job.UserEmail,
		"input":      job.Input,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode job payload: %w", err)
	}

	endpoint := c.cfg.BaseURL + "/webhook/" + url.PathEscape(job.ModuleRef)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.AuthToken)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", executordomain.ErrExecutionFailed, err)
	}
	defer resp.Body.Close()

	c.log.Debug("workflow webhook call finished",
		zap.String("module", job.ModuleRef),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)),
	)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return nil, fmt.Errorf("%w: webhook returned %d: %s",
			executordomain.ErrExecutionFailed, resp.StatusCode, bytes.TrimSpace(snippet))
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", executordomain.ErrExecutionFailed, err)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return map[string]any{}, nil
	}

	var output map[string]any
	if err := json.Unmarshal(raw, &output); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", executordomain.ErrExecutionFailed, err)
	}
	return output, nil
}
