// Package provider calls the hosted generation model, or serves a
// deterministic mock when the engine is gated off live credentials.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/draftline-labs/draftline-go/internal/domain"
	"github.com/draftline-labs/draftline-go/internal/flags"
	"github.com/draftline-labs/draftline-go/internal/platform/env"
)

// ErrCredentialMissing is returned when a live generation is attempted
// without a provider credential. Callers are expected to have routed to
// the mock before this point; the live client refuses regardless.
var ErrCredentialMissing = errors.New("provider credential missing")

type GenerateRequest struct {
	Framework string
	TenantID  string
	Payload   domain.Metadata
}

type GenerateResponse struct {
	Output    domain.Metadata
	ModelName string
}

type Provider interface {
	Generate(ctx context.Context, req GenerateRequest) (GenerateResponse, error)
	ModelName() string
}

type Config struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

func ConfigFromEnv() (Config, error) {
	timeout, err := env.Duration("DRAFTLINE_PROVIDER_TIMEOUT", 30*time.Second)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		BaseURL: env.String("DRAFTLINE_PROVIDER_URL", "https://api.provider.local/v1/generate"),
		APIKey:  env.String("DRAFTLINE_PROVIDER_API_KEY", ""),
		Model:   env.String("DRAFTLINE_PROVIDER_MODEL", "draftline-standard-1"),
		Timeout: timeout,
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.BaseURL) == "" {
		return errors.New("DRAFTLINE_PROVIDER_URL is required")
	}
	if strings.TrimSpace(c.Model) == "" {
		return errors.New("DRAFTLINE_PROVIDER_MODEL is required")
	}
	if c.Timeout <= 0 {
		return errors.New("DRAFTLINE_PROVIDER_TIMEOUT must be positive")
	}
	return nil
}

// New returns the live HTTP client when a credential is configured and
// the deterministic mock otherwise.
func New(cfg Config) Provider {
	if flags.ForceMock(cfg.APIKey) {
		return NewMock()
	}
	return NewHTTPProvider(cfg)
}

type HTTPProvider struct {
	cfg    Config
	client *http.Client
}

func NewHTTPProvider(cfg Config) *HTTPProvider {
	return &HTTPProvider{
		cfg: cfg,
		client: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: newTransport(),
		},
	}
}

func (p *HTTPProvider) ModelName() string { return p.cfg.Model }

func (p *HTTPProvider) Generate(ctx context.Context, req GenerateRequest) (GenerateResponse, error) {
	if flags.ForceMock(p.cfg.APIKey) {
		return GenerateResponse{}, ErrCredentialMissing
	}

	body, err := json.Marshal(map[string]any{
		"model":     p.cfg.Model,
		"framework": req.Framework,
		"tenant_id": req.TenantID,
		"input":     req.Payload,
	})
	if err != nil {
		return GenerateResponse{}, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL, bytes.NewReader(body))
	if err != nil {
		return GenerateResponse{}, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+strings.TrimSpace(p.cfg.APIKey))

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return GenerateResponse{}, fmt.Errorf("provider request: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return GenerateResponse{}, fmt.Errorf("read provider response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return GenerateResponse{}, fmt.Errorf("provider status %d: %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}

	var decoded struct {
		Output domain.Metadata `json:"output"`
		Model  string          `json:"model"`
	}
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return GenerateResponse{}, fmt.Errorf("decode provider response: %w", err)
	}
	modelName := decoded.Model
	if strings.TrimSpace(modelName) == "" {
		modelName = p.cfg.Model
	}
	return GenerateResponse{Output: decoded.Output, ModelName: modelName}, nil
}

func newTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}
