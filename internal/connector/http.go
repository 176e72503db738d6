package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/yeto-platform/ingestcore/internal/registry"
	"github.com/yeto-platform/ingestcore/internal/runs"
	"github.com/yeto-platform/ingestcore/pkg/config"
	apperrors "github.com/yeto-platform/ingestcore/pkg/errors"
	"github.com/yeto-platform/ingestcore/pkg/metrics"
	"github.com/yeto-platform/ingestcore/pkg/resilience"
)

// HTTP delegates a fetch to an adapter service. The adapter receives the
// source descriptor as JSON and answers with the record counts it wrote.
type HTTP struct {
	name     string
	endpoint string
	client   *http.Client
	timeout  time.Duration
	breaker  *resilience.CircuitBreaker
}

type fetchResponse struct {
	runs.Counts
	Error string `json:"error,omitempty"`
}

// NewHTTP builds an adapter client. A nil m skips breaker state metrics.
func NewHTTP(name, endpoint string, cfg config.ConnectorsConfig, m *metrics.Metrics) *HTTP {
	cbCfg := resilience.CircuitBreakerConfig{
		FailureThreshold: cfg.FailureThreshold,
		ResetTimeout:     cfg.ResetTimeout,
	}
	if m != nil {
		cbCfg.OnStateChange = func(name string, to resilience.State) {
			m.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
		}
		m.CircuitBreakerState.WithLabelValues(name).Set(float64(resilience.StateClosed))
	}
	return &HTTP{
		name:     name,
		endpoint: endpoint,
		client:   &http.Client{},
		timeout:  cfg.Timeout,
		breaker:  resilience.NewCircuitBreaker("connector-"+name, cbCfg),
	}
}

func (h *HTTP) Run(ctx context.Context, src registry.Source) (runs.Counts, error) {
	var counts runs.Counts
	err := h.breaker.Execute(func() error {
		return resilience.WithTimeout(ctx, h.timeout, "connector "+h.name, func(ctx context.Context) error {
			var err error
			counts, err = h.fetch(ctx, src)
			return err
		})
	})
	if err != nil {
		return runs.Counts{}, fmt.Errorf("%s: %w: %w", h.name, apperrors.ErrConnector, err)
	}
	return counts, nil
}

func (h *HTTP) fetch(ctx context.Context, src registry.Source) (runs.Counts, error) {
	body, err := json.Marshal(src)
	if err != nil {
		return runs.Counts{}, fmt.Errorf("encoding source: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(body))
	if err != nil {
		return runs.Counts{}, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return runs.Counts{}, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return runs.Counts{}, fmt.Errorf("reading response: %w", err)
	}
	var out fetchResponse
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			return runs.Counts{}, fmt.Errorf("decoding response (status %d): %w", resp.StatusCode, err)
		}
	}
	if resp.StatusCode >= 300 {
		if out.Error != "" {
			return runs.Counts{}, fmt.Errorf("adapter returned %d: %s", resp.StatusCode, out.Error)
		}
		return runs.Counts{}, fmt.Errorf("adapter returned %d", resp.StatusCode)
	}
	if out.Error != "" {
		return runs.Counts{}, fmt.Errorf("adapter error: %s", out.Error)
	}
	return out.Counts, nil
}

// FromConfig registers one HTTP connector per configured endpoint plus the
// manual connector. API, scrape and hybrid sources default to the endpoints
// of the same name when present.
func FromConfig(cfg config.ConnectorsConfig, m *metrics.Metrics) *Registry {
	reg := NewRegistry()
	reg.Register("manual", Manual{})
	reg.SetDefault(registry.AccessManual, "manual")

	for name, endpoint := range cfg.Endpoints {
		reg.Register(name, NewHTTP(name, endpoint, cfg, m))
	}
	defaults := map[registry.AccessMethod]string{
		registry.AccessAPI:    "api",
		registry.AccessScrape: "scrape",
		registry.AccessHybrid: "hybrid",
	}
	for method, name := range defaults {
		if _, ok := cfg.Endpoints[name]; ok {
			reg.SetDefault(method, name)
		}
	}
	if _, ok := cfg.Endpoints["hybrid"]; !ok {
		if _, ok := cfg.Endpoints["api"]; ok {
			reg.SetDefault(registry.AccessHybrid, "api")
		}
	}
	return reg
}
