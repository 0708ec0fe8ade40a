// Package health runs the service's readiness checks: configuration sanity
// and upstream reachability.
package health

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"ensemble-gateway/internal/config"
)

// Status is the roll-up level of one check or of the whole report.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Check is the outcome of a single probe.
type Check struct {
	Name       string `json:"name"`
	Status     Status `json:"status"`
	Message    string `json:"message"`
	DurationMs int64  `json:"durationMs"`
}

// Report aggregates all checks with an overall status.
type Report struct {
	Status Status  `json:"status"`
	Checks []Check `json:"checks"`
}

const upstreamProbeTimeout = 5 * time.Second

// Checker probes configuration and the upstream endpoint.
type Checker struct {
	cfg        config.Config
	httpClient *http.Client
}

func NewChecker(cfg config.Config, httpClient *http.Client) *Checker {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: upstreamProbeTimeout}
	}
	return &Checker{cfg: cfg, httpClient: httpClient}
}

// Run executes every check. A failed upstream probe degrades the report;
// broken configuration makes it unhealthy.
func (c *Checker) Run(ctx context.Context) Report {
	checks := []Check{
		c.checkConfiguration(),
		c.checkUpstream(ctx),
	}

	status := StatusHealthy
	for _, check := range checks {
		switch check.Status {
		case StatusUnhealthy:
			status = StatusUnhealthy
		case StatusDegraded:
			if status == StatusHealthy {
				status = StatusDegraded
			}
		}
	}
	return Report{Status: status, Checks: checks}
}

func (c *Checker) checkConfiguration() Check {
	started := time.Now()
	check := Check{Name: "configuration", Status: StatusHealthy, Message: "ok"}

	switch {
	case strings.TrimSpace(c.cfg.Upstream.APIKey) == "":
		check.Status = StatusUnhealthy
		check.Message = "upstream api key is not configured"
	case len(c.cfg.Ensemble.Models) == 0:
		check.Status = StatusUnhealthy
		check.Message = "no default models configured"
	}

	check.DurationMs = time.Since(started).Milliseconds()
	return check
}

func (c *Checker) checkUpstream(ctx context.Context) Check {
	started := time.Now()
	check := Check{Name: "upstream", Status: StatusHealthy, Message: "reachable"}

	ctx, cancel := context.WithTimeout(ctx, upstreamProbeTimeout)
	defer cancel()

	url := strings.TrimRight(c.cfg.Upstream.BaseURL, "/") + "/models"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		check.Status = StatusDegraded
		check.Message = fmt.Sprintf("construct probe request: %v", err)
		check.DurationMs = time.Since(started).Milliseconds()
		return check
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		check.Status = StatusDegraded
		check.Message = fmt.Sprintf("upstream unreachable: %v", err)
		check.DurationMs = time.Since(started).Milliseconds()
		return check
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		check.Status = StatusDegraded
		check.Message = fmt.Sprintf("upstream returned status %d", resp.StatusCode)
	}

	check.DurationMs = time.Since(started).Milliseconds()
	return check
}
