// Package chi2http posts chi2 requests to the backend CGI endpoint over
// HTTP.
package chi2http

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	"chinotype/domain/chi2"
	"chinotype/internal/errors"
)

// Config configures the client
type Config struct {
	URL string
	// Timeout bounds one request; 0 waits forever.
	Timeout time.Duration
	// RPS limits outgoing requests per second; 0 disables the limiter.
	RPS float64
	// Transport allows injecting a custom round tripper in tests.
	Transport http.RoundTripper
}

// Client implements ports.Backend
type Client struct {
	url        string
	httpClient *http.Client
	limiter    *rate.Limiter
	log        *zerolog.Logger
}

// New creates a client posting to cfg.URL
func New(cfg Config, log *zerolog.Logger) *Client {
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RPS), 1)
	}
	return &Client{
		url: cfg.URL,
		httpClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: cfg.Transport,
		},
		limiter: limiter,
		log:     log,
	}
}

// Post sends params in the background; the reply arrives exactly once
func (c *Client) Post(ctx context.Context, params chi2.Params) <-chan chi2.Reply {
	ch := make(chan chi2.Reply, 1)
	go func() {
		ch <- c.Do(ctx, params)
	}()
	return ch
}

// Do sends params and waits for the reply
func (c *Client) Do(ctx context.Context, params chi2.Params) chi2.Reply {
	if err := c.limiter.Wait(ctx); err != nil {
		return chi2.Reply{Err: errors.ExternalServiceError("chi2", err), Raw: err.Error()}
	}

	form := params.Form()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, strings.NewReader(form.Encode()))
	if err != nil {
		return chi2.Reply{Err: errors.Wrap(err, "failed to build chi2 request"), Raw: err.Error()}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.log.Error().Err(err).Str("url", c.url).Msg("chi2 request failed")
		return chi2.Reply{Err: errors.ExternalServiceError("chi2", err), Raw: err.Error()}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return chi2.Reply{Err: errors.ExternalServiceError("chi2", err), Raw: err.Error()}
	}
	raw := string(body)

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("chi2 backend returned status %d", resp.StatusCode)
		c.log.Warn().Int("status", resp.StatusCode).Dur("elapsed", time.Since(start)).Msg("chi2 request rejected")
		return chi2.Reply{Err: errors.ExternalServiceError("chi2", err), Raw: raw}
	}

	if !gjson.ValidBytes(body) || !gjson.GetBytes(body, "rows").IsArray() {
		err := fmt.Errorf("chi2 backend returned a malformed result")
		return chi2.Reply{Err: errors.ExternalServiceError("chi2", err), Raw: raw}
	}

	result, err := chi2.Decode(body)
	if err != nil {
		return chi2.Reply{Err: errors.ExternalServiceError("chi2", err), Raw: raw}
	}

	c.log.Info().
		Str("status", gjson.GetBytes(body, "status").String()).
		Int64("rows", gjson.GetBytes(body, "rows.#").Int()).
		Dur("elapsed", time.Since(start)).
		Msg("chi2 reply")
	return chi2.Reply{Result: result, Raw: raw}
}
