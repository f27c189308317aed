package mexc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/lduynkerke/FundingRateLogger/config"
	"github.com/lduynkerke/FundingRateLogger/logger"
	"github.com/lduynkerke/FundingRateLogger/models"
)

const userAgent = "FundingRateLogger/1.0"

// Client talks to the MEXC contract (futures) REST API. It is safe for
// concurrent use; all requests share one pooled transport and one rate
// limiter.
type Client struct {
	config  *config.Config
	client  *http.Client
	baseURL string
	limiter *rate.Limiter
	log     *logger.Log
}

type userAgentTransport struct {
	agent string
	base  http.RoundTripper
}

func (t userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("User-Agent", t.agent)
	return t.base.RoundTrip(req)
}

// NewClient creates a MEXC contract API client using a custom HTTP client
// sized from the connection pool configuration.
func NewClient(cfg *config.Config) *Client {
	log := logger.GetLogger()

	srcCfg := cfg.Source.Mexc

	transport := &http.Transport{
		MaxIdleConns:        srcCfg.ConnectionPool.MaxIdleConns,
		MaxIdleConnsPerHost: srcCfg.ConnectionPool.MaxIdleConns,
		MaxConnsPerHost:     srcCfg.ConnectionPool.MaxConnsPerHost,
		IdleConnTimeout:     srcCfg.ConnectionPool.IdleConnTimeout,
		DisableCompression:  false,
	}

	httpClient := &http.Client{
		Transport: userAgentTransport{agent: userAgent, base: transport},
		Timeout:   srcCfg.Timeout,
	}

	rps := srcCfg.RateLimit.RequestsPerSecond
	if rps <= 0 {
		rps = 10
	}
	burst := srcCfg.RateLimit.BurstSize
	if burst <= 0 {
		burst = rps
	}

	client := &Client{
		config:  cfg,
		client:  httpClient,
		baseURL: strings.TrimSuffix(srcCfg.BaseURL, "/"),
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		log:     log,
	}

	log.WithComponent("mexc_reader").WithFields(logger.Fields{
		"base_url":           client.baseURL,
		"max_idle_conns":     srcCfg.ConnectionPool.MaxIdleConns,
		"max_conns_per_host": srcCfg.ConnectionPool.MaxConnsPerHost,
		"timeout":            srcCfg.Timeout,
		"requests_per_sec":   rps,
	}).Info("mexc client initialized")

	return client
}

// envelope is the standard MEXC contract API response wrapper.
type envelope struct {
	Success bool            `json:"success"`
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// errRateBudget marks a request that could not get a rate limiter slot
// inside its context budget. Unlike a transport failure it means the caller's
// deadline cannot cover the limiter queue, so fan-outs must abort rather than
// skip the symbol.
var errRateBudget = errors.New("rate limit budget exhausted")

// get performs a rate-limited GET against the contract API and unwraps the
// response envelope. Transport level failures map to ErrSourceUnavailable so
// callers can classify them as transient.
func (c *Client) get(ctx context.Context, path string, params url.Values) (json.RawMessage, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", errRateBudget, err)
	}

	reqURL := c.baseURL + path
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrSourceUnavailable, err)
	}
	defer resp.Body.Close()

	logger.LogPerformanceEntry(c.log.WithComponent("mexc_reader"), "mexc_reader", "api_request", time.Since(start), logger.Fields{
		"path": path,
	})

	if resp.StatusCode == http.StatusNotFound {
		return nil, models.ErrSymbolNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: status %d: %s", models.ErrSourceUnavailable, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	if !env.Success {
		if isSymbolNotFound(env) {
			return nil, fmt.Errorf("%w: code=%d message=%s", models.ErrSymbolNotFound, env.Code, env.Message)
		}
		return nil, fmt.Errorf("api error: code=%d message=%s", env.Code, env.Message)
	}

	return env.Data, nil
}

// isSymbolNotFound classifies envelope failures that mean the contract does
// not exist, which is permanent for the symbol within a round.
func isSymbolNotFound(env envelope) bool {
	if env.Code == 404 {
		return true
	}
	msg := strings.ToLower(env.Message)
	return strings.Contains(msg, "not exist") || strings.Contains(msg, "not found")
}
