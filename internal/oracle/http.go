package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"
)

// HTTPOptions parameterise a JSON-over-HTTP price source.
type HTTPOptions struct {
	SourceID       string
	PairID         PairID
	URL            string
	Method         string
	Body           string
	Headers        map[string]string
	RatePath       string
	TimestampPath  string
	ConfidencePath string
	Confidence     int
	Timeout        time.Duration
	UserAgent      string
	RequestsPerSec float64
	Burst          int
	Now            func() time.Time
}

// HTTPSource polls a JSON endpoint and extracts the rate with gjson paths.
type HTTPSource struct {
	opts    HTTPOptions
	logger  zerolog.Logger
	client  *http.Client
	limiter *rate.Limiter
}

// NewHTTPSource builds an HTTP price source.
func NewHTTPSource(opts HTTPOptions, logger zerolog.Logger) *HTTPSource {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if opts.Method == "" {
		opts.Method = http.MethodGet
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	limit := rate.Inf
	if opts.RequestsPerSec > 0 {
		limit = rate.Limit(opts.RequestsPerSec)
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 1
	}

	return &HTTPSource{
		opts:    opts,
		logger:  logger.With().Str("component", "http_source").Str("source", opts.SourceID).Logger(),
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(limit, burst),
	}
}

// ID implements Source.
func (h *HTTPSource) ID() string { return h.opts.SourceID }

// Poll implements Source. A poll skipped by the request quota returns ok=false without error.
func (h *HTTPSource) Poll(ctx context.Context) (RateReport, bool, error) {
	if h.opts.URL == "" {
		return RateReport{}, false, errors.New("source url not configured")
	}
	if h.opts.RatePath == "" {
		return RateReport{}, false, errors.New("rate path not configured")
	}
	if !h.limiter.Allow() {
		h.logger.Debug().Msg("poll skipped by request quota")
		return RateReport{}, false, nil
	}

	var body io.Reader
	if h.opts.Body != "" {
		body = bytes.NewReader([]byte(h.opts.Body))
	}
	req, err := http.NewRequestWithContext(ctx, h.opts.Method, h.opts.URL, body)
	if err != nil {
		return RateReport{}, false, err
	}
	req.Header.Set("Accept", "application/json")
	if h.opts.Body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if ua := strings.TrimSpace(h.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "fxsettle/1.0")
	}
	for k, v := range h.opts.Headers {
		req.Header.Set(k, v)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return RateReport{}, false, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return RateReport{}, false, err
	}
	if resp.StatusCode != http.StatusOK {
		return RateReport{}, false, parseHTTPError(h.opts.SourceID, resp.StatusCode, payload)
	}
	if !gjson.ValidBytes(payload) {
		return RateReport{}, false, fmt.Errorf("source %s returned invalid json", h.opts.SourceID)
	}

	rateRes := gjson.GetBytes(payload, h.opts.RatePath)
	if !rateRes.Exists() {
		return RateReport{}, false, fmt.Errorf("rate path %q not found", h.opts.RatePath)
	}
	value, err := decimal.NewFromString(rateRes.String())
	if err != nil {
		return RateReport{}, false, fmt.Errorf("parse rate: %w", err)
	}

	observed := h.opts.Now().UTC()
	if h.opts.TimestampPath != "" {
		if ts := gjson.GetBytes(payload, h.opts.TimestampPath); ts.Exists() {
			parsed, err := parseTimestamp(ts)
			if err != nil {
				return RateReport{}, false, err
			}
			observed = parsed
		}
	}

	confidence := h.opts.Confidence
	if h.opts.ConfidencePath != "" {
		if c := gjson.GetBytes(payload, h.opts.ConfidencePath); c.Exists() {
			confidence = int(c.Int())
		}
	}

	return RateReport{
		SourceID:   h.opts.SourceID,
		PairID:     h.opts.PairID,
		Rate:       value,
		ObservedAt: observed,
		Confidence: confidence,
	}, true, nil
}

func parseTimestamp(res gjson.Result) (time.Time, error) {
	if res.Type == gjson.Number {
		v := res.Int()
		if v > 1_000_000_000_000 {
			return time.UnixMilli(v).UTC(), nil
		}
		return time.Unix(v, 0).UTC(), nil
	}
	parsed, err := time.Parse(time.RFC3339, res.String())
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp: %w", err)
	}
	return parsed.UTC(), nil
}

type errorResponse struct {
	Error       string `json:"error"`
	Description string `json:"description"`
	Message     string `json:"message"`
}

func parseHTTPError(source string, status int, payload []byte) error {
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		if apiErr.Description != "" {
			return fmt.Errorf("source %s error (%d): %s", source, status, apiErr.Description)
		}
		if apiErr.Message != "" {
			return fmt.Errorf("source %s error (%d): %s", source, status, apiErr.Message)
		}
		if apiErr.Error != "" {
			return fmt.Errorf("source %s error (%d): %s", source, status, apiErr.Error)
		}
	}
	if len(payload) > 0 {
		return fmt.Errorf("source %s error (%d): %s", source, status, strings.TrimSpace(string(payload)))
	}
	return fmt.Errorf("source %s error (%d)", source, status)
}

var _ Source = (*HTTPSource)(nil)
