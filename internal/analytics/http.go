package analytics

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/pagepulse/api/schemas"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// DefaultEndpoint is the Amplitude HTTP V2 API.
const DefaultEndpoint = "https://api2.amplitude.com/2/httpapi"

// HTTPConfig configures an HTTPWriter.
type HTTPConfig struct {
	Endpoint string
	// RateLimit caps requests per second. Zero means unlimited.
	RateLimit float64
	// Compression is one of CompressionNone, CompressionGzip or CompressionBrotli.
	Compression string
	// JWTSecret, when set, signs an HS256 bearer token for every request.
	JWTSecret string
	// JWTTTL is the token lifetime. It defaults to five minutes.
	JWTTTL    time.Duration
	Timeout   time.Duration
	UserAgent string
}

// HTTPWriter posts batches as JSON to an Amplitude-compatible endpoint.
type HTTPWriter struct {
	cfg      HTTPConfig
	client   *http.Client
	limiter  *rate.Limiter
	encoding string
	logger   *zap.Logger
	now      func() time.Time
}

// NewHTTPWriter validates cfg and builds a writer. A nil client gets a default
// one bounded by cfg.Timeout.
func NewHTTPWriter(cfg HTTPConfig, client *http.Client, logger *zap.Logger) (*HTTPWriter, error) {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	encoding, err := normalizeCompression(cfg.Compression)
	if err != nil {
		return nil, err
	}
	if cfg.JWTTTL <= 0 {
		cfg.JWTTTL = 5 * time.Minute
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}

	return &HTTPWriter{
		cfg:      cfg,
		client:   client,
		limiter:  rate.NewLimiter(limit, 1),
		encoding: encoding,
		logger:   logger.Named("http_writer"),
		now:      time.Now,
	}, nil
}

// uploadResponse is the subset of the endpoint's reply worth logging.
type uploadResponse struct {
	Code           int    `json:"code"`
	Error          string `json:"error"`
	EventsIngested int    `json:"events_ingested"`
}

// Write sends batch in a single request.
func (w *HTTPWriter) Write(ctx context.Context, batch schemas.Batch) error {
	if len(batch.Events) == 0 {
		return nil
	}
	if err := w.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter wait failed: %w", err)
	}

	payload, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("failed to encode batch: %w", err)
	}
	body, contentEncoding, err := compress(w.encoding, payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "*/*")
	if contentEncoding != "" {
		req.Header.Set("Content-Encoding", contentEncoding)
	}
	if w.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", w.cfg.UserAgent)
	}
	if w.cfg.JWTSecret != "" {
		token, err := w.signToken(batch.APIKey)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to post batch: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("endpoint returned %d: %s", resp.StatusCode, bytes.TrimSpace(respBody))
	}

	var ur uploadResponse
	if err := json.Unmarshal(respBody, &ur); err == nil {
		w.logger.Debug("Batch accepted.",
			zap.Int("events", len(batch.Events)),
			zap.Int("ingested", ur.EventsIngested))
	}
	return nil
}

// signToken issues a short-lived HS256 token naming the API key as subject.
func (w *HTTPWriter) signToken(apiKey string) (string, error) {
	now := w.now()
	claims := jwt.RegisteredClaims{
		Issuer:    "pagepulse",
		Subject:   apiKey,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(w.cfg.JWTTTL)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(w.cfg.JWTSecret))
	if err != nil {
		return "", fmt.Errorf("failed to sign bearer token: %w", err)
	}
	return signed, nil
}
