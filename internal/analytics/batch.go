package analytics

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/pagepulse/api/schemas"
)

// ErrBufferFull is returned by LogEvent when the delivery buffer has no room.
var ErrBufferFull = errors.New("analytics delivery buffer is full")

// BatchConfig tunes a BatchClient.
type BatchConfig struct {
	// BatchSize is the number of events that triggers an immediate write.
	BatchSize int
	// FlushInterval bounds how long an event waits for its batch to fill.
	FlushInterval time.Duration
	// BufferSize is the number of events LogEvent can hold before it rejects more.
	BufferSize int
	// WriteTimeout bounds a single Writer call.
	WriteTimeout time.Duration
	// DeviceID identifies this client. A random id is used when empty.
	DeviceID string
}

func (c *BatchConfig) setDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 30
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 10 * time.Second
	}
	if c.BufferSize <= 0 {
		c.BufferSize = 1000
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
}

// BatchClient is a Client that enriches events into deliveries and writes them
// in batches. A failed write is logged and the batch dropped.
type BatchClient struct {
	writer Writer
	cfg    BatchConfig
	logger *zap.Logger
	now    func() time.Time

	mu             sync.Mutex
	initialized    bool
	closed         bool
	apiKey         string
	userID         string
	deviceID       string
	sessionID      int64
	instanceName   string
	userProperties schemas.Properties

	events chan schemas.Delivery
	done   chan struct{}
}

// NewBatchClient creates a client writing to w. Nothing is sent until Init.
func NewBatchClient(w Writer, cfg BatchConfig, logger *zap.Logger) *BatchClient {
	cfg.setDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	deviceID := cfg.DeviceID
	if deviceID == "" {
		deviceID = uuid.NewString()
	}
	return &BatchClient{
		writer:   w,
		cfg:      cfg,
		logger:   logger.Named("analytics"),
		now:      time.Now,
		deviceID: deviceID,
		done:     make(chan struct{}),
	}
}

// Init starts the session and the delivery loop, then calls onReady.
func (c *BatchClient) Init(ctx context.Context, apiKey, userID string, cfg SessionConfig, onReady func()) error {
	if strings.TrimSpace(apiKey) == "" {
		return ErrMissingAPIKey
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.initialized {
		c.mu.Unlock()
		return errors.New("analytics session already initialized")
	}
	c.initialized = true
	c.apiKey = apiKey
	c.userID = userID
	c.instanceName = cfg.InstanceName
	c.sessionID = c.now().UnixMilli()
	c.userProperties = sessionUserProperties(cfg)
	c.events = make(chan schemas.Delivery, c.cfg.BufferSize)
	c.mu.Unlock()

	go c.run(apiKey)

	c.logger.Info("Analytics session initialized.",
		zap.String("device_id", c.deviceID),
		zap.Int64("session_id", c.sessionID),
		zap.String("instance", cfg.InstanceName))

	if onReady != nil {
		onReady()
	}
	return nil
}

// LogEvent enriches the event and queues it for the next batch.
func (c *BatchClient) LogEvent(name string, props schemas.Properties) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if !c.initialized {
		return ErrNotInitialized
	}

	now := c.now()
	d := schemas.Delivery{
		InsertID:       uuid.NewString(),
		EventType:      name,
		UserID:         c.userID,
		DeviceID:       c.deviceID,
		SessionID:      c.sessionID,
		InstanceName:   c.instanceName,
		Time:           now,
		TimeMillis:     now.UnixMilli(),
		Properties:     copyProperties(props),
		UserProperties: c.userProperties,
	}

	select {
	case c.events <- d:
		return nil
	default:
		return ErrBufferFull
	}
}

// Close stops accepting events, writes what is buffered and waits for the
// delivery loop to finish or ctx to end.
func (c *BatchClient) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	started := c.initialized
	if started {
		close(c.events)
	}
	c.mu.Unlock()

	if !started {
		return nil
	}
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("analytics client did not drain before shutdown: %w", ctx.Err())
	}
}

func (c *BatchClient) run(apiKey string) {
	defer close(c.done)

	ticker := time.NewTicker(c.cfg.FlushInterval)
	defer ticker.Stop()

	pending := make([]schemas.Delivery, 0, c.cfg.BatchSize)
	flush := func() {
		if len(pending) == 0 {
			return
		}
		c.write(schemas.Batch{APIKey: apiKey, Events: pending})
		pending = make([]schemas.Delivery, 0, c.cfg.BatchSize)
	}

	for {
		select {
		case d, ok := <-c.events:
			if !ok {
				flush()
				return
			}
			pending = append(pending, d)
			if len(pending) >= c.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (c *BatchClient) write(batch schemas.Batch) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.WriteTimeout)
	defer cancel()

	if err := c.writer.Write(ctx, batch); err != nil {
		c.logger.Warn("Dropping event batch after write failure.",
			zap.Int("events", len(batch.Events)), zap.Error(err))
		return
	}
	c.logger.Debug("Event batch written.", zap.Int("events", len(batch.Events)))
}

func copyProperties(p schemas.Properties) schemas.Properties {
	if p == nil {
		return nil
	}
	out := make(schemas.Properties, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

var utmParams = []string{"utm_source", "utm_medium", "utm_campaign", "utm_term", "utm_content"}

// sessionUserProperties derives referrer and campaign attribution for the session.
func sessionUserProperties(cfg SessionConfig) schemas.Properties {
	props := schemas.Properties{}
	if cfg.IncludeReferrer && cfg.Referrer != "" {
		props["referrer"] = cfg.Referrer
		if u, err := url.Parse(cfg.Referrer); err == nil && u.Host != "" {
			props["referring_domain"] = u.Host
		}
	}
	if cfg.IncludeUtm && cfg.PageURL != "" {
		if u, err := url.Parse(cfg.PageURL); err == nil {
			q := u.Query()
			for _, key := range utmParams {
				if v := q.Get(key); v != "" {
					props[key] = v
				}
			}
		}
	}
	if len(props) == 0 {
		return nil
	}
	return props
}
