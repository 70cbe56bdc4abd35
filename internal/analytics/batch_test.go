package analytics

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/pagepulse/api/schemas"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// captureWriter records every batch it is given.
type captureWriter struct {
	mu      sync.Mutex
	batches []schemas.Batch
	err     error
}

func (w *captureWriter) Write(_ context.Context, b schemas.Batch) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.batches = append(w.batches, b)
	return w.err
}

func (w *captureWriter) Batches() []schemas.Batch {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]schemas.Batch(nil), w.batches...)
}

func (w *captureWriter) EventTypes() []string {
	var out []string
	for _, b := range w.Batches() {
		for _, d := range b.Events {
			out = append(out, d.EventType)
		}
	}
	return out
}

func TestBatchClient_InitCallsOnReadyOnce(t *testing.T) {
	w := &captureWriter{}
	c := NewBatchClient(w, BatchConfig{DeviceID: "device-1"}, zaptest.NewLogger(t))
	defer c.Close(context.Background())

	ready := 0
	require.NoError(t, c.Init(context.Background(), "key", "user", SessionConfig{}, func() { ready++ }))
	assert.Equal(t, 1, ready)

	err := c.Init(context.Background(), "key", "user", SessionConfig{}, func() { ready++ })
	assert.Error(t, err)
	assert.Equal(t, 1, ready)
}

func TestBatchClient_InitValidation(t *testing.T) {
	c := NewBatchClient(&captureWriter{}, BatchConfig{}, nil)
	assert.ErrorIs(t, c.Init(context.Background(), " ", "", SessionConfig{}, nil), ErrMissingAPIKey)
	assert.ErrorIs(t, c.LogEvent("early", nil), ErrNotInitialized)
	require.NoError(t, c.Close(context.Background()))
	assert.ErrorIs(t, c.Init(context.Background(), "key", "", SessionConfig{}, nil), ErrClosed)
}

func TestBatchClient_EnrichesAndPreservesOrder(t *testing.T) {
	w := &captureWriter{}
	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	c := NewBatchClient(w, BatchConfig{BatchSize: 2, FlushInterval: time.Hour, DeviceID: "device-1"}, zaptest.NewLogger(t))
	c.now = func() time.Time { return fixed }

	require.NoError(t, c.Init(context.Background(), "key", "user-7", SessionConfig{
		InstanceName:    "shop",
		IncludeReferrer: true,
		IncludeUtm:      true,
		PageURL:         "https://shop.test/?utm_source=news&utm_campaign=spring&other=x",
		Referrer:        "https://search.test/q",
	}, nil))

	props := schemas.Properties{"a": 1}
	for _, name := range []string{"one", "two", "three"} {
		require.NoError(t, c.LogEvent(name, props))
	}
	props["a"] = 2
	require.NoError(t, c.Close(context.Background()))

	batches := w.Batches()
	require.Len(t, batches, 2, "a full batch is written immediately and the rest on close")
	assert.Len(t, batches[0].Events, 2)
	assert.Len(t, batches[1].Events, 1)
	assert.Equal(t, []string{"one", "two", "three"}, w.EventTypes())

	d := batches[0].Events[0]
	assert.Equal(t, "key", batches[0].APIKey)
	assert.NotEmpty(t, d.InsertID)
	assert.NotEqual(t, d.InsertID, batches[0].Events[1].InsertID)
	assert.Equal(t, "user-7", d.UserID)
	assert.Equal(t, "device-1", d.DeviceID)
	assert.Equal(t, "shop", d.InstanceName)
	assert.Equal(t, fixed.UnixMilli(), d.SessionID)
	assert.Equal(t, fixed.UnixMilli(), d.TimeMillis)
	assert.Equal(t, schemas.Properties{"a": 1}, d.Properties, "properties are copied at log time")
	assert.Equal(t, schemas.Properties{
		"referrer":         "https://search.test/q",
		"referring_domain": "search.test",
		"utm_source":       "news",
		"utm_campaign":     "spring",
	}, d.UserProperties)

	assert.ErrorIs(t, c.LogEvent("late", nil), ErrClosed)
}

func TestBatchClient_FlushInterval(t *testing.T) {
	w := &captureWriter{}
	c := NewBatchClient(w, BatchConfig{BatchSize: 100, FlushInterval: 10 * time.Millisecond}, zaptest.NewLogger(t))
	defer c.Close(context.Background())

	require.NoError(t, c.Init(context.Background(), "key", "", SessionConfig{}, nil))
	require.NoError(t, c.LogEvent("tick", nil))

	require.Eventually(t, func() bool { return len(w.Batches()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestBatchClient_WriteFailureDropsBatch(t *testing.T) {
	w := &captureWriter{err: errors.New("backend down")}
	c := NewBatchClient(w, BatchConfig{BatchSize: 1, FlushInterval: time.Hour}, zaptest.NewLogger(t))

	require.NoError(t, c.Init(context.Background(), "key", "", SessionConfig{}, nil))
	require.NoError(t, c.LogEvent("lost", nil))
	require.NoError(t, c.LogEvent("also lost", nil))
	require.NoError(t, c.Close(context.Background()))

	assert.Len(t, w.Batches(), 2, "each batch is attempted once")
}

func TestBatchClient_BufferFull(t *testing.T) {
	block := make(chan struct{})
	w := WriterFunc(func(ctx context.Context, _ schemas.Batch) error {
		<-block
		return nil
	})
	c := NewBatchClient(w, BatchConfig{BatchSize: 1, BufferSize: 1, FlushInterval: time.Hour}, zaptest.NewLogger(t))
	require.NoError(t, c.Init(context.Background(), "key", "", SessionConfig{}, nil))

	var sawFull bool
	for i := 0; i < 10; i++ {
		if errors.Is(c.LogEvent("flood", nil), ErrBufferFull) {
			sawFull = true
			break
		}
	}
	assert.True(t, sawFull)

	close(block)
	require.NoError(t, c.Close(context.Background()))
}

func TestBatchClient_CloseTimeout(t *testing.T) {
	block := make(chan struct{})
	w := WriterFunc(func(context.Context, schemas.Batch) error {
		<-block
		return nil
	})
	c := NewBatchClient(w, BatchConfig{BatchSize: 1, FlushInterval: time.Hour}, zaptest.NewLogger(t))
	require.NoError(t, c.Init(context.Background(), "key", "", SessionConfig{}, nil))
	require.NoError(t, c.LogEvent("stuck", nil))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := c.Close(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(block)
	<-c.done
}

func TestSessionUserProperties(t *testing.T) {
	assert.Nil(t, sessionUserProperties(SessionConfig{PageURL: "https://x.test/?utm_source=a"}))
	assert.Nil(t, sessionUserProperties(SessionConfig{IncludeUtm: true, PageURL: "https://x.test/"}))
	assert.Equal(t, schemas.Properties{"referrer": "not a url"},
		sessionUserProperties(SessionConfig{IncludeReferrer: true, Referrer: "not a url"}))
}
