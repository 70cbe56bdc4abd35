package analytics

import (
	"bufio"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/pagepulse/api/schemas"
)

func TestFileWriter_AppendsNDJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.ndjson")
	w, err := NewFileWriter(FileConfig{Path: path})
	require.NoError(t, err)

	require.NoError(t, w.Write(context.Background(), sampleBatch()))
	second := sampleBatch()
	second.Events[0].InsertID = "id-2"
	require.NoError(t, w.Write(context.Background(), second))
	require.NoError(t, w.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var ids []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var d schemas.Delivery
		require.NoError(t, json.Unmarshal(sc.Bytes(), &d))
		ids = append(ids, d.InsertID)
		assert.Equal(t, int64(1700000000000), d.TimeMillis)
	}
	require.NoError(t, sc.Err())
	assert.Equal(t, []string{"id-1", "id-2"}, ids)
}

func TestNewFileWriter_RequiresPath(t *testing.T) {
	_, err := NewFileWriter(FileConfig{})
	assert.Error(t, err)
}

func TestLogWriter(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	w := NewLogWriter(zap.New(core))

	require.NoError(t, w.Write(context.Background(), sampleBatch()))

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "Event", entries[0].Message)
	assert.Equal(t, "Click on element", entries[0].ContextMap()["event_type"])
}

func TestFanout_WritesEverywhereAndReportsFailure(t *testing.T) {
	var calls atomic.Int32
	ok := WriterFunc(func(context.Context, schemas.Batch) error {
		calls.Add(1)
		return nil
	})
	boom := errors.New("disk full")
	failing := WriterFunc(func(context.Context, schemas.Batch) error {
		calls.Add(1)
		return boom
	})

	err := Fanout{ok, failing, ok}.Write(context.Background(), sampleBatch())
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, int32(3), calls.Load())

	assert.NoError(t, Fanout{}.Write(context.Background(), sampleBatch()))
}
