package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/pagepulse/api/schemas"
)

func TestSQLite_WriteAndRead(t *testing.T) {
	ctx := context.Background()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "events.db"), zaptest.NewLogger(t))
	require.NoError(t, err)
	defer s.Close()

	b := testBatch()
	require.NoError(t, s.Write(ctx, b))
	require.NoError(t, s.Write(ctx, b), "duplicate insert ids are ignored")

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	events, err := s.RecentEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)

	assert.Equal(t, "id-2", events[0].InsertID, "newest first")
	assert.Equal(t, schemas.Properties{"scrollPercent": float64(50)}, events[0].Properties)
	assert.Equal(t, schemas.Properties{"utm_source": "news"}, events[0].UserProperties)
	assert.Equal(t, b.Events[1].TimeMillis, events[0].TimeMillis)

	assert.Equal(t, "id-1", events[1].InsertID)
	assert.Equal(t, "Click on element", events[1].EventType)
	assert.Equal(t, int64(7), events[1].SessionID)
	assert.Equal(t, schemas.Properties{"productId": "sku-1"}, events[1].Properties)
	assert.Nil(t, events[1].UserProperties)

	limited, err := s.RecentEvents(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestSQLite_InMemory(t *testing.T) {
	ctx := context.Background()
	s, err := OpenSQLite(MemoryPath, nil)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Write(ctx, schemas.Batch{}))
	require.NoError(t, s.Write(ctx, schemas.Batch{Events: []schemas.Delivery{{
		InsertID: "m-1", EventType: "Viewed element", DeviceID: "d", TimeMillis: 1,
	}}}))

	events, err := s.RecentEvents(ctx, 5)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "Viewed element", events[0].EventType)
	assert.Nil(t, events[0].Properties)
}
