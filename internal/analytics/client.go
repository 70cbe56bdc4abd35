// Package analytics delivers tracked events to an analytics backend.
//
// Client is the session-oriented surface the tracker drives. BatchClient
// implements it by enriching events into deliveries and handing batches to one
// or more Writers.
package analytics

import (
	"context"
	"errors"

	"github.com/xkilldash9x/pagepulse/api/schemas"
)

var (
	// ErrNotInitialized is returned by LogEvent before Init succeeded.
	ErrNotInitialized = errors.New("analytics session is not initialized")
	// ErrClosed is returned once the client has been closed.
	ErrClosed = errors.New("analytics client is closed")
	// ErrMissingAPIKey is returned by Init for an empty key.
	ErrMissingAPIKey = errors.New("analytics api key is empty")
)

// SessionConfig carries the per-session settings passed to Init.
type SessionConfig struct {
	InstanceName string
	// IncludeReferrer attaches referrer and referring_domain user properties.
	IncludeReferrer bool
	// IncludeUtm attaches the utm_* query parameters of PageURL as user properties.
	IncludeUtm bool
	PageURL    string
	Referrer   string
}

// Client is a remote analytics session.
type Client interface {
	// Init starts a session. onReady is called exactly once, when the session
	// accepts events, and possibly before Init returns.
	Init(ctx context.Context, apiKey, userID string, cfg SessionConfig, onReady func()) error
	// LogEvent submits one event. It does not wait for delivery.
	LogEvent(name string, props schemas.Properties) error
}

// Writer persists or transmits a batch of deliveries.
type Writer interface {
	Write(ctx context.Context, batch schemas.Batch) error
}

// WriterFunc adapts a function to Writer.
type WriterFunc func(ctx context.Context, batch schemas.Batch) error

// Write calls f.
func (f WriterFunc) Write(ctx context.Context, batch schemas.Batch) error {
	return f(ctx, batch)
}
