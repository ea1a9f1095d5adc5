// Package audit writes the per-run trail of destructive actions to an
// append-only log stream.
//
// Every append threads the sequence token returned by the previous one. A
// failed append is never skipped: it surfaces as fleet.ErrAuditWriteFailure
// and the writer refuses further entries, since a gap in the trail cannot be
// repaired later.
package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/yairfalse/fleetreaper/internal/provider"
	"github.com/yairfalse/fleetreaper/pkg/fleet"
)

// StreamTimeLayout is the UTC timestamp suffix of stream names.
const StreamTimeLayout = "20060102T150405Z"

// StreamName returns the stream name for a run started at t.
func StreamName(prefix string, t time.Time) string {
	return prefix + "_" + t.UTC().Format(StreamTimeLayout)
}

// Recorder is what the reaper needs from an audit trail.
type Recorder interface {
	Record(ctx context.Context, msg string) error
}

// Writer appends entries to one stream.
type Writer struct {
	mu      sync.Mutex
	backend provider.LogStreams
	group   string
	stream  string
	token   string
	entries int
	failed  error
	now     func() time.Time
}

// Open creates a fresh stream for region and writes the initial entry.
func Open(ctx context.Context, backend provider.LogStreams, group, prefix, region string, now time.Time) (*Writer, error) {
	name := StreamName(prefix, now)

	token, err := backend.CreateStream(ctx, group, name)
	if err != nil {
		// Nothing was written yet, so an unreachable provider only costs this region.
		if errors.Is(err, fleet.ErrProviderUnavailable) {
			return nil, fmt.Errorf("create stream %s/%s: %w", group, name, err)
		}
		return nil, fmt.Errorf("%w: create stream %s/%s: %w", fleet.ErrAuditWriteFailure, group, name, err)
	}

	w := &Writer{
		backend: backend,
		group:   group,
		stream:  name,
		token:   token,
		now:     time.Now,
	}
	if err := w.Recordf(ctx, "audit stream %s created for region %s", name, region); err != nil {
		return nil, err
	}
	return w, nil
}

// WithClock overrides the entry timestamp source.
func (w *Writer) WithClock(now func() time.Time) *Writer {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.now = now
	return w
}

// Record appends one entry. It is safe for concurrent use; calls are
// serialised so each append carries the token of the one before it.
func (w *Writer) Record(ctx context.Context, msg string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.failed != nil {
		return w.failed
	}

	entry := provider.LogEntry{Timestamp: w.now().UTC(), Message: msg}
	next, err := w.backend.Append(ctx, w.group, w.stream, []provider.LogEntry{entry}, w.token)
	if err != nil {
		w.failed = fmt.Errorf("%w: append to %s/%s: %w", fleet.ErrAuditWriteFailure, w.group, w.stream, err)
		return w.failed
	}

	w.token = next
	w.entries++
	log.Ctx(ctx).Debug().
		Str("stream", w.stream).
		Int("entry", w.entries).
		Msg(msg)
	return nil
}

// Recordf formats and appends one entry.
func (w *Writer) Recordf(ctx context.Context, format string, args ...any) error {
	return w.Record(ctx, fmt.Sprintf(format, args...))
}

// Stream returns the stream name.
func (w *Writer) Stream() string {
	return w.stream
}

// Token returns the token the next append will carry.
func (w *Writer) Token() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.token
}

// Entries returns how many entries were appended.
func (w *Writer) Entries() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.entries
}

// Discard is a Recorder that drops every entry. Dry runs use it.
type Discard struct{}

// Record implements Recorder.
func (Discard) Record(context.Context, string) error { return nil }
