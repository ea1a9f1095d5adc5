package fake

import (
	"context"
	"fmt"
	"sync"

	"github.com/yairfalse/fleetreaper/internal/provider"
	"github.com/yairfalse/fleetreaper/pkg/fleet"
)

// LogBackend is an in-memory provider.LogStreams that enforces strict token
// chaining: every append must carry exactly the token returned by the
// previous call on that stream.
type LogBackend struct {
	mu       sync.Mutex
	streams  map[string][]provider.LogEntry
	expected map[string]string
	used     map[string][]string
	issued   int

	createErr       error
	appendErr       error
	appendFailAfter int
}

var _ provider.LogStreams = (*LogBackend)(nil)

// NewLogBackend creates an empty backend.
func NewLogBackend() *LogBackend {
	return &LogBackend{
		streams:  make(map[string][]provider.LogEntry),
		expected: make(map[string]string),
		used:     make(map[string][]string),
	}
}

func streamKey(group, name string) string {
	return group + "/" + name
}

// FailAppendAfter makes appends to any stream fail with err once n appends
// entries have been stored across the backend. Use n = 0 to fail the first append.
func (b *LogBackend) FailAppendAfter(n int, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.appendErr = err
	b.appendFailAfter = n
}

// FailCreate makes CreateStream return err.
func (b *LogBackend) FailCreate(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.createErr = err
}

// CreateStream implements provider.LogStreams.
func (b *LogBackend) CreateStream(_ context.Context, group, name string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.createErr != nil {
		return "", b.createErr
	}

	key := streamKey(group, name)
	if _, exists := b.streams[key]; exists {
		return "", fmt.Errorf("create stream %s: already exists", key)
	}
	b.streams[key] = nil
	token := b.nextToken()
	b.expected[key] = token
	return token, nil
}

// Append implements provider.LogStreams.
func (b *LogBackend) Append(_ context.Context, group, name string, entries []provider.LogEntry, token string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := streamKey(group, name)
	expected, exists := b.expected[key]
	if !exists {
		return "", fmt.Errorf("append %s: %w", key, fleet.ErrNotFound)
	}
	if b.appendErr != nil && b.appended() >= b.appendFailAfter {
		return "", b.appendErr
	}
	b.used[key] = append(b.used[key], token)
	if token != expected {
		return "", fmt.Errorf("append %s: got %q want %q: %w", key, token, expected, fleet.ErrSequenceTokenRejected)
	}

	b.streams[key] = append(b.streams[key], entries...)
	next := b.nextToken()
	b.expected[key] = next
	return next, nil
}

func (b *LogBackend) nextToken() string {
	b.issued++
	return fmt.Sprintf("token-%04d", b.issued)
}

func (b *LogBackend) appended() int {
	n := 0
	for _, entries := range b.streams {
		n += len(entries)
	}
	return n
}

// Streams returns the names of all created streams as group/name keys.
func (b *LogBackend) Streams() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	keys := make([]string, 0, len(b.streams))
	for k := range b.streams {
		keys = append(keys, k)
	}
	return keys
}

// Messages returns the messages appended to a stream, in order.
func (b *LogBackend) Messages(group, name string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	entries := b.streams[streamKey(group, name)]
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Message)
	}
	return out
}

// TokensUsed returns the tokens presented to Append on a stream, in order.
func (b *LogBackend) TokensUsed(group, name string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.used[streamKey(group, name)]...)
}
