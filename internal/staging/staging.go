// Package staging implements the debounced flush buffer of spec.md
// §4.4: pending per-chunk payloads collapse within the debounce
// window, and ForceSync persists every dirty entry.
package staging

import (
	"encoding/json"
	"sync"
	"time"

	safeerrors "github.com/davidahmann/safechunk/core/errors"
)

// PersistFunc writes one chunk's payload to disk. It is called with
// the staging buffer's single serialization mutex held, matching
// spec.md §5's "all I/O operations hold it for the duration".
type PersistFunc func(name string, payload map[string]any) error

// Sinks mirrors the engine's observability hooks relevant to staging.
type Sinks struct {
	OnStatus func(string)
	OnSync   func()
	OnFault  func(error)
}

// A nil sink is a no-op and a panicking one is caught and swallowed,
// per spec.md §4.8 — a misbehaving callback must never crash the
// debounce timer's goroutine.

func (s Sinks) status(msg string) {
	if s.OnStatus == nil {
		return
	}
	defer func() { _ = recover() }()
	s.OnStatus(msg)
}

func (s Sinks) sync() {
	if s.OnSync == nil {
		return
	}
	defer func() { _ = recover() }()
	s.OnSync()
}

func (s Sinks) fault(err error) {
	if s.OnFault == nil || err == nil {
		return
	}
	defer func() { _ = recover() }()
	s.OnFault(err)
}

// Buffer holds pending per-chunk payloads and drives the debounced
// flush described in spec.md §4.4.
type Buffer struct {
	mu       sync.Mutex
	entries  map[string]map[string]any
	delay    time.Duration
	persist  PersistFunc
	sinks    Sinks
	timer    *time.Timer
	flushing bool
}

// New returns an idle Buffer. delay is the debounce window; persist
// is invoked once per dirty chunk name during ForceSync.
func New(delay time.Duration, persist PersistFunc, sinks Sinks) *Buffer {
	return &Buffer{
		entries: make(map[string]map[string]any),
		delay:   delay,
		persist: persist,
		sinks:   sinks,
	}
}

// StageUpdate deep-copies payload, overwrites the pending entry for
// name, and (re)starts the debounce timer. Multiple stages for the
// same name within the debounce window collapse to the last payload.
func (b *Buffer) StageUpdate(name string, payload map[string]any) error {
	copied, err := deepCopyJSON(payload)
	if err != nil {
		return safeerrors.Wrap(err, safeerrors.CategorySerializationFault, "stage_copy_failed", "payload must be JSON-serializable", false)
	}

	b.mu.Lock()
	b.entries[name] = copied
	b.sinks.status("changes staged for '" + name + "'")
	if b.timer != nil {
		b.timer.Stop()
	}
	if b.delay <= 0 {
		b.timer = nil
		b.mu.Unlock()
		return b.ForceSync()
	}
	b.timer = time.AfterFunc(b.delay, func() { _ = b.ForceSync() })
	b.mu.Unlock()
	return nil
}

// ForceSync cancels any pending deadline and immediately persists
// every staged entry. A failed persist leaves that chunk's staged
// entry in place; entries that wrote successfully are cleared. on_sync
// fires at most once, only if at least one chunk actually wrote.
func (b *Buffer) ForceSync() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	if len(b.entries) == 0 {
		return nil
	}

	b.flushing = true
	defer func() { b.flushing = false }()

	wroteAny := false
	var firstErr error
	for name, payload := range b.entries {
		if err := b.persist(name, payload); err != nil {
			b.sinks.fault(err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		delete(b.entries, name)
		wroteAny = true
	}

	if wroteAny {
		b.sinks.status("sync complete")
		b.sinks.sync()
	}
	return firstErr
}

// Cancel stops any pending debounce timer without flushing. The
// engine calls it at teardown, before its final ForceSync.
func (b *Buffer) Cancel() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
}

// IsDirty reports whether any chunk has unpersisted staged data.
func (b *Buffer) IsDirty() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries) > 0
}

func deepCopyJSON(payload map[string]any) (map[string]any, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	var copied map[string]any
	if err := json.Unmarshal(raw, &copied); err != nil {
		return nil, err
	}
	if copied == nil {
		copied = map[string]any{}
	}
	return copied, nil
}
