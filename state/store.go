// Package state implements the application's in-process source of truth: a
// single state tree with subscribe/emit semantics, middleware interception,
// bounded change history, and selective persistence of surviving subtrees to
// durable local storage. Every other component reads state from here and
// writes it back only through the store's API.
package state

import (
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"strings"
	"sync"
	"time"

	"speedcode/localkv"

	"github.com/oklog/ulid/v2"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// HistoryCapacity bounds the change log; the oldest entry is evicted first.
const HistoryCapacity = 50

// EventStateChange is the generic event emitted after every non-silent write,
// after the path-scoped listeners have run.
const EventStateChange = "stateChange"

// Event describes one state mutation as delivered to subscribers.
type Event struct {
	Path     string
	NewValue any
	OldValue any
}

// Callback receives state change events. A callback that panics is caught
// and logged; it never breaks other listeners or the write that fired it.
type Callback func(Event)

// Middleware sees every write before it lands and may transform the value.
// An error or panic from a middleware is logged and its transformation
// skipped; the write itself always proceeds.
type Middleware func(path string, newValue, oldValue any, tree Tree) (any, error)

// HistoryEntry is one record in the bounded change log.
type HistoryEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Path      string    `json:"path"`
	OldValue  any       `json:"oldValue"`
	NewValue  any       `json:"newValue"`
}

type subscription struct {
	id       string
	callback Callback
}

// Store is the application state store. The source of truth is the JSON form
// of the typed Tree; dotted-path addressing is served by gjson/sjson over it.
//
// Emissions for a single write are delivered synchronously, in registration
// order, before the write call returns: first the exact-path event, then one
// event per ancestor path (so a watch on "ui" observes "ui.panelOpen"), then
// the generic stateChange event.
type Store struct {
	mu  sync.Mutex
	raw []byte // JSON of the whole tree

	middlewares []Middleware
	history     []HistoryEntry

	subMu       sync.Mutex
	subscribers map[string][]subscription

	local *localkv.Store // nil disables persistence

	entropy   *ulid.MonotonicEntropy
	entropyMu sync.Mutex
}

// Persisted subtree -> local storage key. Everything else is rebuilt each
// session from the remote store.
var persistedSubtrees = map[string]string{
	"ui":    localkv.KeyUIState,
	"room":  localkv.KeyRoomState,
	"timer": localkv.KeyActiveTimer,
}

// NewStore constructs the store with the full default tree, rehydrates the
// persisted subtrees from local storage (silently, before any other component
// reads), and wires the watches that persist them back on every change.
// local may be nil, e.g. in tests that do not exercise persistence.
func NewStore(local *localkv.Store) *Store {
	raw, err := json.Marshal(DefaultTree())
	if err != nil {
		// DefaultTree is a plain struct; this cannot fail at runtime.
		log.Printf("CRITICAL: Failed to marshal default state tree: %v", err)
		raw = []byte(`{}`)
	}

	s := &Store{
		raw:         raw,
		subscribers: make(map[string][]subscription),
		local:       local,
		entropy:     ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
	}

	if local != nil {
		s.rehydrate()
		s.attachPersistence()
	}
	return s
}

// rehydrate merges the persisted subtrees into the default tree without
// firing any events.
func (s *Store) rehydrate() {
	for path, key := range persistedSubtrees {
		var stored map[string]any
		found, err := s.local.Get(key, &stored)
		if err != nil {
			log.Printf("WARN: Failed to rehydrate state subtree '%s' from '%s': %v", path, key, err)
			continue
		}
		if !found || stored == nil {
			continue
		}
		if err := s.update(path, stored, true); err != nil {
			log.Printf("WARN: Failed to merge rehydrated subtree '%s': %v", path, err)
		}
	}
}

// attachPersistence watches each persisted subtree and writes it back to
// local storage on every change.
func (s *Store) attachPersistence() {
	for path, key := range persistedSubtrees {
		path, key := path, key
		s.Watch(path, func(ev Event) {
			if err := s.local.Set(map[string]any{key: ev.NewValue}); err != nil {
				log.Printf("ERROR: Failed to persist state subtree '%s' to '%s': %v", path, key, err)
			}
		})
	}
}

// Get returns the value at the dotted path, the whole tree (as decoded JSON)
// for the empty path, and nil when any path segment is absent.
func (s *Store) Get(path string) any {
	s.mu.Lock()
	raw := s.raw
	s.mu.Unlock()

	if path == "" {
		var whole any
		if err := json.Unmarshal(raw, &whole); err != nil {
			log.Printf("ERROR: Failed to decode state tree: %v", err)
			return nil
		}
		return whole
	}
	result := gjson.GetBytes(raw, path)
	if !result.Exists() {
		return nil
	}
	return result.Value()
}

// Set writes value at the dotted path, creating intermediate nodes as needed,
// and emits change events.
func (s *Store) Set(path string, value any) error {
	return s.set(path, value, false)
}

// SetSilent writes value at the dotted path without emitting events. The
// middleware chain and the history log still apply.
func (s *Store) SetSilent(path string, value any) error {
	return s.set(path, value, true)
}

func (s *Store) set(path string, value any, silent bool) error {
	if path == "" {
		return fmt.Errorf("state path must not be empty")
	}

	s.mu.Lock()
	oldValue := gjson.GetBytes(s.raw, path).Value()

	// Ancestor events carry the ancestor's own before/after subtrees, so the
	// old values must be captured from the pre-write tree.
	var ancestors []string
	var ancestorOld []any
	if !silent {
		ancestors = ancestorPaths(path)
		for _, ancestor := range ancestors {
			ancestorOld = append(ancestorOld, gjson.GetBytes(s.raw, ancestor).Value())
		}
	}

	var treeView Tree
	if err := json.Unmarshal(s.raw, &treeView); err != nil {
		log.Printf("ERROR: Failed to decode state tree for middleware: %v", err)
	}
	value = s.applyMiddlewares(path, value, oldValue, treeView)

	next, err := sjson.SetBytes(s.raw, path, value)
	if err != nil {
		s.mu.Unlock()
		log.Printf("ERROR: Failed to set state path '%s': %v", path, err)
		return err
	}
	s.raw = next

	newValue := gjson.GetBytes(s.raw, path).Value()
	s.history = append(s.history, HistoryEntry{
		Timestamp: time.Now(),
		Path:      path,
		OldValue:  oldValue,
		NewValue:  newValue,
	})
	if len(s.history) > HistoryCapacity {
		s.history = s.history[len(s.history)-HistoryCapacity:]
	}
	s.mu.Unlock()

	if !silent {
		ev := Event{Path: path, NewValue: newValue, OldValue: oldValue}
		s.emit("change:"+path, ev)
		for i, ancestor := range ancestors {
			s.emit("change:"+ancestor, Event{Path: path, NewValue: s.Get(ancestor), OldValue: ancestorOld[i]})
		}
		s.emit(EventStateChange, ev)
	}
	return nil
}

// Update shallow-merges partial onto the current value at path, then behaves
// like Set.
func (s *Store) Update(path string, partial map[string]any) error {
	return s.update(path, partial, false)
}

func (s *Store) update(path string, partial map[string]any, silent bool) error {
	current, _ := s.Get(path).(map[string]any)
	merged := make(map[string]any, len(current)+len(partial))
	for k, v := range current {
		merged[k] = v
	}
	for k, v := range partial {
		merged[k] = v
	}
	return s.set(path, merged, silent)
}

// applyMiddlewares runs the value through each registered middleware in
// order. Caller holds s.mu.
func (s *Store) applyMiddlewares(path string, value, oldValue any, tree Tree) any {
	for i, mw := range s.middlewares {
		transformed, err := func() (out any, err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("middleware panicked: %v", r)
				}
			}()
			return mw(path, value, oldValue, tree)
		}()
		if err != nil {
			log.Printf("ERROR: State middleware %d failed for path '%s': %v", i, path, err)
			continue
		}
		value = transformed
	}
	return value
}

// Use registers a middleware. Middlewares run in registration order on every
// subsequent write.
func (s *Store) Use(mw Middleware) {
	s.mu.Lock()
	s.middlewares = append(s.middlewares, mw)
	s.mu.Unlock()
}

// Subscribe registers a callback for the named event and returns an
// unsubscribe function that removes exactly that callback instance. Calling
// the unsubscribe function more than once is a no-op.
func (s *Store) Subscribe(eventName string, callback Callback) func() {
	s.entropyMu.Lock()
	id := ulid.MustNew(ulid.Timestamp(time.Now()), s.entropy).String()
	s.entropyMu.Unlock()

	s.subMu.Lock()
	s.subscribers[eventName] = append(s.subscribers[eventName], subscription{id: id, callback: callback})
	s.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.subMu.Lock()
			subs := s.subscribers[eventName]
			for i, sub := range subs {
				if sub.id == id {
					s.subscribers[eventName] = append(subs[:i:i], subs[i+1:]...)
					break
				}
			}
			if len(s.subscribers[eventName]) == 0 {
				delete(s.subscribers, eventName)
			}
			s.subMu.Unlock()
		})
	}
}

// Watch subscribes to changes at a dotted path. Sugar for
// Subscribe("change:"+path, callback).
func (s *Store) Watch(path string, callback Callback) func() {
	return s.Subscribe("change:"+path, callback)
}

// emit delivers an event to all current subscribers of eventName, in
// registration order, catching panics per callback.
func (s *Store) emit(eventName string, ev Event) {
	s.subMu.Lock()
	subs := make([]subscription, len(s.subscribers[eventName]))
	copy(subs, s.subscribers[eventName])
	s.subMu.Unlock()

	for _, sub := range subs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("ERROR: State listener for '%s' panicked: %v", eventName, r)
				}
			}()
			sub.callback(ev)
		}()
	}
}

// History returns a copy of the change log, oldest first.
func (s *Store) History() []HistoryEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]HistoryEntry, len(s.history))
	copy(out, s.history)
	return out
}

// ancestorPaths returns the proper prefixes of a dotted path, nearest first:
// "a.b.c" -> ["a.b", "a"].
func ancestorPaths(path string) []string {
	var out []string
	for {
		i := strings.LastIndex(path, ".")
		if i < 0 {
			return out
		}
		path = path[:i]
		out = append(out, path)
	}
}
