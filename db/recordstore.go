package db

import (
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"os"
	"sync"
	"time"

	"speedcode/config"
	"speedcode/models"

	"github.com/oklog/ulid/v2"
)

// Document is the stored shape at one record path. Field values are whatever
// survives a JSON round trip (strings, float64, bool, nil, []any,
// map[string]any).
type Document map[string]any

// Snapshot is delivered to subscribers on every change to a path, including
// once on registration. Exists is false when the document has been deleted or
// never written.
type Snapshot struct {
	Path   string
	Exists bool
	Data   Document
}

// CancelFunc detaches a subscription. Calling it more than once is a no-op.
type CancelFunc func()

// RecordStore is the key-path-addressable document database the sync core is
// built against: point reads, merge-writes, atomic array membership ops, and
// push-based subscription on a document path. Delivery is at-least-once;
// subscribers must tolerate duplicate or merged snapshots.
type RecordStore interface {
	// Read returns the document at path, or found=false if it is absent.
	Read(path string) (Document, bool, error)
	// Write stores doc at path. With merge=true the document is created if
	// absent and existing fields not present in doc are preserved. With
	// merge=false the document must already exist (models.ErrNotFound
	// otherwise) and is replaced wholesale.
	Write(path string, doc Document, merge bool) error
	// Update merges fields into an existing document; fails with
	// models.ErrNotFound if the document is absent.
	Update(path string, fields Document) error
	// ArrayUnion adds values to the named array field with set semantics.
	// The document and field are created if absent; re-adding an existing
	// value is a no-op, so the operation is safe to retry.
	ArrayUnion(path, field string, values ...any) error
	// ArrayRemove deletes values from the named array field. Absent
	// documents, fields, or values are a no-op.
	ArrayRemove(path, field string, values ...any) error
	// Subscribe registers a push subscription on path. onSnapshot fires with
	// the current state immediately and then on every subsequent change until
	// the returned CancelFunc is called. onError may be nil.
	Subscribe(path string, onSnapshot func(Snapshot), onError func(error)) CancelFunc
	// Close flushes any pending persistence and releases subscriptions.
	Close() error
}

type subscriber struct {
	onSnapshot func(Snapshot)
	onError    func(error)
}

// FileRecordStore is an in-process RecordStore persisted to a JSON file with
// debounced, atomic writes. It stands in for the hosted document database in
// local deployments and in tests.
type FileRecordStore struct {
	mu        sync.RWMutex
	documents map[string]Document

	subMu       sync.Mutex
	subscribers map[string]map[string]subscriber // path -> subscription id -> subscriber

	cfg         *config.Config
	saveTimer   *time.Timer
	savePending bool
	saveMutex   sync.Mutex

	entropy   *ulid.MonotonicEntropy
	entropyMu sync.Mutex
}

// NewFileRecordStore creates a store backed by cfg.RecordFilePath and loads
// any existing data from it. A missing file is not an error; a file that
// exists but cannot be parsed is.
func NewFileRecordStore(cfg *config.Config) (*FileRecordStore, error) {
	s := &FileRecordStore{
		documents:   make(map[string]Document),
		subscribers: make(map[string]map[string]subscriber),
		cfg:         cfg,
		entropy:     ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
	}

	log.Printf("INFO: Initializing record store with file: %s", cfg.RecordFilePath)
	if err := s.load(); err != nil {
		log.Printf("ERROR: Record store load failed: %v", err)
		return nil, err
	}
	return s, nil
}

// load reads the store state from the backing file. A missing file
// initializes an empty store.
func (s *FileRecordStore) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	fileData, err := os.ReadFile(s.cfg.RecordFilePath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Printf("INFO: Record store file '%s' not found. Initializing empty store.", s.cfg.RecordFilePath)
			s.documents = make(map[string]Document)
			return nil
		}
		log.Printf("ERROR: Failed to read record store file '%s': %v. Proceeding with empty state.", s.cfg.RecordFilePath, err)
		s.documents = make(map[string]Document)
		return nil
	}

	if err := json.Unmarshal(fileData, &s.documents); err != nil {
		log.Printf("CRITICAL: Failed to parse record store file '%s': %v", s.cfg.RecordFilePath, err)
		if s.documents == nil {
			s.documents = make(map[string]Document)
		}
		return err
	}
	if s.documents == nil {
		s.documents = make(map[string]Document)
	}

	log.Printf("INFO: Loaded record store from %s. Documents: %d", s.cfg.RecordFilePath, len(s.documents))
	return nil
}

// persist saves the current store state to the backing file using a
// temp-file-then-rename write, with an optional .bak of the previous file.
func (s *FileRecordStore) persist() error {
	s.mu.RLock()
	jsonData, err := json.MarshalIndent(s.documents, "", "  ")
	s.mu.RUnlock()
	if err != nil {
		log.Printf("ERROR: Failed to marshal record store state: %v", err)
		return err
	}

	tempFilePath := s.cfg.RecordFilePath + ".tmp"
	backupFilePath := s.cfg.RecordFilePath + ".bak"

	if err := os.WriteFile(tempFilePath, jsonData, 0644); err != nil {
		log.Printf("ERROR: Failed to write temporary record store file '%s': %v", tempFilePath, err)
		return err
	}

	if s.cfg.EnableBackup {
		if _, err := os.Stat(s.cfg.RecordFilePath); err == nil {
			if err := os.Rename(s.cfg.RecordFilePath, backupFilePath); err != nil {
				log.Printf("WARN: Failed to rename '%s' to '%s' for backup: %v. Proceeding with save.", s.cfg.RecordFilePath, backupFilePath, err)
			}
		}
	}

	if err := os.Rename(tempFilePath, s.cfg.RecordFilePath); err != nil {
		log.Printf("ERROR: Failed to rename '%s' to '%s': %v", tempFilePath, s.cfg.RecordFilePath, err)
		_ = os.Remove(tempFilePath)
		return err
	}

	log.Printf("DEBUG: Saved record store state to %s", s.cfg.RecordFilePath)
	return nil
}

// requestSave triggers a debounced save after every write operation.
func (s *FileRecordStore) requestSave() {
	s.saveMutex.Lock()
	defer s.saveMutex.Unlock()

	if s.cfg.SaveInterval <= 0 {
		go func() {
			if err := s.persist(); err != nil {
				log.Printf("ERROR: Immediate record store persist failed: %v", err)
			}
		}()
		return
	}

	if s.saveTimer != nil {
		s.saveTimer.Stop()
	}
	s.savePending = true
	s.saveTimer = time.AfterFunc(s.cfg.SaveInterval, func() {
		s.saveMutex.Lock()
		if !s.savePending {
			s.saveMutex.Unlock()
			return
		}
		s.savePending = false
		s.saveMutex.Unlock()

		if err := s.persist(); err != nil {
			log.Printf("ERROR: Debounced record store persist failed: %v", err)
		}
	})
}

// cloneDocument deep-copies a document through a JSON round trip so callers
// never share mutable state with the store.
func cloneDocument(doc Document) Document {
	if doc == nil {
		return nil
	}
	data, err := json.Marshal(doc)
	if err != nil {
		log.Printf("ERROR: Failed to clone document: %v", err)
		return Document{}
	}
	var out Document
	if err := json.Unmarshal(data, &out); err != nil {
		log.Printf("ERROR: Failed to clone document: %v", err)
		return Document{}
	}
	return out
}

// Read returns the document stored at path.
func (s *FileRecordStore) Read(path string) (Document, bool, error) {
	s.mu.RLock()
	doc, found := s.documents[path]
	s.mu.RUnlock()
	if !found {
		return nil, false, nil
	}
	return cloneDocument(doc), true, nil
}

// Write stores doc at path per the merge semantics documented on RecordStore.
func (s *FileRecordStore) Write(path string, doc Document, merge bool) error {
	s.mu.Lock()
	existing, found := s.documents[path]
	if !merge && !found {
		s.mu.Unlock()
		return models.ErrNotFound
	}

	var next Document
	if merge && found {
		next = cloneDocument(existing)
		for k, v := range cloneDocument(doc) {
			next[k] = v
		}
	} else {
		next = cloneDocument(doc)
	}
	if next == nil {
		next = Document{}
	}
	s.documents[path] = next
	s.mu.Unlock()

	s.requestSave()
	s.notify(path)
	return nil
}

// Update merges fields into an existing document.
func (s *FileRecordStore) Update(path string, fields Document) error {
	s.mu.Lock()
	existing, found := s.documents[path]
	if !found {
		s.mu.Unlock()
		return models.ErrNotFound
	}
	next := cloneDocument(existing)
	for k, v := range cloneDocument(fields) {
		next[k] = v
	}
	s.documents[path] = next
	s.mu.Unlock()

	s.requestSave()
	s.notify(path)
	return nil
}

// ArrayUnion adds values to an array field with set semantics.
func (s *FileRecordStore) ArrayUnion(path, field string, values ...any) error {
	s.mu.Lock()
	doc, found := s.documents[path]
	if !found {
		doc = Document{}
	} else {
		doc = cloneDocument(doc)
	}

	current, _ := doc[field].([]any)
	changed := !found
	for _, v := range values {
		v = normalizeValue(v)
		if !containsValue(current, v) {
			current = append(current, v)
			changed = true
		}
	}
	if !changed {
		s.mu.Unlock()
		return nil
	}
	doc[field] = current
	s.documents[path] = doc
	s.mu.Unlock()

	s.requestSave()
	s.notify(path)
	return nil
}

// ArrayRemove deletes values from an array field. Everything absent is a
// no-op.
func (s *FileRecordStore) ArrayRemove(path, field string, values ...any) error {
	s.mu.Lock()
	doc, found := s.documents[path]
	if !found {
		s.mu.Unlock()
		return nil
	}
	doc = cloneDocument(doc)
	current, ok := doc[field].([]any)
	if !ok {
		s.mu.Unlock()
		return nil
	}

	next := make([]any, 0, len(current))
	removed := false
	for _, existing := range current {
		keep := true
		for _, v := range values {
			if valuesEqual(existing, normalizeValue(v)) {
				keep = false
				removed = true
				break
			}
		}
		if keep {
			next = append(next, existing)
		}
	}
	if !removed {
		s.mu.Unlock()
		return nil
	}
	doc[field] = next
	s.documents[path] = doc
	s.mu.Unlock()

	s.requestSave()
	s.notify(path)
	return nil
}

// Subscribe registers a push subscription on path and delivers the current
// snapshot before returning.
func (s *FileRecordStore) Subscribe(path string, onSnapshot func(Snapshot), onError func(error)) CancelFunc {
	s.entropyMu.Lock()
	id := ulid.MustNew(ulid.Timestamp(time.Now()), s.entropy).String()
	s.entropyMu.Unlock()

	s.subMu.Lock()
	if s.subscribers[path] == nil {
		s.subscribers[path] = make(map[string]subscriber)
	}
	s.subscribers[path][id] = subscriber{onSnapshot: onSnapshot, onError: onError}
	s.subMu.Unlock()

	s.deliver(path, subscriber{onSnapshot: onSnapshot, onError: onError})

	var once sync.Once
	return func() {
		once.Do(func() {
			s.subMu.Lock()
			if subs, ok := s.subscribers[path]; ok {
				delete(subs, id)
				if len(subs) == 0 {
					delete(s.subscribers, path)
				}
			}
			s.subMu.Unlock()
		})
	}
}

// notify fans a fresh snapshot of path out to all current subscribers.
// The subscriber list is copied first so a callback can cancel its own
// subscription without deadlocking.
func (s *FileRecordStore) notify(path string) {
	s.subMu.Lock()
	subs := make([]subscriber, 0, len(s.subscribers[path]))
	for _, sub := range s.subscribers[path] {
		subs = append(subs, sub)
	}
	s.subMu.Unlock()

	for _, sub := range subs {
		s.deliver(path, sub)
	}
}

// deliver sends the current snapshot of path to one subscriber, catching
// panics so one misbehaving observer does not break the others.
func (s *FileRecordStore) deliver(path string, sub subscriber) {
	doc, found, _ := s.Read(path)
	snapshot := Snapshot{Path: path, Exists: found, Data: doc}
	defer func() {
		if r := recover(); r != nil {
			log.Printf("ERROR: Record store subscriber for '%s' panicked: %v", path, r)
			if sub.onError != nil {
				sub.onError(fmt.Errorf("subscriber panicked: %v", r))
			}
		}
	}()
	sub.onSnapshot(snapshot)
}

// normalizeValue pushes a value through a JSON round trip so that values
// written via ArrayUnion compare equal to values read back from disk.
func normalizeValue(v any) any {
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return v
	}
	return out
}

func containsValue(list []any, v any) bool {
	for _, existing := range list {
		if valuesEqual(existing, v) {
			return true
		}
	}
	return false
}

func valuesEqual(a, b any) bool {
	aj, errA := json.Marshal(a)
	bj, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return string(aj) == string(bj)
}

// Close stops the debounce timer, performs a final persist if one was
// pending, and drops all subscriptions.
func (s *FileRecordStore) Close() error {
	var needsFinalPersist bool

	s.saveMutex.Lock()
	if s.saveTimer != nil {
		s.saveTimer.Stop()
		s.saveTimer = nil
	}
	if s.savePending {
		needsFinalPersist = true
		s.savePending = false
	}
	s.saveMutex.Unlock()

	s.subMu.Lock()
	s.subscribers = make(map[string]map[string]subscriber)
	s.subMu.Unlock()

	if needsFinalPersist {
		log.Printf("INFO: Performing final record store persist on close...")
		if err := s.persist(); err != nil {
			log.Printf("ERROR: Final record store persist failed: %v", err)
			return err
		}
	}
	return nil
}
