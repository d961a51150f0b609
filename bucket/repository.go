// Package bucket implements CRUD and query operations over problem buckets:
// the personal bucket stored under the current user's record and shared room
// buckets. It owns the last-write-wins merge-on-write discipline against the
// remote record store and the registry of push subscriptions.
package bucket

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"speedcode/config"
	"speedcode/db"
	"speedcode/models"
	"speedcode/retry"
	"speedcode/state"
	"speedcode/utils"
)

// IdentitySource supplies the current identity; bucket operations addressed
// to the personal path fail when none is established.
type IdentitySource interface {
	Current() (models.Identity, bool)
}

// AddResult reports the outcome of AddProblem. When AlreadyExists is true the
// bucket was left unchanged and Problem holds the pre-existing record.
type AddResult struct {
	AlreadyExists bool                 `json:"alreadyExists"`
	Problem       models.ProblemRecord `json:"problem"`
}

// Repository mediates between callers and the remote record store. Every
// remote operation runs under the retry policy; validation and
// not-authenticated failures are raised before any remote call and are never
// retried.
//
// Concurrent writers to the same bucket perform independent
// read-modify-write cycles over the whole problems array, so the later write
// can clobber the earlier one's addition. That lost-update window is the
// accepted baseline contract of the underlying document model.
type Repository struct {
	records  db.RecordStore
	policy   retry.Policy
	appState *state.Store
	ids      IdentitySource
	cfg      *config.Config

	listenerMu sync.Mutex
	listeners  map[string]db.CancelFunc
}

// NewRepository wires the repository to its collaborators. appState may be
// nil in tests that do not assert on UI flags.
func NewRepository(records db.RecordStore, policy retry.Policy, appState *state.Store, ids IdentitySource, cfg *config.Config) *Repository {
	return &Repository{
		records:   records,
		policy:    policy,
		appState:  appState,
		ids:       ids,
		cfg:       cfg,
		listeners: make(map[string]db.CancelFunc),
	}
}

func userPath(uid string) string   { return "users/" + uid }
func roomPath(roomID string) string { return "rooms/" + roomID }

// resolveBucketPath maps a room id to its document path. The empty room id
// addresses the current user's personal bucket and requires an identity.
func (r *Repository) resolveBucketPath(roomID string) (path string, personal bool, err error) {
	if roomID == "" {
		id, ok := r.ids.Current()
		if !ok {
			return "", true, models.ErrNotAuthenticated
		}
		return userPath(id.UID), true, nil
	}
	return roomPath(roomID), false, nil
}

// decodeInto re-marshals a document field into a typed value.
func decodeInto(value any, out any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

// decodeProblems extracts the problems array from a bucket document. Decoding
// is element-wise so one undecodable record cannot take the rest of the
// bucket with it; records with a malformed times field survive with times
// dropped (ProblemRecord.UnmarshalJSON) and are repaired downstream by
// normalization.
func decodeProblems(doc db.Document) []models.ProblemRecord {
	if doc == nil {
		return []models.ProblemRecord{}
	}
	data, err := json.Marshal(doc["problems"])
	if err != nil {
		return []models.ProblemRecord{}
	}
	var elements []json.RawMessage
	if err := json.Unmarshal(data, &elements); err != nil {
		return []models.ProblemRecord{}
	}
	problems := make([]models.ProblemRecord, 0, len(elements))
	for _, element := range elements {
		var rec models.ProblemRecord
		if err := json.Unmarshal(element, &rec); err != nil {
			log.Printf("WARN: Skipping undecodable problem record: %v", err)
			continue
		}
		problems = append(problems, rec)
	}
	return problems
}

// readBucket reads the bucket document at path under the retry policy.
func (r *Repository) readBucket(ctx context.Context, path string) (db.Document, bool, error) {
	var doc db.Document
	var found bool
	err := r.policy.Do(ctx, "read "+path, func() error {
		var readErr error
		doc, found, readErr = r.records.Read(path)
		return readErr
	})
	return doc, found, err
}

// writeProblems writes the full problems array back to the bucket. Personal
// buckets are created on first write (merge); room buckets must already exist.
// A record whose times decoded to nil (dropped during lenient decode) is
// written back with an empty sequence, never null.
func (r *Repository) writeProblems(ctx context.Context, path string, personal bool, problems []models.ProblemRecord) error {
	for i := range problems {
		if problems[i].Times == nil {
			problems[i].Times = []models.TimeEntry{}
		}
	}
	payload := db.Document{"problems": problems}
	return r.policy.Do(ctx, "write "+path, func() error {
		if personal {
			return r.records.Write(path, payload, true)
		}
		return r.records.Update(path, payload)
	})
}

// setBucketError mirrors a definitive failure into the state store so the
// presentation layer can offer a retry, never a perpetual spinner.
func (r *Repository) setBucketError(err error) {
	if r.appState != nil && err != nil {
		r.appState.SetBucketError(err.Error())
	}
}

// publishProblems mirrors a successful bucket read into the state store.
func (r *Repository) publishProblems(problems []models.ProblemRecord) {
	if r.appState != nil {
		r.appState.SetBucketProblems(problems)
	}
}

// GetProblems returns the ordered problem records of the addressed bucket,
// empty if the underlying document does not exist.
func (r *Repository) GetProblems(ctx context.Context, roomID string) ([]models.ProblemRecord, error) {
	path, _, err := r.resolveBucketPath(roomID)
	if err != nil {
		return nil, err
	}
	if r.appState != nil {
		r.appState.SetBucketLoading(true)
	}

	doc, found, err := r.readBucket(ctx, path)
	if err != nil {
		r.setBucketError(err)
		return nil, err
	}
	if !found {
		r.publishProblems(nil)
		return []models.ProblemRecord{}, nil
	}
	problems := decodeProblems(doc)
	r.publishProblems(problems)
	return problems, nil
}

// AddProblem appends a problem to the addressed bucket unless a record with
// the same normalized URL already exists. Missing fields are defaulted before
// the write.
func (r *Repository) AddProblem(ctx context.Context, data models.ProblemRecord, roomID, addedBy string) (AddResult, error) {
	path, personal, err := r.resolveBucketPath(roomID)
	if err != nil {
		return AddResult{}, err
	}

	doc, found, err := r.readBucket(ctx, path)
	if err != nil {
		r.setBucketError(err)
		return AddResult{}, err
	}
	var problems []models.ProblemRecord
	if found {
		problems = decodeProblems(doc)
	}

	for _, existing := range problems {
		if models.SameProblem(existing.URL, data.URL) {
			log.Printf("INFO: Problem already in bucket %s: %s", path, existing.ProblemTitle)
			return AddResult{AlreadyExists: true, Problem: existing}, nil
		}
	}

	record, _ := models.NormalizeProblemRecord(data)
	record.AddedAt = models.Timestamp(time.Now())
	record.AddedBy = addedBy
	record.Times = []models.TimeEntry{}
	problems = append(problems, record)

	if err := r.writeProblems(ctx, path, personal, problems); err != nil {
		r.setBucketError(err)
		return AddResult{}, err
	}
	r.publishProblems(problems)
	log.Printf("INFO: Added problem '%s' to bucket %s (%d total)", record.ProblemTitle, path, len(problems))
	return AddResult{Problem: record}, nil
}

// RemoveProblem removes the record at index, preserving the order of the
// rest. An absent document or an out-of-range index is a no-op.
func (r *Repository) RemoveProblem(ctx context.Context, index int, roomID string) error {
	path, personal, err := r.resolveBucketPath(roomID)
	if err != nil {
		return err
	}

	doc, found, err := r.readBucket(ctx, path)
	if err != nil {
		r.setBucketError(err)
		return err
	}
	if !found {
		return nil
	}
	problems := decodeProblems(doc)
	if index < 0 || index >= len(problems) {
		log.Printf("WARN: RemoveProblem index %d out of range for bucket %s (len %d)", index, path, len(problems))
		return nil
	}

	problems = append(problems[:index:index], problems[index+1:]...)
	if err := r.writeProblems(ctx, path, personal, problems); err != nil {
		r.setBucketError(err)
		return err
	}
	r.publishProblems(problems)
	return nil
}

// AddProblemTime appends a time entry to the first record whose title
// matches exactly. No record matching is a no-op. Matching is by title, not
// by the normalized URL used for duplicate detection, so two problems
// sharing a title will misattribute the entry; preserved behavior.
func (r *Repository) AddProblemTime(ctx context.Context, problemTitle string, entry models.TimeEntry, roomID string) error {
	path, personal, err := r.resolveBucketPath(roomID)
	if err != nil {
		return err
	}

	doc, found, err := r.readBucket(ctx, path)
	if err != nil {
		r.setBucketError(err)
		return err
	}
	if !found {
		return nil
	}
	problems := decodeProblems(doc)

	matched := -1
	for i, p := range problems {
		if p.ProblemTitle == problemTitle {
			matched = i
			break
		}
	}
	if matched < 0 {
		log.Printf("WARN: AddProblemTime: no record titled '%s' in bucket %s", problemTitle, path)
		return nil
	}

	if entry.Timestamp == "" {
		entry.Timestamp = models.Timestamp(time.Now())
	}
	if problems[matched].Times == nil {
		problems[matched].Times = []models.TimeEntry{}
	}
	problems[matched].Times = append(problems[matched].Times, entry)

	if err := r.writeProblems(ctx, path, personal, problems); err != nil {
		r.setBucketError(err)
		return err
	}
	r.publishProblems(problems)
	return nil
}

// CreateRoom generates a room id, writes the room document, then appends the
// id to the creator's joined rooms. The two writes are independent; a
// failure in between leaves a room that was created but not joined. Both
// writes are idempotent so the caller may simply retry.
func (r *Repository) CreateRoom(ctx context.Context, name, createdBy string) (string, error) {
	id, ok := r.ids.Current()
	if !ok {
		return "", models.ErrNotAuthenticated
	}
	if strings.TrimSpace(name) == "" {
		return "", &models.ValidationError{Field: "name", Reason: "must not be empty"}
	}

	roomID := utils.GenerateRoomID(r.cfg.RoomIDLength)
	room := db.Document{
		"name":      strings.TrimSpace(name),
		"createdBy": createdBy,
		"createdAt": models.Timestamp(time.Now()),
		"members":   []any{createdBy},
		"problems":  []any{},
	}

	err := r.policy.Do(ctx, "create room "+roomID, func() error {
		return r.records.Write(roomPath(roomID), room, true)
	})
	if err != nil {
		r.setBucketError(err)
		return "", err
	}

	err = r.policy.Do(ctx, "add room to user", func() error {
		return r.records.ArrayUnion(userPath(id.UID), "joinedRooms", roomID)
	})
	if err != nil {
		// The room exists but the membership write failed; surfacing the
		// error lets the caller retry the idempotent union.
		r.setBucketError(err)
		return roomID, err
	}

	log.Printf("INFO: Created room %s ('%s') by %s", roomID, name, createdBy)
	return roomID, nil
}

// JoinRoom adds username to the room's member set and the room id to the
// joining user's joinedRooms set. Fails with models.ErrNotFound if the room
// does not exist. Both unions are idempotent, so retries are safe. A username
// is required; without one the member set would accumulate empty entries.
func (r *Repository) JoinRoom(ctx context.Context, roomID, username string) error {
	id, ok := r.ids.Current()
	if !ok {
		return models.ErrNotAuthenticated
	}
	if strings.TrimSpace(username) == "" {
		return &models.ValidationError{Field: "username", Reason: "must be set before joining a room"}
	}
	normalized, err := models.ValidateRoomID(roomID)
	if err != nil {
		return err
	}

	_, found, err := r.readBucket(ctx, roomPath(normalized))
	if err != nil {
		r.setBucketError(err)
		return err
	}
	if !found {
		return models.ErrNotFound
	}

	err = r.policy.Do(ctx, "join room "+normalized, func() error {
		return r.records.ArrayUnion(roomPath(normalized), "members", username)
	})
	if err != nil {
		r.setBucketError(err)
		return err
	}
	err = r.policy.Do(ctx, "add room to user", func() error {
		return r.records.ArrayUnion(userPath(id.UID), "joinedRooms", normalized)
	})
	if err != nil {
		r.setBucketError(err)
		return err
	}

	log.Printf("INFO: %s joined room %s", username, normalized)
	return nil
}

// GetRoom returns the room document, or models.ErrNotFound.
func (r *Repository) GetRoom(ctx context.Context, roomID string) (models.RoomRecord, error) {
	normalized, err := models.ValidateRoomID(roomID)
	if err != nil {
		return models.RoomRecord{}, err
	}
	doc, found, err := r.readBucket(ctx, roomPath(normalized))
	if err != nil {
		return models.RoomRecord{}, err
	}
	if !found {
		return models.RoomRecord{}, models.ErrNotFound
	}
	var room models.RoomRecord
	if err := decodeInto(doc, &room); err != nil {
		return models.RoomRecord{}, err
	}
	return room, nil
}

// GetUserRecord returns the current user's remote record, zero if absent.
func (r *Repository) GetUserRecord(ctx context.Context) (models.UserRecord, error) {
	id, ok := r.ids.Current()
	if !ok {
		return models.UserRecord{}, models.ErrNotAuthenticated
	}
	doc, found, err := r.readBucket(ctx, userPath(id.UID))
	if err != nil {
		return models.UserRecord{}, err
	}
	record := models.UserRecord{UID: id.UID}
	if !found {
		return record, nil
	}
	if err := decodeInto(doc, &record); err != nil {
		return models.UserRecord{}, err
	}
	record.UID = id.UID
	return record, nil
}

// LoadUsername reads the display name stored on a user record, empty when
// the record or field is absent. Part of the identity manager's
// UserDirectory contract.
func (r *Repository) LoadUsername(ctx context.Context, uid string) (string, error) {
	var doc db.Document
	var found bool
	err := r.policy.Do(ctx, "load username", func() error {
		var readErr error
		doc, found, readErr = r.records.Read(userPath(uid))
		return readErr
	})
	if err != nil {
		return "", err
	}
	if !found {
		return "", nil
	}
	username, _ := doc["username"].(string)
	return username, nil
}

// SaveUsername persists the display name on the user record, creating the
// record if absent. Part of the identity manager's UserDirectory contract.
func (r *Repository) SaveUsername(ctx context.Context, uid, username string) error {
	return r.policy.Do(ctx, "save username", func() error {
		return r.records.Write(userPath(uid), db.Document{"uid": uid, "username": username}, true)
	})
}

// BucketListener receives the decoded problems plus the raw document on
// every remote change to a room bucket, including the initial snapshot.
type BucketListener func(problems []models.ProblemRecord, raw db.Snapshot)

// ListenToBucket subscribes to a room bucket. Personal buckets (empty room
// id) have no concurrent writers and are deliberately not subscribed; the
// call is a no-op for them. Registering a second listener for the same room
// cancels the first.
func (r *Repository) ListenToBucket(roomID string, callback BucketListener) error {
	if roomID == "" {
		log.Printf("DEBUG: ListenToBucket skipped for personal bucket (one-shot reads suffice)")
		return nil
	}
	normalized, err := models.ValidateRoomID(roomID)
	if err != nil {
		return err
	}

	cancel := r.records.Subscribe(roomPath(normalized), func(snapshot db.Snapshot) {
		problems := decodeProblems(snapshot.Data)
		r.publishProblems(problems)
		callback(problems, snapshot)
	}, func(err error) {
		log.Printf("ERROR: Bucket subscription for room %s failed: %v", normalized, err)
		r.setBucketError(err)
	})

	r.registerListener("bucket_"+normalized, cancel)
	return nil
}

// ListenToUser subscribes to the current user's record (username, joined
// rooms). Registering twice for the same uid cancels the first listener.
func (r *Repository) ListenToUser(callback func(models.UserRecord)) error {
	id, ok := r.ids.Current()
	if !ok {
		return models.ErrNotAuthenticated
	}

	cancel := r.records.Subscribe(userPath(id.UID), func(snapshot db.Snapshot) {
		record := models.UserRecord{UID: id.UID}
		if snapshot.Exists {
			if err := decodeInto(snapshot.Data, &record); err != nil {
				log.Printf("WARN: Failed to decode user record for %s: %v", id.UID, err)
			}
			record.UID = id.UID
		}
		callback(record)
	}, func(err error) {
		log.Printf("ERROR: User subscription for %s failed: %v", id.UID, err)
	})

	r.registerListener("user_"+id.UID, cancel)
	return nil
}

// registerListener stores a cancel handle under a stable key, cancelling any
// previous subscription registered under the same key.
func (r *Repository) registerListener(key string, cancel db.CancelFunc) {
	r.listenerMu.Lock()
	previous := r.listeners[key]
	r.listeners[key] = cancel
	r.listenerMu.Unlock()

	if previous != nil {
		previous()
	}
}

// StopListeningToBucket cancels the active subscription for a room, if any.
func (r *Repository) StopListeningToBucket(roomID string) {
	r.listenerMu.Lock()
	cancel := r.listeners["bucket_"+roomID]
	delete(r.listeners, "bucket_"+roomID)
	r.listenerMu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// RemoveAllListeners cancels every active subscription. Called on teardown
// and sign-out.
func (r *Repository) RemoveAllListeners() {
	r.listenerMu.Lock()
	cancels := make([]db.CancelFunc, 0, len(r.listeners))
	for _, cancel := range r.listeners {
		cancels = append(cancels, cancel)
	}
	r.listeners = make(map[string]db.CancelFunc)
	r.listenerMu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	log.Printf("DEBUG: Removed %d bucket listeners", len(cancels))
}

// VerifyBucketStructure normalizes every stored record to the canonical
// shape, writing back only when the normalized form differs from what is
// stored. Reports whether a repair occurred.
func (r *Repository) VerifyBucketStructure(ctx context.Context, roomID string) (bool, error) {
	path, personal, err := r.resolveBucketPath(roomID)
	if err != nil {
		return false, err
	}

	doc, found, err := r.readBucket(ctx, path)
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}

	stored := decodeProblems(doc)
	normalized := make([]models.ProblemRecord, len(stored))
	for i, rec := range stored {
		normalized[i], _ = models.NormalizeProblemRecord(rec)
	}

	if doc["problems"] == nil && len(normalized) == 0 {
		return false, nil
	}
	storedJSON, err := canonicalJSON(doc["problems"])
	if err != nil {
		return false, err
	}
	normalizedJSON, err := canonicalJSON(normalized)
	if err != nil {
		return false, err
	}
	if storedJSON == normalizedJSON {
		return false, nil
	}

	if err := r.writeProblems(ctx, path, personal, normalized); err != nil {
		return false, err
	}
	log.Printf("INFO: Repaired bucket structure at %s (%d records)", path, len(normalized))
	return true, nil
}

// canonicalJSON renders a value through the generic map form so two
// representations of the same data (typed records vs stored maps) compare
// equal regardless of key order.
func canonicalJSON(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	var generic any
	if err := json.Unmarshal(data, &generic); err != nil {
		return "", err
	}
	out, err := json.Marshal(generic)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// String implements fmt.Stringer for debug logging.
func (r *Repository) String() string {
	r.listenerMu.Lock()
	defer r.listenerMu.Unlock()
	return fmt.Sprintf("bucket.Repository{listeners: %d}", len(r.listeners))
}
