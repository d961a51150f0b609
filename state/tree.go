package state

import (
	"encoding/json"
	"log"

	"speedcode/models"
)

// Tree is the typed shape of the application state. The store's source of
// truth is the JSON form of this tree; components use the typed accessors on
// Store for the bulk of their reads and writes, and the dotted-path API is
// the thin generic adapter used at the persistence and history boundary.
type Tree struct {
	Identity models.Identity `json:"identity"`
	UI       UIState         `json:"ui"`
	Room     RoomState       `json:"room"`
	Problem  ProblemState    `json:"problem"`
	Timer    TimerState      `json:"timer"`
	Network  NetworkState    `json:"network"`
	Bucket   BucketState     `json:"bucket"`
}

// UIState holds transient presentation flags. Persisted locally.
type UIState struct {
	PanelOpen bool   `json:"panelOpen"`
	ActiveTab string `json:"activeTab"`
	Theme     string `json:"theme"`
}

// RoomState holds the active room selection. Persisted locally.
type RoomState struct {
	CurrentRoomID string   `json:"currentRoomId"`
	JoinedRooms   []string `json:"joinedRooms"`
}

// ProblemState holds the currently detected problem, nil when the user is
// not viewing one. Rebuilt each session, never persisted.
type ProblemState struct {
	Current *models.ProblemSnapshot `json:"current"`
}

// TimerState holds the active stopwatch session. Persisted locally so an
// attempt survives a restart.
type TimerState struct {
	Active       bool   `json:"active"`
	StartTime    int64  `json:"startTime"` // epoch-ms
	ProblemTitle string `json:"problemTitle"`
}

// NetworkState tracks remote reachability for the presentation layer.
type NetworkState struct {
	Online bool `json:"online"`
}

// BucketState mirrors the currently loaded bucket. Rebuilt from the remote
// store each session.
type BucketState struct {
	Problems []models.ProblemRecord `json:"problems"`
	Loading  bool                   `json:"loading"`
	Error    string                 `json:"error"`
}

// DefaultTree returns the full default state constructed once at startup,
// before rehydration of the persisted subtrees.
func DefaultTree() Tree {
	return Tree{
		UI:      UIState{ActiveTab: "problems", Theme: "dark"},
		Room:    RoomState{JoinedRooms: []string{}},
		Network: NetworkState{Online: true},
		Bucket:  BucketState{Problems: []models.ProblemRecord{}},
	}
}

// Typed accessors. Each write funnels through Set so middleware, history,
// and emission apply uniformly.

// Tree returns a decoded snapshot of the whole state tree.
func (s *Store) Tree() Tree {
	s.mu.Lock()
	raw := s.raw
	s.mu.Unlock()

	var t Tree
	if err := json.Unmarshal(raw, &t); err != nil {
		log.Printf("ERROR: Failed to decode state tree: %v", err)
	}
	return t
}

// Identity returns the current identity subtree.
func (s *Store) Identity() models.Identity { return s.Tree().Identity }

// SetIdentity replaces the identity subtree.
func (s *Store) SetIdentity(id models.Identity) { s.set("identity", id, false) }

// SetCurrentProblem replaces the detected problem; nil clears it.
func (s *Store) SetCurrentProblem(p *models.ProblemSnapshot) { s.set("problem.current", p, false) }

// CurrentProblem returns the detected problem, nil when none.
func (s *Store) CurrentProblem() *models.ProblemSnapshot { return s.Tree().Problem.Current }

// SetCurrentRoom records the active room selection.
func (s *Store) SetCurrentRoom(roomID string) { s.set("room.currentRoomId", roomID, false) }

// SetJoinedRooms replaces the joined-rooms list.
func (s *Store) SetJoinedRooms(rooms []string) {
	if rooms == nil {
		rooms = []string{}
	}
	s.set("room.joinedRooms", rooms, false)
}

// SetTimer replaces the stopwatch session.
func (s *Store) SetTimer(t TimerState) { s.set("timer", t, false) }

// SetOnline records remote reachability.
func (s *Store) SetOnline(online bool) { s.set("network.online", online, false) }

// SetBucketLoading flips the bucket loading flag.
func (s *Store) SetBucketLoading(loading bool) { s.set("bucket.loading", loading, false) }

// SetBucketError records a caller-facing bucket failure so the presentation
// layer can render a retry affordance. Also clears the loading flag; a
// definitive failure must never leave the UI loading forever.
func (s *Store) SetBucketError(message string) {
	s.set("bucket.error", message, false)
	s.set("bucket.loading", false, false)
}

// SetBucketProblems replaces the loaded bucket contents and clears the
// loading and error flags.
func (s *Store) SetBucketProblems(problems []models.ProblemRecord) {
	if problems == nil {
		problems = []models.ProblemRecord{}
	}
	s.set("bucket.problems", problems, false)
	s.set("bucket.loading", false, false)
	s.set("bucket.error", "", false)
}

// Bucket returns the bucket subtree.
func (s *Store) Bucket() BucketState { return s.Tree().Bucket }
