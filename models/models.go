package models

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"
)

// Difficulty values accepted on a ProblemRecord. Anything else is coerced
// to DifficultyUnknown by NormalizeProblemRecord.
const (
	DifficultyEasy    = "Easy"
	DifficultyMedium  = "Medium"
	DifficultyHard    = "Hard"
	DifficultyUnknown = "Unknown"
)

// Defaults applied to incomplete problem data before it is written to a bucket.
const (
	DefaultProblemNumber = "Unknown"
	DefaultProblemTitle  = "Unknown Problem"
)

// Identity describes the current session's user as seen by the rest of the
// system. UID is assigned once per session by the auth provider and never
// changes within a session. Username is user-chosen and mutable.
// Invariant: UsernameSet implies Authenticated.
type Identity struct {
	UID           string `json:"uid"`
	Username      string `json:"username"`
	Authenticated bool   `json:"is_authenticated"`
	UsernameSet   bool   `json:"is_username_set"`
}

// TimeEntry is one recorded attempt on a problem. Entries are append-only:
// once written they are never mutated or reordered.
type TimeEntry struct {
	Time      string `json:"time"` // formatted "<m>m <s>s"
	Username  string `json:"username"`
	Timestamp string `json:"timestamp"` // ISO-8601 / RFC 3339
}

// ProblemRecord is a saved reference to a coding problem plus accumulated
// attempt times. Identity within a bucket is the normalized URL, not the
// title or number.
type ProblemRecord struct {
	ProblemNumber string      `json:"problemNumber"`
	ProblemTitle  string      `json:"problemTitle"`
	Difficulty    string      `json:"difficulty"`
	URL           string      `json:"url"`
	AddedAt       string      `json:"addedAt"` // ISO-8601 / RFC 3339
	AddedBy       string      `json:"addedBy"`
	Times         []TimeEntry `json:"times"`
}

// UnmarshalJSON decodes a stored record leniently. Buckets written by older
// clients sometimes carry a malformed "times" field (a bare string, or
// entries of the wrong shape); a strict decode of one such record would fail
// the whole bucket. An undecodable times field is left nil so
// NormalizeProblemRecord coerces it back to an empty sequence.
func (p *ProblemRecord) UnmarshalJSON(data []byte) error {
	var stored struct {
		ProblemNumber string          `json:"problemNumber"`
		ProblemTitle  string          `json:"problemTitle"`
		Difficulty    string          `json:"difficulty"`
		URL           string          `json:"url"`
		AddedAt       string          `json:"addedAt"`
		AddedBy       string          `json:"addedBy"`
		Times         json.RawMessage `json:"times"`
	}
	if err := json.Unmarshal(data, &stored); err != nil {
		return err
	}
	p.ProblemNumber = stored.ProblemNumber
	p.ProblemTitle = stored.ProblemTitle
	p.Difficulty = stored.Difficulty
	p.URL = stored.URL
	p.AddedAt = stored.AddedAt
	p.AddedBy = stored.AddedBy
	p.Times = nil
	if len(stored.Times) > 0 {
		var times []TimeEntry
		if err := json.Unmarshal(stored.Times, &times); err == nil {
			p.Times = times
		}
	}
	return nil
}

// ProblemSnapshot is the problem detector's view of the current page: a
// best-effort extraction, valid only while IsProblem is true.
type ProblemSnapshot struct {
	IsProblem     bool   `json:"isProblem"`
	ProblemNumber string `json:"problemNumber"`
	ProblemTitle  string `json:"problemTitle"`
	Difficulty    string `json:"difficulty"`
	URL           string `json:"url"`
}

// UserRecord is the remote document stored under a user's own path. It holds
// the chosen display name, room memberships, and the personal bucket.
type UserRecord struct {
	UID         string          `json:"uid"`
	Username    string          `json:"username,omitempty"`
	JoinedRooms []string        `json:"joinedRooms,omitempty"`
	Problems    []ProblemRecord `json:"problems,omitempty"`
}

// RoomRecord is the remote document for a shared bucket. Members and the
// owning user records' JoinedRooms must stay in sync; joining a room appends
// to both sides.
type RoomRecord struct {
	Name      string          `json:"name"`
	CreatedBy string          `json:"createdBy"`
	CreatedAt string          `json:"createdAt"`
	Members   []string        `json:"members"`
	Problems  []ProblemRecord `json:"problems"`
}

// FormatAttemptTime renders an attempt duration the way it is stored in a
// TimeEntry, e.g. "12m 7s".
func FormatAttemptTime(d time.Duration) string {
	total := int(d.Round(time.Second).Seconds())
	if total < 0 {
		total = 0
	}
	return fmt.Sprintf("%dm %ds", total/60, total%60)
}

// Timestamp returns the canonical ISO-8601 form used in stored records.
func Timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// NormalizeProblemURL reduces a problem URL to its identity key: the path up
// to and including the problem-slug segment, trailing slash stripped,
// case-folded. Two records whose URLs normalize equal are the same problem.
// Unparseable or non-problem URLs fall back to the lowercased,
// slash-trimmed input so comparison still behaves sensibly.
func NormalizeProblemURL(raw string) string {
	trimmed := strings.TrimSpace(raw)
	fallback := strings.ToLower(strings.TrimRight(trimmed, "/"))

	u, err := url.Parse(trimmed)
	if err != nil || u.Host == "" {
		return fallback
	}

	segments := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i, seg := range segments {
		if strings.EqualFold(seg, "problems") && i+1 < len(segments) {
			path := strings.Join(segments[:i+2], "/")
			return strings.ToLower(u.Scheme + "://" + u.Host + "/" + path)
		}
	}
	return fallback
}

// SameProblem reports whether two URLs identify the same problem.
func SameProblem(urlA, urlB string) bool {
	return NormalizeProblemURL(urlA) == NormalizeProblemURL(urlB)
}

// NormalizeProblemRecord migrates any previously stored shape of a problem
// record to the canonical form: missing fields defaulted, difficulty coerced
// to a known value, times coerced to a non-nil sequence. Returns the
// normalized record and whether anything changed.
func NormalizeProblemRecord(rec ProblemRecord) (ProblemRecord, bool) {
	changed := false

	if strings.TrimSpace(rec.ProblemNumber) == "" {
		rec.ProblemNumber = DefaultProblemNumber
		changed = true
	}
	if strings.TrimSpace(rec.ProblemTitle) == "" {
		rec.ProblemTitle = DefaultProblemTitle
		changed = true
	}
	switch rec.Difficulty {
	case DifficultyEasy, DifficultyMedium, DifficultyHard, DifficultyUnknown:
	default:
		rec.Difficulty = DifficultyUnknown
		changed = true
	}
	if rec.Times == nil {
		rec.Times = []TimeEntry{}
		changed = true
	}
	return rec, changed
}

// ValidateUsername checks the 2-20 trimmed character rule shared by
// SetupUsername and UpdateUsername. Uniqueness is intentionally not checked;
// two users may pick the same display name.
func ValidateUsername(name string) (string, error) {
	trimmed := strings.TrimSpace(name)
	if n := utf8.RuneCountInString(trimmed); n < 2 || n > 20 {
		return "", &ValidationError{Field: "username", Reason: "must be 2-20 characters"}
	}
	return trimmed, nil
}

// ValidateRoomID checks the 6-character uppercase alphanumeric room id form.
func ValidateRoomID(id string) (string, error) {
	trimmed := strings.ToUpper(strings.TrimSpace(id))
	if len(trimmed) != 6 {
		return "", &ValidationError{Field: "roomId", Reason: "must be 6 characters"}
	}
	for _, r := range trimmed {
		if (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return "", &ValidationError{Field: "roomId", Reason: "must be uppercase letters and digits"}
		}
	}
	return trimmed, nil
}
