package store

import (
	"errors"
	"time"
)

// ErrUnavailable reports that the backing storage cannot be read or written.
// The triggering request fails; previously persisted state stays intact.
var ErrUnavailable = errors.New("store unavailable")

// Privacy modes for a user's wish list.
const (
	PrivacyPublic  = "public"
	PrivacyPrivate = "private"
)

// Config configures the record store.
//
// Driver values:
//   - "file": single JSON document, atomic tmp+rename writes
//   - "sqlite": SQLite database keyed by record family and id
//
// If Driver is empty, "file" is used.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// User is one registered user record. Created on first contact, updated in
// place thereafter, never deleted.
type User struct {
	Name     string    `json:"name"`
	Username string    `json:"username,omitempty"`
	Wishes   []Wish    `json:"wishes"`
	Privacy  string    `json:"privacy"`
	JoinedAt time.Time `json:"joined_at"`
}

// Wish is a single wish item owned by exactly one user.
type Wish struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	URL         string `json:"url,omitempty"`
	Price       string `json:"price,omitempty"`
	Currency    string `json:"currency,omitempty"`
	Description string `json:"description,omitempty"`
	Photo       string `json:"photo,omitempty"`
	Reserved    bool   `json:"reserved"`
	ReservedBy  int64  `json:"reserved_by,omitempty"`
}

// Group is one gift-exchange group. The admin is always a participant.
// Shuffled flips to true exactly once; Assignments maps giver to receiver.
type Group struct {
	Name         string          `json:"name"`
	AdminID      int64           `json:"admin_id"`
	Participants []int64         `json:"participants"`
	Budget       string          `json:"budget,omitempty"`
	Date         string          `json:"date,omitempty"`
	Shuffled     bool            `json:"shuffled"`
	Assignments  map[int64]int64 `json:"assignments,omitempty"`
}

// HasParticipant reports whether id is already in the participant set.
func (g *Group) HasParticipant(id int64) bool {
	for _, p := range g.Participants {
		if p == id {
			return true
		}
	}
	return false
}

// Referral records who brought a user in. First-touch attribution: at most
// one record per referred user.
type Referral struct {
	ReferrerID    int64     `json:"referrer_id"`
	RewardGranted bool      `json:"reward_granted"`
	At            time.Time `json:"at"`
}

// Snapshot is the full persisted document at one point in time.
// Maps with int64 keys marshal as decimal string keys, which matches the
// existing document layout.
type Snapshot struct {
	Users     map[int64]User     `json:"users"`
	Groups    map[string]Group   `json:"groups"`
	Referrals map[int64]Referral `json:"referrals"`
}

// NewSnapshot returns an empty snapshot with all families allocated.
func NewSnapshot() *Snapshot {
	return &Snapshot{
		Users:     map[int64]User{},
		Groups:    map[string]Group{},
		Referrals: map[int64]Referral{},
	}
}

// normalize allocates any nil family so callers can mutate without nil checks.
func (s *Snapshot) normalize() {
	if s.Users == nil {
		s.Users = map[int64]User{}
	}
	if s.Groups == nil {
		s.Groups = map[string]Group{}
	}
	if s.Referrals == nil {
		s.Referrals = map[int64]Referral{}
	}
}
