package db

import (
	"time"
)

// State is a user's position in the matchmaking lifecycle. Every
// transition between states goes through the state machine; no other
// component writes this column.
type State string

const (
	StateIdle           State = "idle"
	StateQueueing       State = "queueing"
	StatePaired         State = "paired"
	StateVoting         State = "voting"
	StateInSession      State = "in_session"
	StateEnded          State = "ended"
	StateReconnectGrace State = "reconnect_grace"
	StateOffline        State = "offline"
)

// MatchStatus is the lifecycle of a Match row. pending = reveal phase,
// matched = vote phase or later, ended = terminal.
type MatchStatus string

const (
	MatchPending MatchStatus = "pending"
	MatchMatched MatchStatus = "matched"
	MatchEnded   MatchStatus = "ended"
)

// VoteType is a user's verdict on a match partner.
type VoteType string

const (
	VoteYes  VoteType = "yes"
	VotePass VoteType = "pass"
)

// User table
type User struct {
	ID           uint64 `gorm:"primaryKey;autoIncrement"`
	Username     string `gorm:"uniqueIndex;size:64;not null"`
	Email        string `gorm:"uniqueIndex;size:128;not null"`
	PasswordHash string `gorm:"size:255;not null"`
	Active       bool   `gorm:"default:true"`
	Gender       string `gorm:"size:16;not null;index"`
	Age          int    `gorm:"not null"`
	Lat          float64
	Lng          float64
	CreatedAt    time.Time `gorm:"autoCreateTime"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime"`
}

// UserMatchState is the per-user lifecycle record owned exclusively by
// the state machine. Other components read it; only the state machine
// (and the fairness scorer, for the score columns) write it.
//
// Fields:
//   - State: current lifecycle state.
//   - FairnessScore: queue priority, written only by the fairness scorer.
//   - SkipCount: times this user's partner passed or idled out on them.
//   - JoinedAt: when the user entered the queue (reset on respin).
//   - LastScoredAt: throttle marker for fairness recomputes.
//   - DisconnectedAt: set while the user is in the reconnection grace window.
type UserMatchState struct {
	UserID         uint64  `gorm:"primaryKey"`
	State          State   `gorm:"size:24;not null;index"`
	FairnessScore  float64 `gorm:"not null;default:0"`
	SkipCount      int     `gorm:"not null;default:0"`
	JoinedAt       time.Time
	LastScoredAt   time.Time
	DisconnectedAt *time.Time
	UpdatedAt      time.Time `gorm:"autoUpdateTime"`
}

// Preference holds a user's matching criteria. Mutated only by the
// preference expansion manager (and the initial join upsert). When
// Expanded is set, the Orig* columns hold the user's real bounds and
// MinAge/MaxAge/MaxDistanceKm hold the widened ones.
type Preference struct {
	UserID            uint64 `gorm:"primaryKey"`
	MinAge            int    `gorm:"not null"`
	MaxAge            int    `gorm:"not null"`
	MaxDistanceKm     int    `gorm:"not null"`
	Expanded          bool   `gorm:"not null;default:false"`
	ExpandCount       int    `gorm:"not null;default:0"`
	ExpandedUntil     *time.Time
	OrigMinAge        int
	OrigMaxAge        int
	OrigMaxDistanceKm int
	UpdatedAt         time.Time `gorm:"autoUpdateTime"`
}

// QueueEntry records queue membership. Created and deleted only by the
// queue manager; the matching engine consumes it.
type QueueEntry struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement"`
	UserID    uint64    `gorm:"uniqueIndex;not null"`
	JoinedAt  time.Time `gorm:"not null;index"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
}

// Match pairs two users. At most one non-ended match may exist per user
// at any time; the pairing transaction enforces this under the per-user
// locks.
type Match struct {
	ID                  string      `gorm:"primaryKey;size:36"`
	User1ID             uint64      `gorm:"not null;index:idx_match_user1_status,priority:1"`
	User2ID             uint64      `gorm:"not null;index:idx_match_user2_status,priority:1"`
	Status              MatchStatus `gorm:"size:16;not null;index:idx_match_user1_status,priority:2;index:idx_match_user2_status,priority:2"`
	Tier                string      `gorm:"size:16;not null"`
	CreatedAt           time.Time   `gorm:"autoCreateTime;index"`
	VoteWindowExpiresAt *time.Time  `gorm:"index"`
}

// HasUser reports whether the given user participates in the match.
func (m *Match) HasUser(userID uint64) bool {
	return m.User1ID == userID || m.User2ID == userID
}

// PartnerOf returns the other participant's id.
func (m *Match) PartnerOf(userID uint64) uint64 {
	if m.User1ID == userID {
		return m.User2ID
	}
	return m.User1ID
}

// MatchReveal is the reveal join table. The composite primary key makes
// "append once" atomic: a concurrent duplicate insert conflicts instead
// of silently doubling up.
type MatchReveal struct {
	MatchID   string    `gorm:"primaryKey;size:36"`
	UserID    uint64    `gorm:"primaryKey"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
}

// Vote is one user's verdict on a match.
//
// Composite PK: (MatchID, UserID)
//   - A user casts at most one vote per match; a repeat submit
//     overwrites rather than duplicates (idempotent upsert).
type Vote struct {
	MatchID   string    `gorm:"primaryKey;size:36"`
	UserID    uint64    `gorm:"primaryKey"`
	VoteType  VoteType  `gorm:"size:8;not null"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

// MatchHistory records that an unordered pair of users was matched, for
// the re-pairing cooldown. UserLowID < UserHighID always.
type MatchHistory struct {
	ID         uint64    `gorm:"primaryKey;autoIncrement"`
	UserLowID  uint64    `gorm:"not null;index:idx_history_pair,priority:1"`
	UserHighID uint64    `gorm:"not null;index:idx_history_pair,priority:2"`
	MatchID    string    `gorm:"size:36;not null"`
	CreatedAt  time.Time `gorm:"autoCreateTime;index:idx_history_pair,priority:3"`
}

// MutualYesPair marks two users who both voted yes on each other.
// Permanent exclusion from future pairing, in every tier.
// UserLowID < UserHighID always.
type MutualYesPair struct {
	UserLowID  uint64    `gorm:"primaryKey"`
	UserHighID uint64    `gorm:"primaryKey"`
	MatchID    string    `gorm:"size:36;not null"`
	CreatedAt  time.Time `gorm:"autoCreateTime"`
}

// Block excludes a pair from matching in either direction.
type Block struct {
	BlockerID uint64    `gorm:"primaryKey"`
	BlockedID uint64    `gorm:"primaryKey"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
}

// AuditEvent is the append-only log of state transitions and fairness
// boosts, consumed only by external observability tooling.
type AuditEvent struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement"`
	UserID    uint64    `gorm:"not null;index"`
	Event     string    `gorm:"size:48;not null"`
	Before    string    `gorm:"size:48"`
	After     string    `gorm:"size:48"`
	Detail    string    `gorm:"size:255"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
}

// NormalizePair orders two user ids ascending for the unordered-pair
// tables (MatchHistory, MutualYesPair).
func NormalizePair(a, b uint64) (low, high uint64) {
	if a < b {
		return a, b
	}
	return b, a
}
