package token

import (
	"time"

	"github.com/google/uuid"
)

// UsageLogLimit bounds how many redemption timestamps a record retains.
// Older entries are dropped first; the log exists only for velocity analysis.
const UsageLogLimit = 32

// Level identifies the DICOM hierarchy level a resource descriptor points at.
type Level string

const (
	LevelStudy    Level = "study"
	LevelSeries   Level = "series"
	LevelInstance Level = "instance"
)

// Resource identifies a single imaging resource covered by a token. Either
// identifier may be empty; access checks match on whichever is present.
type Resource struct {
	Level     Level  `json:"level"`
	DicomUID  string `json:"dicom_uid"`
	OrthancID string `json:"orthanc_id,omitempty"`
}

// Token is a capability record granting time- and use-bounded access to a
// fixed set of imaging resources. All fields except CurrentUses, UsageLog,
// Revoked, and ExpiredAt are immutable after issuance.
type Token struct {
	ID          uuid.UUID
	Type        string
	Resources   []Resource
	CreatedAt   time.Time
	ExpiresAt   time.Time
	MaxUses     int
	CurrentUses int
	UsageLog    []time.Time
	Revoked     bool
	ExpiredAt   *time.Time

	// Version backs the store's optimistic concurrency control. It is
	// maintained by the store and never exposed on the wire.
	Version uint64
}

// RecordUse appends a redemption timestamp and bumps the usage counter.
// Callers must have already checked validity; RecordUse does not enforce
// the quota itself.
func (t *Token) RecordUse(now time.Time) {
	t.CurrentUses++
	t.UsageLog = append(t.UsageLog, now)
	if len(t.UsageLog) > UsageLogLimit {
		t.UsageLog = t.UsageLog[len(t.UsageLog)-UsageLogLimit:]
	}
}

// StampExpired records the first observed transition out of the active
// state. Subsequent calls are no-ops so the timestamp never moves.
func (t *Token) StampExpired(now time.Time) {
	if t.ExpiredAt != nil {
		return
	}
	ts := now
	t.ExpiredAt = &ts
}

// Clone returns a deep copy so store implementations can hand out records
// without aliasing their internal state.
func (t Token) Clone() Token {
	out := t
	out.Resources = append([]Resource(nil), t.Resources...)
	out.UsageLog = append([]time.Time(nil), t.UsageLog...)
	if t.ExpiredAt != nil {
		ts := *t.ExpiredAt
		out.ExpiredAt = &ts
	}
	return out
}
