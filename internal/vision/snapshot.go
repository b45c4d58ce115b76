// Package vision maintains the latest camera snapshot for a session and
// decides when it should be attached to a user turn.
//
// Inbound camera frames are throttled, re-encoded to a bounded JPEG, and
// stored in a single-slot latest-value cell. Raw frames never travel the
// rest of the pipeline.
package vision

import (
	"encoding/base64"
	"sync/atomic"
	"time"
)

// Default snapshot parameters.
const (
	DefaultMaxAge   = 5 * time.Second
	DefaultInterval = time.Second
)

// Snapshot is one stored camera still.
type Snapshot struct {
	// JPEG is the encoded image bytes.
	JPEG []byte

	// CapturedAt is when the source frame arrived.
	CapturedAt time.Time
}

// DataURL renders the snapshot as a base64 data URL for LLM attachment.
func (s *Snapshot) DataURL() string {
	return "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(s.JPEG)
}

// Store is a single-writer latest-value snapshot cell. The writer swaps the
// whole value so readers never observe a partial snapshot.
type Store struct {
	cur atomic.Pointer[Snapshot]
}

// Put replaces the stored snapshot.
func (s *Store) Put(snap *Snapshot) {
	s.cur.Store(snap)
}

// Latest returns the most recent snapshot, or nil if none has arrived.
func (s *Store) Latest() *Snapshot {
	return s.cur.Load()
}

// Fresh returns the latest snapshot only if it is younger than maxAge.
func (s *Store) Fresh(now time.Time, maxAge time.Duration) *Snapshot {
	snap := s.cur.Load()
	if snap == nil || now.Sub(snap.CapturedAt) > maxAge {
		return nil
	}
	return snap
}

// Throttle admits at most one frame per interval. Excess frames are dropped,
// never queued, so a fast camera cannot back up the pipeline.
type Throttle struct {
	interval time.Duration
	last     time.Time
}

// NewThrottle creates a Throttle. An interval of 0 or less uses
// DefaultInterval.
func NewThrottle(interval time.Duration) *Throttle {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Throttle{interval: interval}
}

// Admit reports whether a frame arriving at now should be processed. Not
// safe for concurrent use; the bridge stage calls it from one goroutine.
func (t *Throttle) Admit(now time.Time) bool {
	if !t.last.IsZero() && now.Sub(t.last) < t.interval {
		return false
	}
	t.last = now
	return true
}
