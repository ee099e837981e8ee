package presence

import (
	"fmt"
	"time"
)

// Status is the tri-state presence classification.
type Status string

const (
	StatusOnline  Status = "online"
	StatusAway    Status = "away"
	StatusOffline Status = "offline"
)

// Source identifies where a presence observation came from. Sources are
// ranked: a live heartbeat beats a poll result, which beats a cached snapshot.
type Source string

const (
	SourceHeartbeat Source = "heartbeat"
	SourcePolled    Source = "polled"
	SourceCached    Source = "cached"
)

var sourceRank = map[Source]int{
	SourceCached:    0,
	SourcePolled:    1,
	SourceHeartbeat: 2,
}

// Rank returns the source priority; unknown sources rank lowest.
func (s Source) Rank() int {
	return sourceRank[s]
}

// Observation is a raw activity signal for a user from one source.
type Observation struct {
	UserID string
	Source Source
	SeenAt time.Time
}

// Record is the estimator's per-user state. Created on first observation,
// never deleted while any conversation still references the user; it only
// soft-expires to offline.
type Record struct {
	UserID           string
	ClassifiedStatus Status
	LastSeenAt       time.Time
	LastHeartbeatAt  time.Time
	Source           Source

	// downgradePendingSince is set when the online criteria first failed
	// while the committed status was still online. Zero when no downgrade is
	// pending.
	downgradePendingSince time.Time
}

// merge folds an observation into a record under ranked-source precedence.
// Heartbeats update the heartbeat clock; every source may advance LastSeenAt.
// The recorded Source only moves to a lower-ranked source when that source
// carries strictly newer information.
func merge(r Record, obs Observation) Record {
	if obs.Source == SourceHeartbeat && obs.SeenAt.After(r.LastHeartbeatAt) {
		r.LastHeartbeatAt = obs.SeenAt
	}
	newer := obs.SeenAt.After(r.LastSeenAt)
	if newer {
		r.LastSeenAt = obs.SeenAt
	}
	if obs.Source.Rank() >= r.Source.Rank() || newer {
		r.Source = obs.Source
	}
	return r
}

// ElapsedLabel renders a human-readable elapsed time bucketed as minutes
// (under an hour), hours (under a day), then days.
func ElapsedLabel(elapsed time.Duration) string {
	if elapsed < 0 {
		elapsed = 0
	}
	mins := int(elapsed.Minutes())
	switch {
	case mins < 60:
		if mins < 1 {
			mins = 1
		}
		return fmt.Sprintf("%dm", mins)
	case mins < 1440:
		return fmt.Sprintf("%dh", mins/60)
	default:
		return fmt.Sprintf("%dd", mins/1440)
	}
}
