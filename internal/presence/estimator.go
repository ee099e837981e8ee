package presence

import (
	"sync"
	"time"

	"github.com/pvilela/chirp/internal/bus"
	"go.uber.org/zap"
)

// Classification is the result of classifying a user's presence for one call
// site. Typing is a transient display overlay; it never feeds back into the
// classified status.
type Classification struct {
	Status Status
	Label  string
	Typing bool
}

// Options tunes the estimator.
type Options struct {
	// DowngradeGrace is how long the online criteria must stay failed before
	// an online → non-online transition is committed. Upgrades to online are
	// always immediate.
	DowngradeGrace time.Duration
	// TypingExpiry bounds how long a typing flag survives without renewal.
	TypingExpiry time.Duration
}

// Estimator converts raw activity signals from ranked sources into a
// flicker-free tri-state presence classification. It exclusively owns its
// records; callers get value snapshots.
type Estimator struct {
	mu     sync.Mutex
	opts   Options
	bus    *bus.Bus
	logger *zap.Logger
	now    func() time.Time

	records map[string]*Record
	typing  map[string]time.Time // user id -> overlay expiry
}

// NewEstimator creates a presence estimator.
func NewEstimator(opts Options, b *bus.Bus, logger *zap.Logger) *Estimator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Estimator{
		opts:    opts,
		bus:     b,
		logger:  logger,
		now:     time.Now,
		records: make(map[string]*Record),
		typing:  make(map[string]time.Time),
	}
}

// SetClock overrides the estimator clock. Test hook.
func (e *Estimator) SetClock(now func() time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.now = now
}

// Observe folds an activity signal into the user's record, creating it on
// first sight. Only activity newer than a pending downgrade cancels it; a
// replayed stale snapshot must not keep re-arming the grace window.
func (e *Estimator) Observe(obs Observation) {
	if obs.UserID == "" {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	r, ok := e.records[obs.UserID]
	if !ok {
		r = &Record{UserID: obs.UserID, ClassifiedStatus: StatusOffline}
		e.records[obs.UserID] = r
	}
	*r = merge(*r, obs)
	if !r.downgradePendingSince.IsZero() && obs.SeenAt.After(r.downgradePendingSince) {
		r.downgradePendingSince = time.Time{}
	}
}

// Classify returns the presence classification for a user under the given
// online threshold. The threshold is per call site: the chat header and the
// contact list intentionally use different values.
//
// Source precedence: a live heartbeat within the threshold wins, then a
// polled/cached last-seen within the threshold (covers the gap between a
// disconnect and heartbeat expiry). Downgrades respect the committed
// hysteresis state so a transient heartbeat gap does not flicker.
func (e *Estimator) Classify(userID string, onlineThreshold time.Duration) Classification {
	e.mu.Lock()
	defer e.mu.Unlock()

	r, ok := e.records[userID]
	if !ok {
		return Classification{Status: StatusOffline, Typing: e.typingLocked(userID)}
	}

	now := e.now()
	c := Classification{Typing: e.typingLocked(userID)}

	if e.rawOnlineLocked(r, now, onlineThreshold) {
		c.Status = StatusOnline
		return c
	}

	// Anti-flicker: hold online through the grace window after signal loss.
	if r.ClassifiedStatus == StatusOnline && !e.graceElapsedLocked(r, now) {
		c.Status = StatusOnline
		return c
	}

	elapsed := now.Sub(r.LastSeenAt)
	c.Status = offlineBucket(elapsed)
	c.Label = ElapsedLabel(elapsed)
	return c
}

// Change is a committed presence transition.
type Change struct {
	UserID string
	From   Status
	To     Status
}

// Sweep commits classifications for every known record under the given
// threshold, applying hysteresis, and publishes a presence.changed event per
// transition. Idempotent: a sweep that finds nothing to change does nothing.
func (e *Estimator) Sweep(onlineThreshold time.Duration) []Change {
	e.mu.Lock()
	now := e.now()
	var changes []Change
	for _, r := range e.records {
		next := r.ClassifiedStatus
		if e.rawOnlineLocked(r, now, onlineThreshold) {
			// Upgrades apply immediately; a false-positive online is
			// preferred over a false-negative.
			next = StatusOnline
			r.downgradePendingSince = time.Time{}
		} else if r.ClassifiedStatus == StatusOnline {
			if r.downgradePendingSince.IsZero() {
				r.downgradePendingSince = now
			}
			if e.graceElapsedLocked(r, now) {
				next = offlineBucket(now.Sub(r.LastSeenAt))
			}
		} else {
			next = offlineBucket(now.Sub(r.LastSeenAt))
		}
		if next != r.ClassifiedStatus {
			changes = append(changes, Change{UserID: r.UserID, From: r.ClassifiedStatus, To: next})
			r.ClassifiedStatus = next
		}
	}
	e.mu.Unlock()

	for _, ch := range changes {
		e.logger.Debug("presence transition",
			zap.String("user_id", ch.UserID),
			zap.String("from", string(ch.From)),
			zap.String("to", string(ch.To)))
		if e.bus != nil {
			e.bus.Publish(bus.Now(bus.KindPresenceChanged, ch))
		}
	}
	return changes
}

// SetTyping sets or clears the typing overlay for a user. The overlay
// auto-expires after the configured inactivity timeout.
func (e *Estimator) SetTyping(userID string, typing bool) {
	e.mu.Lock()
	if typing {
		e.typing[userID] = e.now().Add(e.opts.TypingExpiry)
	} else {
		delete(e.typing, userID)
	}
	e.mu.Unlock()

	if e.bus != nil {
		e.bus.Publish(bus.Now(bus.KindTypingChanged, map[string]any{
			"user_id": userID,
			"typing":  typing,
		}))
	}
}

// Snapshot returns a copy of the user's record, if one exists.
func (e *Estimator) Snapshot(userID string) (Record, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.records[userID]
	if !ok {
		return Record{}, false
	}
	return *r, true
}

func (e *Estimator) typingLocked(userID string) bool {
	exp, ok := e.typing[userID]
	if !ok {
		return false
	}
	if e.now().After(exp) {
		delete(e.typing, userID)
		return false
	}
	return true
}

func (e *Estimator) rawOnlineLocked(r *Record, now time.Time, threshold time.Duration) bool {
	if !r.LastHeartbeatAt.IsZero() && now.Sub(r.LastHeartbeatAt) < threshold {
		return true
	}
	if !r.LastSeenAt.IsZero() && now.Sub(r.LastSeenAt) < threshold {
		return true
	}
	return false
}

func (e *Estimator) graceElapsedLocked(r *Record, now time.Time) bool {
	anchor := r.downgradePendingSince
	if anchor.IsZero() {
		// No sweep has noticed the loss yet; measure from the last heartbeat.
		anchor = r.LastHeartbeatAt
	}
	if anchor.IsZero() {
		return true
	}
	return now.Sub(anchor) >= e.opts.DowngradeGrace
}

// offlineBucket splits non-online into away (seen within the last hour) and
// offline.
func offlineBucket(elapsed time.Duration) Status {
	if elapsed < time.Hour {
		return StatusAway
	}
	return StatusOffline
}
