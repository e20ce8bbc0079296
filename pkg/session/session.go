// Package session tracks per-user activity separate from the WebSocket
// connection itself.
//
// A session is started explicitly, touched on every interaction and ends
// either explicitly or through the periodic idle sweep. Expired sessions
// are announced to connected clients through the injected broadcaster.
package session

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	// DefaultTimeout is the idle threshold after which a session expires.
	DefaultTimeout = 30 * time.Minute

	// DefaultSweepInterval is how often the expiry sweep runs.
	DefaultSweepInterval = 60 * time.Second
)

// Info describes one user's session.
type Info struct {
	UserID       string    `json:"user_id"`
	StartTime    time.Time `json:"start_time"`
	LastActivity time.Time `json:"last_activity"`
	Active       bool      `json:"active"`
}

// Broadcaster delivers session events to connected clients.
type Broadcaster func(event map[string]any)

// Tracker maintains session state for all users.
type Tracker struct {
	mu       sync.Mutex
	sessions map[string]*Info

	timeout       time.Duration
	sweepInterval time.Duration
	now           func() time.Time
	broadcast     Broadcaster
}

// Option customizes a Tracker.
type Option func(*Tracker)

// WithTimeout overrides the idle threshold.
func WithTimeout(d time.Duration) Option {
	return func(t *Tracker) { t.timeout = d }
}

// WithSweepInterval overrides the sweep cadence.
func WithSweepInterval(d time.Duration) Option {
	return func(t *Tracker) { t.sweepInterval = d }
}

// WithNow overrides the clock, for tests.
func WithNow(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// NewTracker returns a Tracker that announces expirations via broadcast.
// A nil broadcaster disables announcements.
func NewTracker(broadcast Broadcaster, opts ...Option) *Tracker {
	t := &Tracker{
		sessions:      make(map[string]*Info),
		timeout:       DefaultTimeout,
		sweepInterval: DefaultSweepInterval,
		now:           time.Now,
		broadcast:     broadcast,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// SetBroadcaster wires the expiry announcer after construction. The
// gateway and tracker reference each other, so one side is attached late.
func (t *Tracker) SetBroadcaster(broadcast Broadcaster) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.broadcast = broadcast
}

// Start begins (or restarts) a session for the user.
func (t *Tracker) Start(userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	t.sessions[userID] = &Info{
		UserID:       userID,
		StartTime:    now,
		LastActivity: now,
		Active:       true,
	}
	slog.Info("Session started", "user_id", userID)
}

// End marks the user's session inactive. Ending an absent or already
// inactive session is a no-op.
func (t *Tracker) End(userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.sessions[userID]; ok && s.Active {
		s.Active = false
		slog.Info("Session ended", "user_id", userID)
	}
}

// Touch refreshes the activity timestamp of an active session. A touch on
// an inactive or absent session does nothing; in particular it must not
// re-activate the session.
func (t *Tracker) Touch(userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.sessions[userID]; ok && s.Active {
		s.LastActivity = t.now()
	}
}

// IsActive reports whether the user currently has an active session.
func (t *Tracker) IsActive(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[userID]
	return ok && s.Active
}

// List returns a snapshot of all known sessions.
func (t *Tracker) List() []Info {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Info, 0, len(t.sessions))
	for _, s := range t.sessions {
		out = append(out, *s)
	}
	return out
}

// SetTimeout changes the idle threshold.
func (t *Tracker) SetTimeout(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.timeout = d
}

// Run drives the periodic expiry sweep until the context is cancelled.
func (t *Tracker) Run(ctx context.Context) error {
	ticker := time.NewTicker(t.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			t.Sweep()
		}
	}
}

// Sweep expires every active session whose idle time has reached the
// timeout and broadcasts a session_expired event for each.
func (t *Tracker) Sweep() {
	var expired []string

	t.mu.Lock()
	now := t.now()
	for id, s := range t.sessions {
		if s.Active && now.Sub(s.LastActivity) >= t.timeout {
			s.Active = false
			expired = append(expired, id)
		}
	}
	broadcast := t.broadcast
	t.mu.Unlock()

	// Broadcast outside the lock; the gateway takes its own connection lock.
	for _, id := range expired {
		slog.Info("Session expired", "user_id", id)
		if broadcast != nil {
			broadcast(map[string]any{
				"type":      "session_expired",
				"user_id":   id,
				"timestamp": now.UTC().Format(time.RFC3339),
			})
		}
	}
}
