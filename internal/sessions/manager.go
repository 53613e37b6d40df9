package sessions

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/skin-check/internal/capture"
	"github.com/example/skin-check/internal/logging"
	"github.com/example/skin-check/internal/workflow"
)

// ErrNotFound is returned for unknown sessions and for sessions owned by
// another user.
var ErrNotFound = errors.New("session not found")

// Options configure the per-session capture pipeline and the idle sweep.
type Options struct {
	ValidationInterval time.Duration
	DetectTimeout      time.Duration
	FrameMaxAge        time.Duration
	IdleTTL            time.Duration
	SweepPeriod        time.Duration
}

// Session bundles a workflow controller with the frame slot feeding its
// validator.
type Session struct {
	ID         string
	UserID     string
	CreatedAt  time.Time
	Controller *workflow.Controller
	Frames     *capture.FrameSlot

	lastSeen atomic.Int64
}

func (s *Session) touch(at time.Time) {
	s.lastSeen.Store(at.UnixNano())
}

// idleSince is the later of the last request and the last workflow step.
func (s *Session) idleSince() time.Time {
	seen := time.Unix(0, s.lastSeen.Load())
	if active := s.Controller.LastActivity(); active.After(seen) {
		return active
	}
	return seen
}

// Manager is the in-memory registry of live sessions.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	base     workflow.Deps
	detector capture.Detector
	opts     Options
	logger   *zap.Logger
	now      func() time.Time
	newID    func() string
}

// NewManager builds a registry. base supplies the shared collaborators of
// every controller; its Validator is ignored and built per session.
func NewManager(base workflow.Deps, detector capture.Detector, opts Options, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.IdleTTL <= 0 {
		opts.IdleTTL = 15 * time.Minute
	}
	if opts.SweepPeriod <= 0 {
		opts.SweepPeriod = time.Minute
	}
	if base.Logger == nil {
		base.Logger = logger
	}
	return &Manager{
		sessions: make(map[string]*Session),
		base:     base,
		detector: detector,
		opts:     opts,
		logger:   logger.Named("sessions"),
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

// Create starts a new session for the user in the consent phase.
func (m *Manager) Create(userID string) *Session {
	id := m.newID()
	slot := capture.NewFrameSlot(m.opts.FrameMaxAge)

	deps := m.base
	deps.Validator = capture.NewValidator(slot, m.detector,
		capture.WithInterval(m.opts.ValidationInterval),
		capture.WithDetectTimeout(m.opts.DetectTimeout),
		capture.WithLogger(m.base.Logger),
	)
	if deps.Notifier == nil {
		deps.Notifier = m.logNotifier()
	}

	s := &Session{
		ID:         id,
		UserID:     userID,
		CreatedAt:  m.now(),
		Controller: workflow.New(id, userID, deps),
		Frames:     slot,
	}
	s.touch(s.CreatedAt)

	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()

	logging.WithOperation(m.logger, "create_session", id).Info("session created", zap.String("user_id", userID))
	return s
}

// Get returns the session when it exists and belongs to userID.
func (m *Manager) Get(userID, id string) (*Session, error) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok || s.UserID != userID {
		return nil, ErrNotFound
	}
	s.touch(m.now())
	return s, nil
}

// Delete closes and forgets the session.
func (m *Manager) Delete(userID, id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok || s.UserID != userID {
		m.mu.Unlock()
		return ErrNotFound
	}
	delete(m.sessions, id)
	m.mu.Unlock()

	s.Controller.Close()
	s.Frames.Clear()
	logging.WithOperation(m.logger, "delete_session", id).Info("session deleted")
	return nil
}

// PublishFrame replaces the latest live frame of the session.
func (m *Manager) PublishFrame(userID, id string, frame capture.Frame) error {
	s, err := m.Get(userID, id)
	if err != nil {
		return err
	}
	if frame.ReceivedAt.IsZero() {
		frame.ReceivedAt = m.now()
	}
	s.Frames.Publish(frame)
	return nil
}

// Len reports the number of live sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Start runs the idle sweep until ctx is cancelled.
func (m *Manager) Start(ctx context.Context) {
	ticker := time.NewTicker(m.opts.SweepPeriod)
	defer ticker.Stop()

	m.logger.Info("session sweep started", zap.Duration("idle_ttl", m.opts.IdleTTL), zap.Duration("period", m.opts.SweepPeriod))
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("session sweep stopped")
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}

// Sweep closes every session idle for longer than the TTL and returns how
// many were removed.
func (m *Manager) Sweep() int {
	cutoff := m.now().Add(-m.opts.IdleTTL)

	var expired []*Session
	m.mu.Lock()
	for id, s := range m.sessions {
		if s.idleSince().Before(cutoff) {
			expired = append(expired, s)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	for _, s := range expired {
		s.Controller.Close()
		s.Frames.Clear()
	}
	if len(expired) > 0 {
		m.logger.Info("expired idle sessions", zap.Int("count", len(expired)))
	}
	return len(expired)
}

// Shutdown closes every session.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	all := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range all {
		s.Controller.Close()
	}
}

func (m *Manager) logNotifier() workflow.Notifier {
	return workflow.NotifierFunc(func(n workflow.Notification) {
		logging.WithOperation(m.logger, "notify", n.SessionID).Warn(n.Message, zap.Error(n.Err))
	})
}
