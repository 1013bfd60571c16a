package terminal

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/agentdeck/backend/internal/logging"
	"github.com/agentdeck/backend/internal/shared/id"
)

var (
	// ErrNotFound is returned for operations on a session id that is not
	// (or no longer) in the registry.
	ErrNotFound = errors.New("terminal session not found")
	// ErrTooManySessions is returned when the configured session cap is hit.
	ErrTooManySessions = errors.New("too many terminal sessions")
)

// Session is one live terminal session: an id plus the Process it owns.
type Session struct {
	ID         string
	Shell      string
	WorkingDir string
	StartedAt  time.Time

	proc *Process

	// attached marks the one stream allowed to drain the session's
	// events. A session's event channel has a single consumer.
	attached atomic.Bool

	mu   sync.Mutex
	cols int
	rows int
}

// Attach claims the session's event stream. Returns false when another
// stream already holds it.
func (s *Session) Attach() bool {
	return s.attached.CompareAndSwap(false, true)
}

// Detach releases the claim taken by Attach.
func (s *Session) Detach() {
	s.attached.Store(false)
}

// Process exposes the session's underlying process adapter for the stream
// handler's receive loop.
func (s *Session) Process() *Process {
	return s.proc
}

// Size returns the current terminal dimensions.
func (s *Session) Size() (cols, rows int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cols, s.rows
}

// Info is the externally visible snapshot of a session.
type Info struct {
	ID         string    `json:"sessionId"`
	Shell      string    `json:"shell"`
	WorkingDir string    `json:"cwd"`
	Cols       int       `json:"cols"`
	Rows       int       `json:"rows"`
	StartedAt  time.Time `json:"startedAt"`
}

// Registry is the process-wide table of live terminal sessions. It is the
// sole owner of Process instances: sessions enter through Create and leave
// exactly once, whether by process exit, explicit Close, or stream teardown.
type Registry struct {
	log          *logging.Logger
	defaultShell string
	maxSessions  int

	mu       sync.Mutex
	sessions map[string]*Session

	// onRemove is invoked after a session leaves the table. Used for
	// metrics; nil is fine.
	onRemove func()
}

// RegistryOptions configures a Registry.
type RegistryOptions struct {
	// DefaultShell overrides $SHELL for sessions created without a command.
	DefaultShell string
	// MaxSessions caps concurrently live sessions. Zero means no cap.
	MaxSessions int
	// OnRemove, when set, runs after every session removal.
	OnRemove func()
}

// NewRegistry creates an empty session registry.
func NewRegistry(log *logging.Logger, opts RegistryOptions) *Registry {
	if log == nil {
		log = logging.NewNop()
	}
	return &Registry{
		log:          log,
		defaultShell: opts.DefaultShell,
		maxSessions:  opts.MaxSessions,
		sessions:     make(map[string]*Session),
		onRemove:     opts.OnRemove,
	}
}

// Create spawns a new shell process and registers it under a fresh id.
// Process exit auto-removes the session so a dead id never lingers.
func (r *Registry) Create(opts SpawnOptions) (*Session, error) {
	r.mu.Lock()
	if r.maxSessions > 0 && len(r.sessions) >= r.maxSessions {
		r.mu.Unlock()
		return nil, ErrTooManySessions
	}
	r.mu.Unlock()

	if opts.Command == "" {
		opts.Command = r.defaultShell
	}
	opts.Cols, opts.Rows = ClampSize(opts.Cols, opts.Rows)

	proc, err := Spawn(opts)
	if err != nil {
		return nil, err
	}

	sess := &Session{
		ID:         id.NewTerminalID().String(),
		Shell:      proc.cmd.Path,
		WorkingDir: proc.cmd.Dir,
		StartedAt:  time.Now(),
		proc:       proc,
		cols:       opts.Cols,
		rows:       opts.Rows,
	}

	r.mu.Lock()
	// Re-check the cap: concurrent Creates all pass the early check
	// before any of them inserts.
	if r.maxSessions > 0 && len(r.sessions) >= r.maxSessions {
		r.mu.Unlock()
		proc.Close()
		return nil, ErrTooManySessions
	}
	r.sessions[sess.ID] = sess
	count := len(r.sessions)
	r.mu.Unlock()

	r.log.Info("terminal session created",
		zap.String("session_id", sess.ID),
		zap.String("shell", sess.Shell),
		zap.Int("live_sessions", count),
	)

	go func() {
		<-proc.Exited()
		r.remove(sess.ID)
	}()

	return sess, nil
}

// Get returns the session for id, or false when absent.
func (r *Registry) Get(sessionID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[sessionID]
	return sess, ok
}

// Write forwards input bytes to the session's process.
func (r *Registry) Write(sessionID string, data []byte) error {
	sess, ok := r.Get(sessionID)
	if !ok {
		return ErrNotFound
	}
	sess.proc.Write(data)
	return nil
}

// Resize clamps the requested dimensions into bounds and applies them.
func (r *Registry) Resize(sessionID string, cols, rows int) error {
	sess, ok := r.Get(sessionID)
	if !ok {
		return ErrNotFound
	}
	cols, rows = Clamp(cols, rows)
	sess.mu.Lock()
	sess.cols = cols
	sess.rows = rows
	sess.mu.Unlock()
	sess.proc.Resize(cols, rows)
	return nil
}

// Close terminates the session's process and removes it from the registry.
// No-op when the id is absent; safe against concurrent exit teardown.
func (r *Registry) Close(sessionID string) {
	sess, ok := r.Get(sessionID)
	if !ok {
		return
	}
	sess.proc.Close()
	r.remove(sessionID)
}

// CloseAll terminates every live session. Used for server shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	ids := make([]string, 0, len(r.sessions))
	for sid := range r.sessions {
		ids = append(ids, sid)
	}
	r.mu.Unlock()
	for _, sid := range ids {
		r.Close(sid)
	}
}

// List returns snapshots of all live sessions.
func (r *Registry) List() []Info {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		sessions = append(sessions, sess)
	}
	r.mu.Unlock()

	infos := make([]Info, 0, len(sessions))
	for _, sess := range sessions {
		cols, rows := sess.Size()
		infos = append(infos, Info{
			ID:         sess.ID,
			Shell:      sess.Shell,
			WorkingDir: sess.WorkingDir,
			Cols:       cols,
			Rows:       rows,
			StartedAt:  sess.StartedAt,
		})
	}
	return infos
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func (r *Registry) remove(sessionID string) {
	r.mu.Lock()
	_, present := r.sessions[sessionID]
	delete(r.sessions, sessionID)
	count := len(r.sessions)
	r.mu.Unlock()

	if !present {
		return
	}
	if r.onRemove != nil {
		r.onRemove()
	}
	r.log.Info("terminal session removed",
		zap.String("session_id", sessionID),
		zap.Int("live_sessions", count),
	)
}
