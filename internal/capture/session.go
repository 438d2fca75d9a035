// Package capture owns speech input: a self-healing recognition session over
// a streaming recognizer, and a recorder path with amplitude-based silence
// detection for environments without streaming recognition.
package capture

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

// Recognition error classes. Transient classes schedule a restart; not-allowed
// is terminal.
var (
	ErrUnsupported = errors.New("capture: no recognizer available")
	ErrNoSpeech    = errors.New("capture: no speech detected")
	ErrAborted     = errors.New("capture: recognition aborted")
	ErrNetwork     = errors.New("capture: recognition network failure")
	ErrNotAllowed  = errors.New("capture: microphone permission denied")
)

// Result is one recognized chunk. Final chunks accumulate; interim chunks
// replace each other wholesale.
type Result struct {
	Text  string
	Final bool
}

// Run is one live recognition stream. Results closes when the run ends; End
// then delivers the terminal error, or nil for a clean end.
type Run interface {
	Results() <-chan Result
	End() <-chan error
	Stop()
}

// Recognizer opens recognition runs. The production recognizer relays browser
// speech events through the session transport.
type Recognizer interface {
	Start(ctx context.Context) (Run, error)
}

// State of the capture session.
type State int

const (
	StateIdle State = iota
	StateStarting
	StateListening
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateListening:
		return "listening"
	case StateStopped:
		return "stopped"
	default:
		return "idle"
	}
}

const (
	restartBase    = 400 * time.Millisecond
	restartCeiling = 1500 * time.Millisecond
)

// Session accumulates a dictated transcript across recognizer runs, restarting
// transient failures with backoff. Every timer and run callback is stamped
// with the run id active when it was scheduled and ignored once the id moves.
type Session struct {
	rec     Recognizer
	base    time.Duration
	ceiling time.Duration

	mu        sync.Mutex
	state     State
	active    bool
	runID     uint64
	attempts  int
	finalText strings.Builder
	interim   string
	timer     *time.Timer
	run       Run
	onState   func(State)
	onFatal   func(error)
}

func NewSession(rec Recognizer) *Session {
	return &Session{rec: rec, base: restartBase, ceiling: restartCeiling}
}

// OnState registers the state observer, called outside the session lock.
func (s *Session) OnState(fn func(State)) {
	s.mu.Lock()
	s.onState = fn
	s.mu.Unlock()
}

// OnFatal registers the terminal-error observer.
func (s *Session) OnFatal(fn func(error)) {
	s.mu.Lock()
	s.onFatal = fn
	s.mu.Unlock()
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Transcript returns the current final+interim concatenation without stopping.
func (s *Session) Transcript() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.combinedLocked()
}

func (s *Session) combinedLocked() string {
	return strings.TrimSpace(s.finalText.String() + s.interim)
}

// Start begins capturing. Buffers reset; a session already active is a no-op.
func (s *Session) Start(ctx context.Context) error {
	if s.rec == nil {
		return ErrUnsupported
	}
	s.mu.Lock()
	if s.active {
		s.mu.Unlock()
		return nil
	}
	s.active = true
	s.attempts = 0
	s.finalText.Reset()
	s.interim = ""
	s.mu.Unlock()
	return s.startRun(ctx)
}

func (s *Session) startRun(ctx context.Context) error {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return nil
	}
	s.runID++
	id := s.runID
	s.setStateLocked(StateStarting)
	s.mu.Unlock()

	run, err := s.rec.Start(ctx)
	if err != nil {
		if errors.Is(err, ErrNotAllowed) {
			s.fatal(id, err)
			return err
		}
		s.scheduleRestart(ctx, id)
		return nil
	}

	s.mu.Lock()
	if !s.active || s.runID != id {
		s.mu.Unlock()
		run.Stop()
		return nil
	}
	s.run = run
	s.attempts = 0
	s.setStateLocked(StateListening)
	s.mu.Unlock()

	go s.consume(ctx, id, run)
	return nil
}

func (s *Session) consume(ctx context.Context, id uint64, run Run) {
	for res := range run.Results() {
		s.mu.Lock()
		if s.runID != id || !s.active {
			s.mu.Unlock()
			return
		}
		if res.Final {
			if strings.TrimSpace(res.Text) != "" {
				s.finalText.WriteString(res.Text)
				s.finalText.WriteString(" ")
			}
			s.interim = ""
			s.attempts = 0
		} else {
			s.interim = res.Text
		}
		s.mu.Unlock()
	}

	err := <-run.End()
	s.mu.Lock()
	if s.runID != id || !s.active {
		s.mu.Unlock()
		return
	}
	s.run = nil
	s.mu.Unlock()

	if errors.Is(err, ErrNotAllowed) {
		s.fatal(id, err)
		return
	}
	// Clean ends and transient errors both restart while the session wants
	// to keep listening.
	s.scheduleRestart(ctx, id)
}

// scheduleRestart arms the backoff timer for the next run. Delay grows with
// the attempt count and is capped at the ceiling.
func (s *Session) scheduleRestart(ctx context.Context, id uint64) {
	s.mu.Lock()
	if !s.active || s.runID != id {
		s.mu.Unlock()
		return
	}
	s.attempts++
	delay := restartDelay(s.attempts, s.base, s.ceiling)
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		stale := !s.active || s.runID != id
		s.mu.Unlock()
		if stale {
			return
		}
		_ = s.startRun(ctx)
	})
	s.mu.Unlock()
}

func restartDelay(attempts int, base, ceiling time.Duration) time.Duration {
	d := time.Duration(attempts) * base
	if d > ceiling {
		d = ceiling
	}
	return d
}

func (s *Session) fatal(id uint64, err error) {
	s.mu.Lock()
	if s.runID != id {
		s.mu.Unlock()
		return
	}
	s.active = false
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.setStateLocked(StateStopped)
	fn := s.onFatal
	s.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

// Stop ends capture and returns the combined transcript. The interim buffer
// is included in case recognition ended before finalizing. Idempotent.
func (s *Session) Stop() string {
	s.mu.Lock()
	s.active = false
	s.runID++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	run := s.run
	s.run = nil
	s.setStateLocked(StateStopped)
	out := s.combinedLocked()
	s.mu.Unlock()
	if run != nil {
		run.Stop()
	}
	return out
}

// setStateLocked updates state and fires the observer from a goroutine so the
// lock is never held across the callback.
func (s *Session) setStateLocked(st State) {
	if s.state == st {
		return
	}
	s.state = st
	if fn := s.onState; fn != nil {
		go fn(st)
	}
}
