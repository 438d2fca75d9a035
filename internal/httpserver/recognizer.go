package httpserver

import (
	"context"
	"sync"

	"github.com/majemaai/tutorlink/internal/capture"
)

// wsRecognizer relays the browser's speech recognition through the session:
// a start command goes out, result/end events come back and feed the active
// run. One run is live at a time; the capture session's run ids make stale
// events harmless.
type wsRecognizer struct {
	session *Session

	mu  sync.Mutex
	run *wsRun
}

func newWSRecognizer(s *Session) *wsRecognizer {
	return &wsRecognizer{session: s}
}

func (r *wsRecognizer) Start(ctx context.Context) (capture.Run, error) {
	r.mu.Lock()
	if r.run != nil {
		r.run.close(nil)
	}
	run := newWSRun(r)
	r.run = run
	r.mu.Unlock()

	r.session.send(envelope{Type: "recognizer_start"})
	return run, nil
}

func (r *wsRecognizer) result(res capture.Result) {
	r.mu.Lock()
	run := r.run
	r.mu.Unlock()
	if run != nil {
		run.deliver(res)
	}
}

func (r *wsRecognizer) end(err error) {
	r.mu.Lock()
	run := r.run
	r.run = nil
	r.mu.Unlock()
	if run != nil {
		run.close(err)
	}
}

type wsRun struct {
	rec     *wsRecognizer
	results chan capture.Result
	end     chan error
	once    sync.Once
}

func newWSRun(rec *wsRecognizer) *wsRun {
	return &wsRun{rec: rec, results: make(chan capture.Result, 16), end: make(chan error, 1)}
}

func (w *wsRun) Results() <-chan capture.Result { return w.results }
func (w *wsRun) End() <-chan error              { return w.end }

func (w *wsRun) Stop() {
	w.rec.session.send(envelope{Type: "recognizer_stop"})
	w.close(nil)
}

func (w *wsRun) deliver(res capture.Result) {
	select {
	case w.results <- res:
	default:
	}
}

func (w *wsRun) close(err error) {
	w.once.Do(func() {
		close(w.results)
		w.end <- err
	})
}
