// Package suggest drives the question-suggestion dropdown: debounced query
// handling, substring filtering over the cached question list, and grounded
// follow-up fetching for empty queries. Visibility follows click provenance;
// focus alone never opens the dropdown.
package suggest

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/majemaai/tutorlink/internal/backend"
	"github.com/majemaai/tutorlink/internal/conversation"
)

const (
	debounceDelay = 300 * time.Millisecond
	blurGrace     = 180 * time.Millisecond
	maxResults    = 5
)

// Fetcher loads suggestion lists from the backend. Satisfied by the backend
// client.
type Fetcher interface {
	SuggestFollowups(ctx context.Context, grade backend.Grade, lastQuestion, lastAnswer string, n int, sourceIDs []string) ([]string, error)
	GenerateQuestions(ctx context.Context, grade backend.Grade, n int, topic string) ([]string, error)
}

// TurnSource exposes the last completed exchange. Satisfied by the
// conversation controller.
type TurnSource interface {
	LastTurn() conversation.Turn
}

// Snapshot is the externally visible dropdown state.
type Snapshot struct {
	Visible bool
	Items   []string
}

// Debouncer owns the dropdown state machine. All timer callbacks carry the
// generation they were scheduled under and are dropped once it moves on.
type Debouncer struct {
	fetcher Fetcher
	turns   TurnSource
	delay   time.Duration
	grace   time.Duration

	mu        sync.Mutex
	visible   bool
	catalog   []string
	items     []string
	lastQuery string
	hasQuery  bool
	gen       uint64
	timer     *time.Timer
	blurTimer *time.Timer
	onUpdate  func(Snapshot)
}

func NewDebouncer(fetcher Fetcher, turns TurnSource) *Debouncer {
	return &Debouncer{fetcher: fetcher, turns: turns, delay: debounceDelay, grace: blurGrace}
}

// OnUpdate registers the dropdown observer, invoked outside the lock.
func (d *Debouncer) OnUpdate(fn func(Snapshot)) {
	d.mu.Lock()
	d.onUpdate = fn
	d.mu.Unlock()
}

// SetCatalog replaces the locally cached question list used for substring
// filtering.
func (d *Debouncer) SetCatalog(questions []string) {
	d.mu.Lock()
	d.catalog = append([]string(nil), questions...)
	d.mu.Unlock()
}

// State returns the current dropdown snapshot.
func (d *Debouncer) State() Snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.snapshotLocked()
}

func (d *Debouncer) snapshotLocked() Snapshot {
	items := make([]string, len(d.items))
	copy(items, d.items)
	return Snapshot{Visible: d.visible, Items: items}
}

func (d *Debouncer) publish() {
	d.mu.Lock()
	fn := d.onUpdate
	snap := d.snapshotLocked()
	d.mu.Unlock()
	if fn != nil {
		fn(snap)
	}
}

// Click opens the dropdown and populates it for the current query. Only a
// real click opens; see Focus.
func (d *Debouncer) Click(ctx context.Context, grade backend.Grade) {
	d.mu.Lock()
	d.cancelBlurLocked()
	d.visible = true
	query := ""
	if d.hasQuery {
		query = d.lastQuery
	}
	d.mu.Unlock()
	// The dropdown opens right away; the fetch fills it in when it lands.
	d.publish()
	d.resolve(ctx, grade, query)
}

// Focus cancels a pending blur hide but never opens the dropdown.
func (d *Debouncer) Focus() {
	d.mu.Lock()
	d.cancelBlurLocked()
	d.mu.Unlock()
}

// QueryChange schedules a debounced refresh for the text. A query identical
// to the previous one is suppressed.
func (d *Debouncer) QueryChange(ctx context.Context, grade backend.Grade, text string) {
	d.mu.Lock()
	if d.hasQuery && d.lastQuery == text {
		d.mu.Unlock()
		return
	}
	d.lastQuery = text
	d.hasQuery = true
	d.gen++
	gen := d.gen
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.delay, func() {
		d.mu.Lock()
		stale := d.gen != gen
		d.mu.Unlock()
		if stale {
			return
		}
		d.resolve(ctx, grade, text)
	})
	d.mu.Unlock()
}

// resolve computes the suggestion list for a query: empty queries show the
// default suggestions, non-empty queries filter the cached catalog.
func (d *Debouncer) resolve(ctx context.Context, grade backend.Grade, query string) {
	if strings.TrimSpace(query) == "" {
		// The default list comes from the backend; never make the caller
		// wait on that round trip. showDefaults carries its own generation
		// guard, so a stale fetch cannot overwrite newer state.
		go d.showDefaults(ctx, grade)
		return
	}
	d.mu.Lock()
	d.items = filterQuestions(d.catalog, query, maxResults)
	d.mu.Unlock()
	d.publish()
}

// showDefaults shows grounded follow-ups when the last turn has context,
// otherwise fetches generic questions.
func (d *Debouncer) showDefaults(ctx context.Context, grade backend.Grade) {
	var turn conversation.Turn
	if d.turns != nil {
		turn = d.turns.LastTurn()
	}

	d.mu.Lock()
	d.gen++
	gen := d.gen
	d.mu.Unlock()

	var (
		items []string
		err   error
	)
	if turn.HasContext {
		items, err = d.fetcher.SuggestFollowups(ctx, grade, turn.Question, turn.Answer, maxResults, turn.SourceIDs)
	} else {
		items, err = d.fetcher.GenerateQuestions(ctx, grade, maxResults, "")
	}
	if err != nil {
		log.Printf("suggest: fetch defaults: %v", err)
		items = nil
	}
	if len(items) > maxResults {
		items = items[:maxResults]
	}

	d.mu.Lock()
	if d.gen != gen {
		d.mu.Unlock()
		return
	}
	d.items = items
	d.mu.Unlock()
	d.publish()
}

func filterQuestions(catalog []string, query string, limit int) []string {
	q := strings.ToLower(strings.TrimSpace(query))
	out := make([]string, 0, limit)
	for _, c := range catalog {
		if strings.Contains(strings.ToLower(c), q) {
			out = append(out, c)
			if len(out) == limit {
				break
			}
		}
	}
	return out
}

// Blur hides the dropdown after a short grace delay so a click on a
// suggestion still registers first.
func (d *Debouncer) Blur() {
	d.mu.Lock()
	d.cancelBlurLocked()
	gen := d.gen
	d.blurTimer = time.AfterFunc(d.grace, func() {
		d.mu.Lock()
		if d.gen != gen {
			d.mu.Unlock()
			return
		}
		d.visible = false
		d.mu.Unlock()
		d.publish()
	})
	d.mu.Unlock()
}

// OutsideClick hides the dropdown immediately.
func (d *Debouncer) OutsideClick() {
	d.hide()
}

// Select records a suggestion click: the dropdown closes immediately and the
// chosen text is returned for the caller to send.
func (d *Debouncer) Select(item string) string {
	d.hide()
	return item
}

func (d *Debouncer) hide() {
	d.mu.Lock()
	d.gen++
	d.cancelBlurLocked()
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.visible = false
	d.mu.Unlock()
	d.publish()
}

func (d *Debouncer) cancelBlurLocked() {
	if d.blurTimer != nil {
		d.blurTimer.Stop()
		d.blurTimer = nil
	}
}
