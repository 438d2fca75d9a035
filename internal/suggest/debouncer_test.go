package suggest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/majemaai/tutorlink/internal/backend"
	"github.com/majemaai/tutorlink/internal/conversation"
)

type fakeFetcher struct {
	mu        sync.Mutex
	followups []string
	generic   []string
	fuCalls   int
	genCalls  int
	lastQ     string
	lastIDs   []string
}

func (f *fakeFetcher) SuggestFollowups(ctx context.Context, grade backend.Grade, lastQuestion, lastAnswer string, n int, sourceIDs []string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fuCalls++
	f.lastQ = lastQuestion
	f.lastIDs = sourceIDs
	return f.followups, nil
}

func (f *fakeFetcher) GenerateQuestions(ctx context.Context, grade backend.Grade, n int, topic string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.genCalls++
	return f.generic, nil
}

func (f *fakeFetcher) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fuCalls, f.genCalls
}

// stalledFetcher blocks every fetch until release is closed, standing in for
// a slow backend.
type stalledFetcher struct {
	release chan struct{}
	generic []string
}

func (s *stalledFetcher) SuggestFollowups(ctx context.Context, grade backend.Grade, lastQuestion, lastAnswer string, n int, sourceIDs []string) ([]string, error) {
	<-s.release
	return nil, nil
}

func (s *stalledFetcher) GenerateQuestions(ctx context.Context, grade backend.Grade, n int, topic string) ([]string, error) {
	<-s.release
	return s.generic, nil
}

type fakeTurns struct{ turn conversation.Turn }

func (f *fakeTurns) LastTurn() conversation.Turn { return f.turn }

func newTestDebouncer(fetcher *fakeFetcher, turns TurnSource) *Debouncer {
	d := NewDebouncer(fetcher, turns)
	d.delay = 20 * time.Millisecond
	d.grace = 30 * time.Millisecond
	return d
}

func waitSnapshot(t *testing.T, d *Debouncer, ok func(Snapshot) bool) Snapshot {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if snap := d.State(); ok(snap) {
			return snap
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("snapshot never matched, have %+v", d.State())
	return Snapshot{}
}

func TestDebouncer_OnlyClickOpens(t *testing.T) {
	f := &fakeFetcher{generic: []string{"g1"}}
	d := newTestDebouncer(f, &fakeTurns{})
	d.Focus()
	if d.State().Visible {
		t.Fatalf("focus alone must not open the dropdown")
	}
	d.Click(context.Background(), backend.GradeMid)
	if !d.State().Visible {
		t.Fatalf("click must open the dropdown")
	}
}

func TestDebouncer_EmptyQueryGroundedFollowups(t *testing.T) {
	f := &fakeFetcher{followups: []string{"f1", "f2"}}
	turns := &fakeTurns{turn: conversation.Turn{
		Question:   "q",
		Answer:     "a",
		SourceIDs:  []string{"s1"},
		HasContext: true,
	}}
	d := newTestDebouncer(f, turns)
	d.Click(context.Background(), backend.GradeMid)
	snap := waitSnapshot(t, d, func(s Snapshot) bool { return len(s.Items) == 2 })
	if snap.Items[0] != "f1" {
		t.Fatalf("items %v", snap.Items)
	}
	fu, gen := f.counts()
	if fu != 1 || gen != 0 {
		t.Fatalf("expected grounded fetch only, got fu=%d gen=%d", fu, gen)
	}
	if f.lastQ != "q" || len(f.lastIDs) != 1 {
		t.Fatalf("follow-up fetch missing turn context")
	}
}

func TestDebouncer_EmptyQueryUngroundedFallsBackToGeneric(t *testing.T) {
	f := &fakeFetcher{generic: []string{"g1", "g2", "g3", "g4", "g5", "g6", "g7"}}
	d := newTestDebouncer(f, &fakeTurns{turn: conversation.Turn{HasContext: false}})
	d.Click(context.Background(), backend.GradeMid)
	snap := waitSnapshot(t, d, func(s Snapshot) bool { return len(s.Items) > 0 })
	if len(snap.Items) != 5 {
		t.Fatalf("expected cap at 5, got %d", len(snap.Items))
	}
	fu, gen := f.counts()
	if fu != 0 || gen != 1 {
		t.Fatalf("expected generic fetch only, got fu=%d gen=%d", fu, gen)
	}
}

func TestDebouncer_QueryFiltersCatalog(t *testing.T) {
	f := &fakeFetcher{}
	d := newTestDebouncer(f, &fakeTurns{})
	catalog := []string{"What is present tense?", "Past tense usage", "Future plans"}
	for i := 0; i < 10; i++ {
		catalog = append(catalog, fmt.Sprintf("Tense drill %d", i))
	}
	d.SetCatalog(catalog)
	d.Click(context.Background(), backend.GradeMid)
	d.QueryChange(context.Background(), backend.GradeMid, "TENSE")
	snap := waitSnapshot(t, d, func(s Snapshot) bool { return len(s.Items) > 0 })
	if len(snap.Items) != 5 {
		t.Fatalf("expected cap at 5, got %v", snap.Items)
	}
	if snap.Items[0] != "What is present tense?" {
		t.Fatalf("case-insensitive match lost order: %v", snap.Items)
	}
	fu, gen := f.counts()
	if fu != 0 {
		t.Fatalf("non-empty query must not fetch, fu=%d gen=%d", fu, gen)
	}
}

func TestDebouncer_DebounceCollapsesKeystrokes(t *testing.T) {
	f := &fakeFetcher{}
	d := newTestDebouncer(f, &fakeTurns{})
	d.SetCatalog([]string{"alpha", "alphabet", "beta"})
	updates := 0
	var mu sync.Mutex
	d.OnUpdate(func(Snapshot) {
		mu.Lock()
		updates++
		mu.Unlock()
	})
	d.QueryChange(context.Background(), backend.GradeMid, "a")
	d.QueryChange(context.Background(), backend.GradeMid, "al")
	d.QueryChange(context.Background(), backend.GradeMid, "alp")
	waitSnapshot(t, d, func(s Snapshot) bool { return len(s.Items) == 2 })
	time.Sleep(60 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if updates != 1 {
		t.Fatalf("expected one resolved update for the burst, got %d", updates)
	}
}

func TestDebouncer_DuplicateQuerySuppressed(t *testing.T) {
	f := &fakeFetcher{}
	d := newTestDebouncer(f, &fakeTurns{})
	d.SetCatalog([]string{"alpha"})
	updates := 0
	var mu sync.Mutex
	d.OnUpdate(func(Snapshot) {
		mu.Lock()
		updates++
		mu.Unlock()
	})
	d.QueryChange(context.Background(), backend.GradeMid, "alpha")
	waitSnapshot(t, d, func(s Snapshot) bool { return len(s.Items) == 1 })
	d.QueryChange(context.Background(), backend.GradeMid, "alpha")
	time.Sleep(60 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if updates != 1 {
		t.Fatalf("duplicate query should not re-resolve, got %d updates", updates)
	}
}

func TestDebouncer_ClickReturnsBeforeFetchResolves(t *testing.T) {
	sf := &stalledFetcher{release: make(chan struct{}), generic: []string{"g1"}}
	d := NewDebouncer(sf, &fakeTurns{})
	d.delay = 20 * time.Millisecond
	d.grace = 30 * time.Millisecond

	start := time.Now()
	d.Click(context.Background(), backend.GradeMid)
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("Click waited %v on the backend fetch", elapsed)
	}
	if !d.State().Visible {
		t.Fatalf("dropdown must open before the fetch resolves")
	}

	close(sf.release)
	snap := waitSnapshot(t, d, func(s Snapshot) bool { return len(s.Items) == 1 })
	if snap.Items[0] != "g1" {
		t.Fatalf("items %v", snap.Items)
	}
}

func TestDebouncer_BlurHidesAfterGrace(t *testing.T) {
	f := &fakeFetcher{generic: []string{"g"}}
	d := newTestDebouncer(f, &fakeTurns{})
	d.Click(context.Background(), backend.GradeMid)
	d.Blur()
	if !d.State().Visible {
		t.Fatalf("dropdown must stay visible during the grace window")
	}
	waitSnapshot(t, d, func(s Snapshot) bool { return !s.Visible })
}

func TestDebouncer_FocusCancelsPendingBlur(t *testing.T) {
	f := &fakeFetcher{generic: []string{"g"}}
	d := newTestDebouncer(f, &fakeTurns{})
	d.Click(context.Background(), backend.GradeMid)
	d.Blur()
	d.Focus()
	time.Sleep(80 * time.Millisecond)
	if !d.State().Visible {
		t.Fatalf("focus within the grace window must keep the dropdown open")
	}
}

func TestDebouncer_SelectClosesImmediately(t *testing.T) {
	f := &fakeFetcher{generic: []string{"g"}}
	d := newTestDebouncer(f, &fakeTurns{})
	d.Click(context.Background(), backend.GradeMid)
	if got := d.Select("g"); got != "g" {
		t.Fatalf("Select() = %q", got)
	}
	if d.State().Visible {
		t.Fatalf("selection must close the dropdown")
	}
}

func TestDebouncer_OutsideClickCloses(t *testing.T) {
	f := &fakeFetcher{generic: []string{"g"}}
	d := newTestDebouncer(f, &fakeTurns{})
	d.Click(context.Background(), backend.GradeMid)
	d.OutsideClick()
	if d.State().Visible {
		t.Fatalf("outside click must close the dropdown")
	}
}
