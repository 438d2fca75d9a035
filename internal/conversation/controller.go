// Package conversation drives the tutoring dialogue: one turn is a user
// message, a backend answer revealed word by word, then a single autoplay
// decision. Every asynchronous step is stamped with the turn id it belongs to
// and ignored once a newer turn or a cancel moves the id on.
package conversation

import (
	"context"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/majemaai/tutorlink/internal/backend"
	"github.com/majemaai/tutorlink/internal/playback"
)

// Role of a message author.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one conversation entry. Assistant messages grow word by word
// while Pending is set.
type Message struct {
	ID        int64
	Role      Role
	Text      string
	Pending   bool
	SourceIDs []string
	AudioURL  string
	VideoURL  string
}

// State of the controller.
type State int

const (
	StateIdle State = iota
	StateAwaitingResponse
	StateStreamingReveal
)

func (s State) String() string {
	switch s {
	case StateAwaitingResponse:
		return "awaitingResponse"
	case StateStreamingReveal:
		return "streamingReveal"
	default:
		return "idle"
	}
}

// Event kinds forwarded to the session transport.
type EventKind int

const (
	EventMessageAppended EventKind = iota
	EventMessageUpdated
	EventRevealTick
	EventRevealDone
	EventCancelled
)

type Event struct {
	Kind    EventKind
	Message Message
}

const (
	cancelledText    = "Response cancelled."
	networkErrorText = "Error: Could not get a response from the server."
	revealDelay      = 200 * time.Millisecond
)

// sentinel marks an answer with no grounding in the knowledge base; such a
// turn must not drive grounded follow-up suggestions.
var sentinel = regexp.MustCompile(`(?i)no information available in the provided textbook content`)

// Answerer is the backend slice the controller needs.
type Answerer interface {
	ExplainGrammar(ctx context.Context, grade backend.Grade, question string, wantAudio, wantVideo bool) (backend.Answer, error)
}

// Player is the playback slice the controller needs.
type Player interface {
	Autoplay(messageID int64, audioURL, videoURL string, policy playback.AutoplayPolicy)
	StopAll()
}

// Prefs is the per-turn preference snapshot. It is captured when the turn
// starts so a mid-turn toggle cannot change an in-flight decision.
type Prefs struct {
	Grade        backend.Grade
	VoiceEnabled bool
	TutorEnabled bool
}

// Turn is the recorded context of the last completed exchange.
type Turn struct {
	Question   string
	Answer     string
	SourceIDs  []string
	HasContext bool
}

// Controller owns the message list and the turn state machine.
type Controller struct {
	answerer Answerer
	player   Player
	delay    time.Duration

	mu       sync.Mutex
	state    State
	messages []Message
	nextID   int64
	turnID   uint64
	cancelFn context.CancelFunc
	last     Turn
	onEvent  func(Event)
}

func NewController(answerer Answerer, player Player) *Controller {
	return &Controller{answerer: answerer, player: player, delay: revealDelay, nextID: 1}
}

// OnEvent registers the event observer, invoked outside the controller lock.
func (c *Controller) OnEvent(fn func(Event)) {
	c.mu.Lock()
	c.onEvent = fn
	c.mu.Unlock()
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Messages returns a snapshot of the conversation.
func (c *Controller) Messages() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// MessageByID returns a snapshot of one message.
func (c *Controller) MessageByID(id int64) (Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.messages {
		if c.messages[i].ID == id {
			return c.messages[i], true
		}
	}
	return Message{}, false
}

// AttachMedia records synthesized media URLs on a message so a later playback
// request reuses them instead of synthesizing again. Empty arguments leave the
// existing URLs alone.
func (c *Controller) AttachMedia(id int64, audioURL, videoURL string) (Message, bool) {
	c.mu.Lock()
	for i := range c.messages {
		if c.messages[i].ID == id {
			if audioURL != "" {
				c.messages[i].AudioURL = audioURL
			}
			if videoURL != "" {
				c.messages[i].VideoURL = videoURL
			}
			snap := c.messages[i]
			c.mu.Unlock()
			c.emit(Event{Kind: EventMessageUpdated, Message: snap})
			return snap, true
		}
	}
	c.mu.Unlock()
	return Message{}, false
}

// LastTurn returns the recorded context of the last completed exchange.
func (c *Controller) LastTurn() Turn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

func (c *Controller) emit(ev Event) {
	c.mu.Lock()
	fn := c.onEvent
	c.mu.Unlock()
	if fn != nil {
		fn(ev)
	}
}

// SendMessage starts a turn. Whitespace-only input is a silent no-op. The
// turn runs asynchronously; observers see the user message immediately and
// the assistant message as it reveals.
func (c *Controller) SendMessage(ctx context.Context, text string, prefs Prefs) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}

	c.mu.Lock()
	// A new message supersedes any in-flight turn.
	c.abortTurnLocked()
	c.turnID++
	turn := c.turnID
	tctx, cancel := context.WithCancel(ctx)
	c.cancelFn = cancel
	userMsg := c.appendLocked(Message{Role: RoleUser, Text: text})
	c.state = StateAwaitingResponse
	c.mu.Unlock()

	c.emit(Event{Kind: EventMessageAppended, Message: userMsg})
	go c.runTurn(tctx, turn, text, prefs)
}

// appendLocked assigns the next id and stores the message. Caller holds the
// lock.
func (c *Controller) appendLocked(m Message) Message {
	m.ID = c.nextID
	c.nextID++
	c.messages = append(c.messages, m)
	return m
}

func (c *Controller) runTurn(ctx context.Context, turn uint64, question string, prefs Prefs) {
	ans, err := c.answerer.ExplainGrammar(ctx, prefs.Grade, question, prefs.VoiceEnabled, prefs.TutorEnabled)

	c.mu.Lock()
	if c.turnID != turn {
		c.mu.Unlock()
		return
	}
	if err != nil {
		errMsg := c.appendLocked(Message{Role: RoleAssistant, Text: networkErrorText})
		c.state = StateIdle
		c.cancelFn = nil
		c.mu.Unlock()
		c.emit(Event{Kind: EventMessageAppended, Message: errMsg})
		return
	}

	aiMsg := c.appendLocked(Message{
		Role:      RoleAssistant,
		Pending:   true,
		SourceIDs: ans.SourceIDs,
		AudioURL:  ans.AudioURL,
		VideoURL:  ans.VideoURL,
	})
	c.state = StateStreamingReveal
	c.mu.Unlock()
	c.emit(Event{Kind: EventMessageAppended, Message: aiMsg})

	c.reveal(ctx, turn, aiMsg.ID, question, ans, prefs)
}

// reveal types the answer out word by word, then finalizes the turn and makes
// the single autoplay decision. The full text is already known; the ticker is
// purely pacing.
func (c *Controller) reveal(ctx context.Context, turn uint64, msgID int64, question string, ans backend.Answer, prefs Prefs) {
	words := strings.Fields(ans.Text)
	ticker := time.NewTicker(c.delay)
	defer ticker.Stop()

	for i := range words {
		if i > 0 {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
		c.mu.Lock()
		if c.turnID != turn {
			c.mu.Unlock()
			return
		}
		partial := strings.Join(words[:i+1], " ")
		snap := c.setMessageTextLocked(msgID, partial, true)
		c.mu.Unlock()
		c.emit(Event{Kind: EventRevealTick, Message: snap})
	}

	c.mu.Lock()
	if c.turnID != turn {
		c.mu.Unlock()
		return
	}
	snap := c.setMessageTextLocked(msgID, ans.Text, false)
	c.last = Turn{
		Question:   question,
		Answer:     ans.Text,
		SourceIDs:  ans.SourceIDs,
		HasContext: len(ans.SourceIDs) > 0 && !sentinel.MatchString(ans.Text),
	}
	c.state = StateIdle
	c.cancelFn = nil
	c.mu.Unlock()

	c.emit(Event{Kind: EventRevealDone, Message: snap})
	// Media starts only after the text is fully revealed.
	c.player.Autoplay(msgID, ans.AudioURL, ans.VideoURL, playback.AutoplayPolicy{
		VoiceEnabled: prefs.VoiceEnabled,
		TutorEnabled: prefs.TutorEnabled,
	})
}

func (c *Controller) setMessageTextLocked(id int64, text string, pending bool) Message {
	for i := range c.messages {
		if c.messages[i].ID == id {
			c.messages[i].Text = text
			c.messages[i].Pending = pending
			return c.messages[i]
		}
	}
	return Message{}
}

// Cancel aborts the in-flight turn. Safe to call at any time; a cancel with
// nothing in flight is a no-op.
func (c *Controller) Cancel() {
	c.mu.Lock()
	if c.state == StateIdle {
		c.mu.Unlock()
		return
	}
	c.abortTurnLocked()
	c.turnID++
	var snap Message
	if n := len(c.messages); n > 0 {
		lastMsg := &c.messages[n-1]
		if lastMsg.Role == RoleAssistant {
			lastMsg.Text = cancelledText
			lastMsg.Pending = false
			snap = *lastMsg
		}
	}
	c.state = StateIdle
	c.mu.Unlock()

	c.player.StopAll()
	if snap.ID != 0 {
		c.emit(Event{Kind: EventCancelled, Message: snap})
	}
}

// abortTurnLocked cancels the in-flight request context. Caller holds the
// lock.
func (c *Controller) abortTurnLocked() {
	if c.cancelFn != nil {
		c.cancelFn()
		c.cancelFn = nil
	}
}
