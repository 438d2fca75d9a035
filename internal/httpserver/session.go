package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/majemaai/tutorlink/internal/backend"
	"github.com/majemaai/tutorlink/internal/capture"
	"github.com/majemaai/tutorlink/internal/conversation"
	"github.com/majemaai/tutorlink/internal/playback"
	"github.com/majemaai/tutorlink/internal/store"
	"github.com/majemaai/tutorlink/internal/suggest"
	"github.com/majemaai/tutorlink/internal/transcript"
)

// envelope is the single message shape in both directions on /session.
type envelope struct {
	Type string `json:"type"`

	// text payloads: send, suggest_query, suggest_select, speech_result,
	// transcript
	Text  string `json:"text,omitempty"`
	Final bool   `json:"final,omitempty"`

	// speech_end
	Reason string `json:"reason,omitempty"`

	// media commands and events
	ID    string   `json:"id,omitempty"`
	Op    string   `json:"op,omitempty"`
	Kind  string   `json:"kind,omitempty"`
	URL   string   `json:"url,omitempty"`
	Muted bool     `json:"muted,omitempty"`
	Event string   `json:"event,omitempty"`
	Items []string `json:"items,omitempty"`
	Loop  bool     `json:"loop,omitempty"`

	// playback commands
	MessageID int64 `json:"messageId,omitempty"`

	// state payloads
	SessionID string             `json:"sessionId,omitempty"`
	Prefs     *store.Preferences `json:"prefs,omitempty"`
	Message   *sessionMessage    `json:"message,omitempty"`
	Playback  *playbackState     `json:"playback,omitempty"`
	Visible   bool               `json:"visible,omitempty"`
	State     string             `json:"state,omitempty"`
	Error     string             `json:"error,omitempty"`
}

type sessionMessage struct {
	ID        int64    `json:"id"`
	Role      string   `json:"role"`
	Text      string   `json:"text"`
	Pending   bool     `json:"pending"`
	SourceIDs []string `json:"sourceIds,omitempty"`
	AudioURL  string   `json:"audioUrl,omitempty"`
	VideoURL  string   `json:"videoUrl,omitempty"`
}

type playbackState struct {
	Channel       string `json:"channel"`
	Owner         int64  `json:"owner,omitempty"`
	Paused        bool   `json:"paused,omitempty"`
	PlaylistType  string `json:"playlistType,omitempty"`
	PlaylistIndex int    `json:"playlistIndex,omitempty"`
	PlaylistLen   int    `json:"playlistLen,omitempty"`
}

// wsConn is the connection slice the session uses; tests substitute pipes.
type wsConn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Session bridges one browser connection to the engine: inbound UI events
// drive the controller, arbiter and debouncer; their observers stream state
// back out. The browser supplies the platform primitives (speech recognition
// events, media element events); the engine owns every state machine.
type Session struct {
	conn    wsConn
	writeMu sync.Mutex

	deps Deps
	id   string

	controller *conversation.Controller
	arbiter    *playback.Arbiter
	debouncer  *suggest.Debouncer
	capture    *capture.Session
	recognizer *wsRecognizer
	elements   *elementRegistry

	mu    sync.Mutex
	prefs store.Preferences

	ctx    context.Context
	cancel context.CancelFunc
}

// NewSession wires a fresh engine instance for one connection. sessionID may
// be empty; a new id is minted and announced to the client.
func NewSession(conn wsConn, deps Deps, sessionID string) *Session {
	if sessionID == "" {
		sessionID = store.NewSessionID()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{conn: conn, deps: deps, id: sessionID, ctx: ctx, cancel: cancel}

	s.elements = newElementRegistry(s)
	s.arbiter = playback.NewArbiter(s.elements, deps.Synth)
	s.controller = conversation.NewController(deps.Backend, s.arbiter)
	s.debouncer = suggest.NewDebouncer(deps.Backend, s.controller)
	s.recognizer = newWSRecognizer(s)
	s.capture = capture.NewSession(s.recognizer)

	s.arbiter.OnState(func(st playback.Status) {
		s.send(envelope{Type: "playback", Playback: &playbackState{
			Channel:       st.Channel.String(),
			Owner:         st.Owner,
			Paused:        st.Paused,
			PlaylistType:  string(st.PlaylistType),
			PlaylistIndex: st.PlaylistIndex,
			PlaylistLen:   st.PlaylistLen,
		}})
	})
	s.controller.OnEvent(func(ev conversation.Event) {
		msg := toSessionMessage(ev.Message)
		switch ev.Kind {
		case conversation.EventMessageAppended, conversation.EventMessageUpdated:
			s.send(envelope{Type: "message", Message: &msg})
		case conversation.EventRevealTick:
			s.send(envelope{Type: "reveal", Message: &msg})
		case conversation.EventRevealDone:
			s.send(envelope{Type: "reveal_done", Message: &msg})
		case conversation.EventCancelled:
			s.send(envelope{Type: "cancelled", Message: &msg})
		}
	})
	s.debouncer.OnUpdate(func(snap suggest.Snapshot) {
		s.send(envelope{Type: "suggestions", Visible: snap.Visible, Items: snap.Items})
	})
	s.capture.OnState(func(st capture.State) {
		s.send(envelope{Type: "capture_state", State: st.String()})
	})
	s.capture.OnFatal(func(err error) {
		s.send(envelope{Type: "error", Error: err.Error()})
	})
	return s
}

func toSessionMessage(m conversation.Message) sessionMessage {
	return sessionMessage{
		ID:        m.ID,
		Role:      string(m.Role),
		Text:      m.Text,
		Pending:   m.Pending,
		SourceIDs: m.SourceIDs,
		AudioURL:  m.AudioURL,
		VideoURL:  m.VideoURL,
	}
}

// Run loads stored preferences, announces the session and dispatches inbound
// messages until the connection drops.
func (s *Session) Run() {
	defer s.teardown()

	prefs, err := s.deps.Prefs.Load(s.ctx, s.id)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		log.Printf("session %s: load prefs: %v", s.id, err)
	}
	s.mu.Lock()
	s.prefs = prefs
	s.mu.Unlock()
	s.send(envelope{Type: "session", SessionID: s.id, Prefs: &prefs})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg envelope
		if err := json.Unmarshal(data, &msg); err != nil {
			s.send(envelope{Type: "error", Error: "malformed message"})
			continue
		}
		s.dispatch(msg)
	}
}

func (s *Session) dispatch(msg envelope) {
	switch msg.Type {
	case "send":
		s.controller.SendMessage(s.ctx, msg.Text, s.turnPrefs())
	case "cancel":
		s.controller.Cancel()
	case "prefs":
		if msg.Prefs != nil {
			s.mu.Lock()
			s.prefs = *msg.Prefs
			s.mu.Unlock()
			if err := s.deps.Prefs.Save(s.ctx, s.id, *msg.Prefs); err != nil {
				log.Printf("session %s: save prefs: %v", s.id, err)
			}
		}

	case "mic_start":
		// Opening the mic releases the speaker: stop everything first.
		s.arbiter.StopAll()
		if err := s.capture.Start(s.ctx); err != nil {
			s.send(envelope{Type: "error", Error: err.Error()})
		}
	case "mic_stop":
		raw := s.capture.Stop()
		go s.deliverTranscript(raw)
	case "speech_result":
		s.recognizer.result(capture.Result{Text: msg.Text, Final: msg.Final})
	case "speech_end":
		s.recognizer.end(reasonToError(msg.Reason))

	case "suggest_click":
		s.debouncer.Click(s.ctx, s.grade())
	case "suggest_focus":
		s.debouncer.Focus()
	case "suggest_blur":
		s.debouncer.Blur()
	case "suggest_outside":
		s.debouncer.OutsideClick()
	case "suggest_query":
		s.debouncer.QueryChange(s.ctx, s.grade(), msg.Text)
	case "suggest_select":
		text := s.debouncer.Select(msg.Text)
		s.controller.SendMessage(s.ctx, text, s.turnPrefs())
	case "catalog":
		s.debouncer.SetCatalog(msg.Items)

	case "speak":
		s.arbiter.PlaySynthesis(s.ctx, msg.Text, s.turnPrefs().VoiceEnabled)
	case "synthesize_audio":
		go s.synthesizeAudio(msg.MessageID)
	case "synthesize_video":
		go s.synthesizeVideo(msg.MessageID)
	case "play_audio":
		s.arbiter.PlayServerAudio(msg.MessageID, msg.URL)
	case "play_video":
		s.arbiter.PlayInlineVideo(msg.MessageID, msg.URL, msg.Muted)
	case "set_muted":
		s.arbiter.SetMuted(msg.MessageID, msg.Muted)
	case "playlist":
		s.arbiter.StartPlaylist(msg.MessageID, playback.PlaylistType(msg.Kind), msg.Items, msg.Loop)
	case "pause":
		s.arbiter.Pause()
	case "resume":
		s.arbiter.Resume()
	case "stop":
		s.arbiter.StopAll()

	case "media_event":
		s.elements.dispatch(msg.ID, msg.Event, msg.Error)

	default:
		s.send(envelope{Type: "error", Error: "unknown message type " + msg.Type})
	}
}

// deliverTranscript runs the dictated text through the backend punctuation
// pass, then normalizes. Punctuation is best effort; when the call fails the
// raw text is normalized instead.
func (s *Session) deliverTranscript(raw string) {
	text := raw
	if strings.TrimSpace(raw) != "" {
		punctuated, err := s.deps.Backend.Punctuate(s.ctx, s.grade(), raw)
		if err != nil {
			log.Printf("session %s: punctuate: %v", s.id, err)
		} else if punctuated != "" {
			// Some backend paths wrap the result in a chat-completion
			// object string.
			text = transcript.ExtractAssistantContent(punctuated)
		}
	}
	s.send(envelope{Type: "transcript", Text: transcript.Normalize(text)})
}

// synthesizeAudio narrates one finished message through the backend pipeline
// and plays the result on the server-audio channel. A URL already attached to
// the message is reused.
func (s *Session) synthesizeAudio(messageID int64) {
	m, ok := s.controller.MessageByID(messageID)
	if !ok || m.Pending || strings.TrimSpace(m.Text) == "" {
		s.send(envelope{Type: "error", Error: "no message to synthesize"})
		return
	}
	url := m.AudioURL
	if url == "" {
		var err error
		url, err = s.deps.Backend.SynthesizeAudio(s.ctx, s.grade(), m.Text, nil)
		if err != nil {
			log.Printf("session %s: synthesize audio: %v", s.id, err)
		}
		if url == "" {
			s.send(envelope{Type: "error", Error: "audio synthesis unavailable"})
			return
		}
		s.controller.AttachMedia(messageID, url, "")
	}
	s.arbiter.PlayServerAudio(messageID, url)
}

// synthesizeVideo renders a tutor video for one finished message. The primary
// renderer is tried first, then the text-to-video pipeline.
func (s *Session) synthesizeVideo(messageID int64) {
	m, ok := s.controller.MessageByID(messageID)
	if !ok || m.Pending || strings.TrimSpace(m.Text) == "" {
		s.send(envelope{Type: "error", Error: "no message to synthesize"})
		return
	}
	url := m.VideoURL
	if url == "" {
		var err error
		url, err = s.deps.Backend.SynthesizeVideo(s.ctx, s.grade(), m.Text)
		if err != nil {
			log.Printf("session %s: synthesize video: %v", s.id, err)
		}
		if url == "" {
			url, err = s.deps.Backend.GenerateVideoFromText(s.ctx, s.grade(), m.Text)
			if err != nil {
				log.Printf("session %s: generate video: %v", s.id, err)
			}
		}
		if url == "" {
			s.send(envelope{Type: "error", Error: "video synthesis unavailable"})
			return
		}
		s.controller.AttachMedia(messageID, "", url)
	}
	s.arbiter.PlayInlineVideo(messageID, url, true)
}

func (s *Session) grade() backend.Grade {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.prefs.Grade()
}

// turnPrefs snapshots the stored preferences for one turn.
func (s *Session) turnPrefs() conversation.Prefs {
	s.mu.Lock()
	defer s.mu.Unlock()
	return conversation.Prefs{
		Grade:        s.prefs.Grade(),
		VoiceEnabled: s.prefs.VoiceEnabled,
		TutorEnabled: s.prefs.TutorEnabled,
	}
}

func reasonToError(reason string) error {
	switch strings.TrimSpace(strings.ToLower(reason)) {
	case "":
		return nil
	case "no-speech":
		return capture.ErrNoSpeech
	case "aborted":
		return capture.ErrAborted
	case "network":
		return capture.ErrNetwork
	case "not-allowed":
		return capture.ErrNotAllowed
	default:
		return capture.ErrAborted
	}
}

// send serializes one outbound envelope. Safe for concurrent use.
func (s *Session) send(msg envelope) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("session %s: marshal: %v", s.id, err)
		return
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		log.Printf("session %s: write: %v", s.id, err)
	}
}

func (s *Session) teardown() {
	s.cancel()
	s.controller.Cancel()
	s.arbiter.StopAll()
	s.capture.Stop()
	_ = s.conn.Close()
}
