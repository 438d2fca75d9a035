// Package httpserver exposes the engine: a health probe, the /session
// WebSocket carrying the UI protocol, and the /rtc signaling socket for
// narration audio.
package httpserver

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/majemaai/tutorlink/internal/backend"
	"github.com/majemaai/tutorlink/internal/capture"
	"github.com/majemaai/tutorlink/internal/conversation"
	"github.com/majemaai/tutorlink/internal/device"
	"github.com/majemaai/tutorlink/internal/playback"
	"github.com/majemaai/tutorlink/internal/rtc"
	"github.com/majemaai/tutorlink/internal/store"
	"github.com/majemaai/tutorlink/internal/suggest"
)

// Config is the transport-level configuration.
type Config struct {
	AuthPassword   string
	ICEServersJSON string
}

// Backend is the union of backend calls the engine makes; the backend client
// satisfies it.
type Backend interface {
	conversation.Answerer
	suggest.Fetcher
	capture.Transcriber
	Punctuate(ctx context.Context, grade backend.Grade, text string) (string, error)
	SynthesizeAudio(ctx context.Context, grade backend.Grade, text string, referenceFiles []string) (string, error)
	SynthesizeVideo(ctx context.Context, grade backend.Grade, text string) (string, error)
	GenerateVideoFromText(ctx context.Context, grade backend.Grade, text string) (string, error)
}

// Deps are the shared engine dependencies; each /session connection gets its
// own controller, arbiter and debouncer on top of them.
type Deps struct {
	Backend Backend
	Prefs   store.Store
	Synth   playback.Synthesizer
	Archive capture.Archiver
}

var sessionUpgrader = websocket.Upgrader{
	ReadBufferSize:  8192,
	WriteBufferSize: 8192,
	CheckOrigin: func(r *http.Request) bool {
		// Allow any origin; tighten per deployment.
		return true
	},
}

// New builds the configured echo server with all routes attached.
func New(cfg Config, deps Deps) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())

	e.GET("/healthz", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	e.GET("/session", func(c echo.Context) error {
		if !authOK(c.Request(), cfg.AuthPassword) {
			return c.NoContent(http.StatusUnauthorized)
		}
		conn, err := sessionUpgrader.Upgrade(c.Response(), c.Request(), nil)
		if err != nil {
			return nil
		}
		sess := NewSession(conn, deps, c.QueryParam("session"))
		sess.Run()
		return nil
	})

	signaler := &rtc.Signaler{ICEServersJSON: cfg.ICEServersJSON}
	signaler.OnPeer = func(p *rtc.Peer) {
		if sw, ok := deps.Synth.(interface{ AttachPeer(p *rtc.Peer) }); ok {
			sw.AttachPeer(p)
		}
		if deps.Synth != nil {
			// The user talking over narration cancels it.
			p.OnVoice(deps.Synth.Cancel)
		}
	}
	signaler.OnCommand = func(p *rtc.Peer, cmd string) {
		switch cmd {
		case "record":
			go recordUtterance(p, deps)
		case "cancel", "stop":
			if deps.Synth != nil {
				deps.Synth.Cancel()
			}
		}
	}
	e.GET("/rtc", func(c echo.Context) error {
		if !authOK(c.Request(), cfg.AuthPassword) {
			return c.NoContent(http.StatusUnauthorized)
		}
		signaler.ServeWebSocket(c.Response(), c.Request())
		return nil
	})

	return e
}

// recordUtterance captures one utterance from the peer's mic, transcribes it
// and reports the result back on the control channel.
func recordUtterance(p *rtc.Peer, deps Deps) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	rec := &capture.Recorder{
		Gateway:     device.NewGateway(p.Microphone()),
		Transcriber: deps.Backend,
		Archiver:    deps.Archive,
	}
	utt, err := rec.Record(ctx, backend.ParseGrade(""))

	reply := controlReply{Type: "transcript", Text: utt.Text, URL: utt.ArchiveURL}
	if err != nil {
		reply = controlReply{Type: "error", Error: err.Error()}
	}
	data, merr := json.Marshal(reply)
	if merr != nil {
		return
	}
	if serr := p.SendControl(string(data)); serr != nil {
		log.Printf("rtc: send transcript: %v", serr)
	}
}

type controlReply struct {
	Type  string `json:"type"`
	Text  string `json:"text,omitempty"`
	URL   string `json:"url,omitempty"`
	Error string `json:"error,omitempty"`
}

// authOK accepts the password via query, X-Auth-Token or a bearer token. An
// empty expected password disables the check.
func authOK(r *http.Request, expected string) bool {
	if expected == "" {
		return true
	}
	if r == nil {
		return false
	}
	if q := r.URL.Query().Get("password"); q != "" {
		return q == expected
	}
	if x := r.Header.Get("X-Auth-Token"); x != "" {
		return x == expected
	}
	ah := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(ah), "bearer ") {
		return strings.TrimSpace(ah[len("Bearer "):]) == expected
	}
	return false
}
