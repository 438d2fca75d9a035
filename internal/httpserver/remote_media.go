package httpserver

import (
	"errors"
	"strconv"
	"sync"

	"github.com/majemaai/tutorlink/internal/playback"
)

// elementRegistry drives media elements living in the browser. Commands go
// out as "media" envelopes; ended/error events come back as "media_event"
// envelopes and are routed to the owning element's callbacks. It is the
// production playback.MediaFactory.
type elementRegistry struct {
	session *Session

	mu     sync.Mutex
	nextID int64
	live   map[string]*remoteElement
}

func newElementRegistry(s *Session) *elementRegistry {
	return &elementRegistry{session: s, live: make(map[string]*remoteElement)}
}

func (r *elementRegistry) NewAudio(url string, onEnded func(), onError func(error)) (playback.Element, error) {
	return r.create("audio", url, onEnded, onError)
}

func (r *elementRegistry) NewVideo(url string, onEnded func(), onError func(error)) (playback.Element, error) {
	return r.create("video", url, onEnded, onError)
}

func (r *elementRegistry) create(kind, url string, onEnded func(), onError func(error)) (playback.Element, error) {
	if url == "" {
		return nil, errors.New("httpserver: empty media url")
	}
	r.mu.Lock()
	r.nextID++
	id := "el-" + strconv.FormatInt(r.nextID, 10)
	el := &remoteElement{registry: r, id: id, kind: kind, url: url, onEnded: onEnded, onError: onError}
	r.live[id] = el
	r.mu.Unlock()

	r.session.send(envelope{Type: "media", Op: "create", ID: id, Kind: kind, URL: url})
	return el, nil
}

// dispatch routes a browser media event to its element. Events for detached
// elements are dropped; the arbiter's epoch guard makes that safe anyway.
func (r *elementRegistry) dispatch(id, event, errText string) {
	r.mu.Lock()
	el := r.live[id]
	r.mu.Unlock()
	if el == nil {
		return
	}
	switch event {
	case "ended":
		r.detach(id)
		if el.onEnded != nil {
			el.onEnded()
		}
	case "error":
		r.detach(id)
		if el.onError != nil {
			if errText == "" {
				errText = "media error"
			}
			el.onError(errors.New(errText))
		}
	}
}

func (r *elementRegistry) detach(id string) {
	r.mu.Lock()
	delete(r.live, id)
	r.mu.Unlock()
}

// remoteElement mirrors one browser-side audio or video element. Play cannot
// observe an autoplay rejection synchronously; rejections surface as error
// events instead.
type remoteElement struct {
	registry *elementRegistry
	id       string
	kind     string
	url      string
	onEnded  func()
	onError  func(error)
}

func (e *remoteElement) Play() error {
	e.registry.session.send(envelope{Type: "media", Op: "play", ID: e.id})
	return nil
}

func (e *remoteElement) Pause() {
	e.registry.session.send(envelope{Type: "media", Op: "pause", ID: e.id})
}

func (e *remoteElement) Stop() {
	e.registry.detach(e.id)
	e.registry.session.send(envelope{Type: "media", Op: "stop", ID: e.id})
}

func (e *remoteElement) SetMuted(muted bool) {
	e.registry.session.send(envelope{Type: "media", Op: "mute", ID: e.id, Muted: muted})
}
