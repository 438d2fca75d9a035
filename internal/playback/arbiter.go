// Package playback enforces single-active-media-channel exclusivity across
// speech synthesis, server audio and inline video, and chains playlist items
// on ended events. Every asynchronous callback carries the epoch it was
// created under and is ignored once the epoch moves on.
package playback

import (
	"context"
	"log"
	"sync"
)

// Arbiter is the single owner of all playback state. No other component may
// start or stop a media element directly.
type Arbiter struct {
	factory MediaFactory
	synth   Synthesizer
	// ranked voice names tried in order before falling back to the first
	// available voice
	voicePreference []string

	mu       sync.Mutex
	epoch    uint64
	session  *session
	playlist *playlist
	onState  func(Status)
}

// session is the arbiter's single source of truth for what is audible.
type session struct {
	channel Channel
	owner   int64
	element Element
	paused  bool
	epoch   uint64
}

type playlist struct {
	items []string
	index int
	owner int64
	typ   PlaylistType
	loop  bool
}

// DefaultVoicePreference mirrors the ranked narration voices the web client
// tried before taking whatever the platform offered.
var DefaultVoicePreference = []string{
	"aura-2-thalia-en",
	"aura-asteria-en",
	"aura-luna-en",
}

func NewArbiter(factory MediaFactory, synth Synthesizer) *Arbiter {
	return &Arbiter{factory: factory, synth: synth, voicePreference: DefaultVoicePreference}
}

// SetVoicePreference overrides the ranked voice list.
func (a *Arbiter) SetVoicePreference(voices []string) {
	a.mu.Lock()
	a.voicePreference = voices
	a.mu.Unlock()
}

// OnState registers the status observer. Called after every state change,
// outside the arbiter lock.
func (a *Arbiter) OnState(fn func(Status)) {
	a.mu.Lock()
	a.onState = fn
	a.mu.Unlock()
}

// Status reports the current playback state.
func (a *Arbiter) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.statusLocked()
}

func (a *Arbiter) statusLocked() Status {
	st := Status{Channel: ChannelNone}
	if a.session != nil {
		st.Channel = a.session.channel
		st.Owner = a.session.owner
		st.Paused = a.session.paused
	}
	if a.playlist != nil {
		st.PlaylistType = a.playlist.typ
		st.PlaylistIndex = a.playlist.index
		st.PlaylistLen = len(a.playlist.items)
	}
	return st
}

func (a *Arbiter) notify() {
	a.mu.Lock()
	fn := a.onState
	st := a.statusLocked()
	a.mu.Unlock()
	if fn != nil {
		fn(st)
	}
}

// PlaySynthesis speaks the text through the synthesis channel. A disabled
// voice preference makes this a silent no-op. Any other live channel is fully
// stopped first.
func (a *Arbiter) PlaySynthesis(ctx context.Context, text string, voiceEnabled bool) {
	if !voiceEnabled || text == "" {
		return
	}
	a.mu.Lock()
	if a.synth == nil {
		a.mu.Unlock()
		return
	}
	a.stopLocked()
	a.epoch++
	ep := a.epoch
	voice := pickVoice(a.voicePreference, a.synth.Voices())
	done, err := a.synth.Speak(ctx, text, voice)
	if err != nil {
		log.Printf("playback: synthesis failed: %v", err)
		a.mu.Unlock()
		a.notify()
		return
	}
	a.session = &session{channel: ChannelSynthesis, epoch: ep}
	a.mu.Unlock()
	a.notify()

	go func() {
		<-done
		a.mu.Lock()
		if a.session != nil && a.session.epoch == ep {
			a.session = nil
		}
		a.mu.Unlock()
		a.notify()
	}()
}

func pickVoice(preferred, available []string) string {
	for _, want := range preferred {
		for _, have := range available {
			if want == have {
				return want
			}
		}
	}
	if len(available) > 0 {
		return available[0]
	}
	return ""
}

// PlayServerAudio starts remote narration audio for a message. Calling it for
// the message that already owns the audio channel toggles pause/resume.
func (a *Arbiter) PlayServerAudio(messageID int64, url string) {
	if url == "" {
		return
	}
	a.mu.Lock()
	if s := a.session; s != nil && s.channel == ChannelServerAudio && s.owner == messageID {
		if s.paused {
			if err := s.element.Play(); err != nil {
				log.Printf("playback: resume audio: %v", err)
				a.stopLocked()
				a.mu.Unlock()
				a.notify()
				return
			}
			s.paused = false
		} else {
			s.element.Pause()
			s.paused = true
		}
		a.mu.Unlock()
		a.notify()
		return
	}

	a.stopLocked()
	a.epoch++
	ep := a.epoch
	el, err := a.factory.NewAudio(url,
		func() { a.elementEnded(ep) },
		func(err error) { a.elementFailed(ep, err) },
	)
	if err != nil {
		log.Printf("playback: create audio element: %v", err)
		a.mu.Unlock()
		a.notify()
		return
	}
	if err := el.Play(); err != nil {
		log.Printf("playback: audio play rejected: %v", err)
		el.Stop()
		a.mu.Unlock()
		a.notify()
		return
	}
	a.session = &session{channel: ChannelServerAudio, owner: messageID, element: el, epoch: ep}
	a.mu.Unlock()
	a.notify()
}

// PlayInlineVideo starts the talking-head video for a message. Calling it for
// the message that already owns the video channel stops it. When autoplayMuted
// is set the element starts muted; an unmuted autoplay rejection is retried
// once muted before giving up.
func (a *Arbiter) PlayInlineVideo(messageID int64, url string, autoplayMuted bool) {
	if url == "" {
		return
	}
	a.mu.Lock()
	if s := a.session; s != nil && s.channel == ChannelVideo && s.owner == messageID {
		a.stopLocked()
		a.mu.Unlock()
		a.notify()
		return
	}

	a.stopLocked()
	a.epoch++
	ep := a.epoch
	el, err := a.factory.NewVideo(url,
		func() { a.elementEnded(ep) },
		func(err error) { a.elementFailed(ep, err) },
	)
	if err != nil {
		log.Printf("playback: create video element: %v", err)
		a.mu.Unlock()
		a.notify()
		return
	}
	el.SetMuted(autoplayMuted)
	if err := el.Play(); err != nil {
		// Autoplay policies commonly reject unmuted playback; retry muted once.
		el.SetMuted(true)
		if err2 := el.Play(); err2 != nil {
			log.Printf("playback: video play rejected: %v", err2)
			el.Stop()
			a.mu.Unlock()
			a.notify()
			return
		}
	}
	a.session = &session{channel: ChannelVideo, owner: messageID, element: el, epoch: ep}
	a.mu.Unlock()
	a.notify()
}

// SetMuted changes the mute state of the active video for the message, used
// for the explicit user unmute after a muted autoplay.
func (a *Arbiter) SetMuted(messageID int64, muted bool) {
	a.mu.Lock()
	if s := a.session; s != nil && s.channel == ChannelVideo && s.owner == messageID {
		s.element.SetMuted(muted)
	}
	a.mu.Unlock()
}

// Pause suspends whatever channel is live.
func (a *Arbiter) Pause() {
	a.mu.Lock()
	s := a.session
	if s == nil || s.paused {
		a.mu.Unlock()
		return
	}
	s.paused = true
	switch s.channel {
	case ChannelSynthesis:
		if a.synth != nil {
			a.synth.Pause()
		}
	default:
		if s.element != nil {
			s.element.Pause()
		}
	}
	a.mu.Unlock()
	a.notify()
}

// Resume continues a paused channel.
func (a *Arbiter) Resume() {
	a.mu.Lock()
	s := a.session
	if s == nil || !s.paused {
		a.mu.Unlock()
		return
	}
	s.paused = false
	switch s.channel {
	case ChannelSynthesis:
		if a.synth != nil {
			a.synth.Resume()
		}
	default:
		if s.element != nil {
			if err := s.element.Play(); err != nil {
				log.Printf("playback: resume: %v", err)
				a.stopLocked()
			}
		}
	}
	a.mu.Unlock()
	a.notify()
}

// StartPlaylist plays an ordered media sequence for one message, advancing on
// each ended event. Any playlist for a different owner is replaced. Duplicate
// URLs are dropped while preserving order.
func (a *Arbiter) StartPlaylist(messageID int64, typ PlaylistType, items []string, loop bool) {
	uniq := make([]string, 0, len(items))
	seen := make(map[string]struct{}, len(items))
	for _, it := range items {
		if it == "" {
			continue
		}
		if _, ok := seen[it]; ok {
			continue
		}
		seen[it] = struct{}{}
		uniq = append(uniq, it)
	}
	if len(uniq) == 0 {
		return
	}
	a.mu.Lock()
	a.playlist = &playlist{items: uniq, owner: messageID, typ: typ, loop: loop}
	a.startPlaylistItemLocked()
	a.mu.Unlock()
	a.notify()
}

// ClearPlaylist drops the playlist without touching the live element; the
// current item plays out and nothing chains after it.
func (a *Arbiter) ClearPlaylist() {
	a.mu.Lock()
	a.playlist = nil
	a.mu.Unlock()
}

// startPlaylistItemLocked starts the playlist's current item. Caller holds
// the lock.
func (a *Arbiter) startPlaylistItemLocked() {
	pl := a.playlist
	if pl == nil || pl.index < 0 || pl.index >= len(pl.items) {
		a.playlist = nil
		return
	}
	url := pl.items[pl.index]
	a.stopElementLocked()
	a.epoch++
	ep := a.epoch

	var (
		el  Element
		err error
	)
	onEnded := func() { a.elementEnded(ep) }
	onError := func(err error) { a.elementFailed(ep, err) }
	channel := ChannelVideo
	if pl.typ == PlaylistAudio {
		channel = ChannelServerAudio
		el, err = a.factory.NewAudio(url, onEnded, onError)
	} else {
		el, err = a.factory.NewVideo(url, onEnded, onError)
	}
	if err != nil {
		log.Printf("playback: playlist element %d: %v", pl.index, err)
		a.playlist = nil
		return
	}
	if err := el.Play(); err != nil {
		el.SetMuted(true)
		if err2 := el.Play(); err2 != nil {
			log.Printf("playback: playlist play rejected: %v", err2)
			el.Stop()
			a.playlist = nil
			return
		}
	}
	a.session = &session{channel: channel, owner: pl.owner, element: el, epoch: ep}
}

// elementEnded handles an ended event from the element started under epoch.
func (a *Arbiter) elementEnded(epoch uint64) {
	a.mu.Lock()
	if a.session == nil || a.session.epoch != epoch {
		// Stale callback from a torn-down element.
		a.mu.Unlock()
		return
	}
	owner := a.session.owner
	a.session = nil

	if pl := a.playlist; pl != nil && pl.owner == owner {
		pl.index++
		if pl.index >= len(pl.items) {
			if pl.loop {
				pl.index = 0
				a.startPlaylistItemLocked()
			} else {
				a.playlist = nil
			}
		} else {
			a.startPlaylistItemLocked()
		}
	}
	a.mu.Unlock()
	a.notify()
}

func (a *Arbiter) elementFailed(epoch uint64, err error) {
	a.mu.Lock()
	if a.session == nil || a.session.epoch != epoch {
		a.mu.Unlock()
		return
	}
	log.Printf("playback: media error: %v", err)
	a.session = nil
	a.playlist = nil
	a.mu.Unlock()
	a.notify()
}

// Autoplay applies the tie-break policy for a response that may carry both
// audio and video: video wins only with tutor mode on, otherwise audio plays
// with voice mode on, otherwise nothing starts.
func (a *Arbiter) Autoplay(messageID int64, audioURL, videoURL string, policy AutoplayPolicy) {
	if videoURL != "" && policy.TutorEnabled {
		a.PlayInlineVideo(messageID, videoURL, true)
		return
	}
	if audioURL != "" && policy.VoiceEnabled {
		a.PlayServerAudio(messageID, audioURL)
	}
}

// StopAll unconditionally tears down every channel and playlist. Idempotent;
// safe from component teardown.
func (a *Arbiter) StopAll() {
	a.mu.Lock()
	a.stopLocked()
	a.mu.Unlock()
	a.notify()
}

// stopLocked fully stops the live channel and drops the playlist. Caller
// holds the lock.
func (a *Arbiter) stopLocked() {
	a.playlist = nil
	a.stopElementLocked()
}

func (a *Arbiter) stopElementLocked() {
	a.epoch++
	if a.session == nil {
		return
	}
	s := a.session
	a.session = nil
	switch s.channel {
	case ChannelSynthesis:
		if a.synth != nil {
			a.synth.Cancel()
		}
	default:
		if s.element != nil {
			s.element.Stop()
		}
	}
}
