package playback

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
)

type fakeElement struct {
	mu       sync.Mutex
	url      string
	playing  bool
	muted    bool
	stopped  bool
	playErrs int // number of times Play fails before succeeding
	onEnded  func()
	onError  func(error)
	plays    int
}

func (e *fakeElement) Play() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.plays++
	if e.playErrs > 0 {
		e.playErrs--
		return errors.New("autoplay blocked")
	}
	e.playing = true
	return nil
}

func (e *fakeElement) Pause() {
	e.mu.Lock()
	e.playing = false
	e.mu.Unlock()
}

func (e *fakeElement) Stop() {
	e.mu.Lock()
	e.playing = false
	e.stopped = true
	e.mu.Unlock()
}

func (e *fakeElement) SetMuted(m bool) {
	e.mu.Lock()
	e.muted = m
	e.mu.Unlock()
}

func (e *fakeElement) fireEnded() {
	e.mu.Lock()
	e.playing = false
	fn := e.onEnded
	e.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (e *fakeElement) isPlaying() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.playing
}

type fakeFactory struct {
	mu       sync.Mutex
	elements []*fakeElement
	playErrs int
}

func (f *fakeFactory) newElement(url string, onEnded func(), onError func(error)) (Element, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	el := &fakeElement{url: url, onEnded: onEnded, onError: onError, playErrs: f.playErrs}
	f.elements = append(f.elements, el)
	return el, nil
}

func (f *fakeFactory) NewAudio(url string, onEnded func(), onError func(error)) (Element, error) {
	return f.newElement(url, onEnded, onError)
}

func (f *fakeFactory) NewVideo(url string, onEnded func(), onError func(error)) (Element, error) {
	return f.newElement(url, onEnded, onError)
}

func (f *fakeFactory) playingCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, el := range f.elements {
		if el.isPlaying() {
			n++
		}
	}
	return n
}

func (f *fakeFactory) last() *fakeElement {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.elements) == 0 {
		return nil
	}
	return f.elements[len(f.elements)-1]
}

type fakeSynth struct {
	mu        sync.Mutex
	speaking  bool
	voices    []string
	spokeWith string
	done      chan struct{}
}

func (s *fakeSynth) Voices() []string {
	if s.voices != nil {
		return s.voices
	}
	return []string{"aura-2-thalia-en", "other"}
}

func (s *fakeSynth) Speak(ctx context.Context, text, voice string) (<-chan struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.speaking = true
	s.spokeWith = voice
	s.done = make(chan struct{})
	return s.done, nil
}

func (s *fakeSynth) Pause()  {}
func (s *fakeSynth) Resume() {}

func (s *fakeSynth) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.speaking {
		s.speaking = false
		close(s.done)
	}
}

func (s *fakeSynth) isSpeaking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.speaking
}

func newTestArbiter() (*Arbiter, *fakeFactory, *fakeSynth) {
	f := &fakeFactory{}
	s := &fakeSynth{}
	return NewArbiter(f, s), f, s
}

func liveChannels(f *fakeFactory, s *fakeSynth) int {
	n := f.playingCount()
	if s.isSpeaking() {
		n++
	}
	return n
}

func TestArbiter_MutualExclusionProperty(t *testing.T) {
	a, f, s := newTestArbiter()
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 500; i++ {
		switch rng.Intn(5) {
		case 0:
			a.PlaySynthesis(context.Background(), "hello", true)
		case 1:
			a.PlayServerAudio(int64(rng.Intn(3)), "https://x/a.mp3")
		case 2:
			a.PlayInlineVideo(int64(rng.Intn(3)), "https://x/v.mp4", rng.Intn(2) == 0)
		case 3:
			a.StopAll()
		case 4:
			if el := f.last(); el != nil {
				el.fireEnded()
			}
		}
		if n := liveChannels(f, s); n > 1 {
			t.Fatalf("step %d: %d channels live simultaneously", i, n)
		}
	}
}

func TestArbiter_SynthesisDisabledIsNoop(t *testing.T) {
	a, _, s := newTestArbiter()
	a.PlaySynthesis(context.Background(), "hello", false)
	if s.isSpeaking() {
		t.Fatalf("synthesis should not start when narration is disabled")
	}
	if a.Status().Channel != ChannelNone {
		t.Fatalf("expected idle, got %v", a.Status().Channel)
	}
}

func TestArbiter_SynthesisUsesRankedVoice(t *testing.T) {
	a, _, s := newTestArbiter()
	a.PlaySynthesis(context.Background(), "hello", true)
	if s.spokeWith != "aura-2-thalia-en" {
		t.Fatalf("expected preferred voice, got %q", s.spokeWith)
	}

	s2 := &fakeSynth{voices: []string{"only-voice"}}
	a2 := NewArbiter(&fakeFactory{}, s2)
	a2.PlaySynthesis(context.Background(), "hello", true)
	if s2.spokeWith != "only-voice" {
		t.Fatalf("expected fallback to first available voice, got %q", s2.spokeWith)
	}
}

func TestArbiter_ServerAudioToggle(t *testing.T) {
	a, f, _ := newTestArbiter()
	a.PlayServerAudio(1, "https://x/a.mp3")
	el := f.last()
	if !el.isPlaying() {
		t.Fatalf("expected audio playing")
	}
	a.PlayServerAudio(1, "https://x/a.mp3")
	if el.isPlaying() || !a.Status().Paused {
		t.Fatalf("second call for same owner should pause")
	}
	a.PlayServerAudio(1, "https://x/a.mp3")
	if !el.isPlaying() || a.Status().Paused {
		t.Fatalf("third call should resume")
	}
	if len(f.elements) != 1 {
		t.Fatalf("toggle must reuse the element, got %d", len(f.elements))
	}
}

func TestArbiter_NewChannelStopsPrevious(t *testing.T) {
	a, f, s := newTestArbiter()
	a.PlaySynthesis(context.Background(), "speak", true)
	a.PlayServerAudio(1, "https://x/a.mp3")
	if s.isSpeaking() {
		t.Fatalf("synthesis must stop before audio starts")
	}
	first := f.last()
	a.PlayInlineVideo(2, "https://x/v.mp4", true)
	if first.isPlaying() {
		t.Fatalf("audio must stop before video starts")
	}
	if got := a.Status().Channel; got != ChannelVideo {
		t.Fatalf("expected video channel, got %v", got)
	}
}

func TestArbiter_VideoRetriesMutedOnce(t *testing.T) {
	f := &fakeFactory{playErrs: 1}
	a := NewArbiter(f, nil)
	a.PlayInlineVideo(1, "https://x/v.mp4", false)
	el := f.last()
	if !el.isPlaying() {
		t.Fatalf("expected video playing after muted retry")
	}
	if !el.muted {
		t.Fatalf("retry should have muted the element")
	}
	if el.plays != 2 {
		t.Fatalf("expected exactly 2 play attempts, got %d", el.plays)
	}
}

func TestArbiter_VideoPersistentFailureResetsIdle(t *testing.T) {
	f := &fakeFactory{playErrs: 2}
	a := NewArbiter(f, nil)
	a.PlayInlineVideo(1, "https://x/v.mp4", false)
	if a.Status().Channel != ChannelNone {
		t.Fatalf("expected idle after persistent autoplay failure")
	}
}

func TestArbiter_PlaylistExhaustion(t *testing.T) {
	a, f, _ := newTestArbiter()
	idleTransitions := 0
	a.OnState(func(st Status) {
		if st.Channel == ChannelNone {
			idleTransitions++
		}
	})
	a.StartPlaylist(1, PlaylistVideo, []string{"u1", "u2", "u3"}, false)
	for i := 0; i < 3; i++ {
		el := f.last()
		if !el.isPlaying() {
			t.Fatalf("item %d not playing", i)
		}
		el.fireEnded()
	}
	if got := a.Status(); got.Channel != ChannelNone || got.PlaylistLen != 0 {
		t.Fatalf("expected idle after exhaustion, got %+v", got)
	}
	if len(f.elements) != 3 {
		t.Fatalf("expected exactly 3 elements, got %d", len(f.elements))
	}
	if idleTransitions != 1 {
		t.Fatalf("expected exactly one idle transition, got %d", idleTransitions)
	}
	// A duplicate ended event after exhaustion must not restart anything.
	f.last().fireEnded()
	if len(f.elements) != 3 {
		t.Fatalf("stale ended event created an element")
	}
}

func TestArbiter_PlaylistLoops(t *testing.T) {
	a, f, _ := newTestArbiter()
	a.StartPlaylist(1, PlaylistAudio, []string{"u1", "u2"}, true)
	for i := 0; i < 4; i++ {
		f.last().fireEnded()
	}
	if a.Status().Channel != ChannelServerAudio {
		t.Fatalf("looping playlist should still be live")
	}
	if len(f.elements) != 5 {
		t.Fatalf("expected 5 elements after two loops, got %d", len(f.elements))
	}
}

func TestArbiter_PlaylistDeduplicates(t *testing.T) {
	a, f, _ := newTestArbiter()
	a.StartPlaylist(1, PlaylistVideo, []string{"u1", "u1", "", "u2"}, false)
	f.last().fireEnded()
	f.last().fireEnded()
	if len(f.elements) != 2 {
		t.Fatalf("expected dupes and blanks dropped, got %d elements", len(f.elements))
	}
}

func TestArbiter_StalePlaylistGuard(t *testing.T) {
	a, f, _ := newTestArbiter()
	a.StartPlaylist(1, PlaylistVideo, []string{"u1", "u2", "u3"}, false)
	first := f.last()

	// New conversation turn: message 2 takes over playback.
	a.PlayServerAudio(2, "https://x/a.mp3")
	created := len(f.elements)

	// Delayed ended event from the old playlist element arrives late.
	first.fireEnded()
	if len(f.elements) != created {
		t.Fatalf("stale playlist chained a new element")
	}
	if got := a.Status().Channel; got != ChannelServerAudio {
		t.Fatalf("expected message 2 audio still live, got %v", got)
	}
}

func TestArbiter_AutoplayTieBreak(t *testing.T) {
	cases := []struct {
		policy AutoplayPolicy
		audio  string
		video  string
		want   Channel
	}{
		{AutoplayPolicy{TutorEnabled: true, VoiceEnabled: true}, "a", "v", ChannelVideo},
		{AutoplayPolicy{TutorEnabled: false, VoiceEnabled: true}, "a", "v", ChannelServerAudio},
		{AutoplayPolicy{}, "a", "v", ChannelNone},
		{AutoplayPolicy{TutorEnabled: true}, "a", "", ChannelNone},
		{AutoplayPolicy{VoiceEnabled: true}, "", "v", ChannelNone},
	}
	for i, tc := range cases {
		a, _, _ := newTestArbiter()
		a.Autoplay(7, tc.audio, tc.video, tc.policy)
		if got := a.Status().Channel; got != tc.want {
			t.Fatalf("case %d: got %v, want %v", i, got, tc.want)
		}
	}
}

func TestArbiter_StopAllIdempotent(t *testing.T) {
	a, f, s := newTestArbiter()
	a.StopAll()
	a.PlaySynthesis(context.Background(), "x", true)
	a.StopAll()
	a.StopAll()
	if liveChannels(f, s) != 0 {
		t.Fatalf("expected everything stopped")
	}
	if a.Status().Channel != ChannelNone {
		t.Fatalf("expected idle")
	}
}

func TestArbiter_ErrorResetsToIdle(t *testing.T) {
	a, f, _ := newTestArbiter()
	a.PlayServerAudio(1, "https://x/a.mp3")
	el := f.last()
	el.onError(errors.New("decode failure"))
	if a.Status().Channel != ChannelNone {
		t.Fatalf("expected idle after media error")
	}
}
