package playback

import "context"

// Channel identifies which single media stream is live. At most one non-none
// channel exists at any instant; that is the arbiter's core invariant.
type Channel int

const (
	ChannelNone Channel = iota
	ChannelSynthesis
	ChannelServerAudio
	ChannelVideo
)

func (c Channel) String() string {
	switch c {
	case ChannelSynthesis:
		return "synthesis"
	case ChannelServerAudio:
		return "serverAudio"
	case ChannelVideo:
		return "video"
	default:
		return "none"
	}
}

// PlaylistType selects which media collection of a message a playlist walks.
type PlaylistType string

const (
	PlaylistVideo   PlaylistType = "video"
	PlaylistAudio   PlaylistType = "audio"
	PlaylistDetail  PlaylistType = "detail"
	PlaylistStory   PlaylistType = "story"
	PlaylistExample PlaylistType = "example"
)

// Element is one active audio or video surface. Implementations must invoke
// the ended/error handlers asynchronously, never from inside Play.
type Element interface {
	Play() error
	Pause()
	// Stop pauses, rewinds and detaches the element. After Stop no handler
	// may fire.
	Stop()
	SetMuted(muted bool)
}

// MediaFactory creates playback elements. The production factory drives
// remote media elements in the browser through the session transport; tests
// substitute fakes.
type MediaFactory interface {
	NewAudio(url string, onEnded func(), onError func(error)) (Element, error)
	NewVideo(url string, onEnded func(), onError func(error)) (Element, error)
}

// Synthesizer produces spoken narration for text. Speak returns a channel
// that is closed when the utterance finishes or is cancelled.
type Synthesizer interface {
	Voices() []string
	Speak(ctx context.Context, text, voice string) (<-chan struct{}, error)
	Pause()
	Resume()
	Cancel()
}

// AutoplayPolicy is the per-turn preference snapshot that decides whether a
// response's media starts on its own.
type AutoplayPolicy struct {
	VoiceEnabled bool
	TutorEnabled bool
}

// Status is the externally visible playback state.
type Status struct {
	Channel       Channel
	Owner         int64
	Paused        bool
	PlaylistType  PlaylistType
	PlaylistIndex int
	PlaylistLen   int
}
