package tts

import "sync"

// SwitchSink fans narration PCM to whichever sink was attached last. With no
// sink attached frames are dropped, so narration keeps pacing even before a
// listener connects.
type SwitchSink struct {
	mu  sync.Mutex
	cur Sink
}

func NewSwitchSink() *SwitchSink {
	return &SwitchSink{}
}

func (s *SwitchSink) Set(sink Sink) {
	s.mu.Lock()
	s.cur = sink
	s.mu.Unlock()
}

func (s *SwitchSink) WritePCM(pcm []byte) error {
	s.mu.Lock()
	cur := s.cur
	s.mu.Unlock()
	if cur == nil {
		return nil
	}
	return cur.WritePCM(pcm)
}
