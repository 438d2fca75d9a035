package tts

import (
	"context"
	"log"
	"sync"
)

// Vendor streams narration PCM for a text and voice.
type Vendor interface {
	Voices() []string
	StreamPCM48k(ctx context.Context, text, voice string) (<-chan []byte, <-chan error)
}

// Sink receives 48kHz linear16 PCM frames. The production sink is the paced
// track writer; tests substitute buffers.
type Sink interface {
	WritePCM(pcm []byte) error
}

// Narrator adapts a streaming vendor to the playback arbiter's synthesizer
// contract. One utterance is live at a time; starting a new one cancels the
// previous.
type Narrator struct {
	vendor Vendor
	sink   Sink

	mu     sync.Mutex
	cond   *sync.Cond
	cancel context.CancelFunc
	paused bool
	gen    uint64
}

func NewNarrator(vendor Vendor, sink Sink) *Narrator {
	n := &Narrator{vendor: vendor, sink: sink}
	n.cond = sync.NewCond(&n.mu)
	return n
}

func (n *Narrator) Voices() []string {
	return n.vendor.Voices()
}

// Speak starts streaming the utterance and returns a channel closed when it
// finishes or is cancelled.
func (n *Narrator) Speak(ctx context.Context, text, voice string) (<-chan struct{}, error) {
	n.mu.Lock()
	if n.cancel != nil {
		n.cancel()
	}
	sctx, cancel := context.WithCancel(ctx)
	n.cancel = cancel
	n.paused = false
	n.gen++
	gen := n.gen
	n.mu.Unlock()

	pcmCh, errCh := n.vendor.StreamPCM48k(sctx, text, voice)
	done := make(chan struct{})

	go func() {
		defer close(done)
		defer func() {
			n.mu.Lock()
			if n.gen == gen {
				n.cancel = nil
			}
			n.mu.Unlock()
		}()
		for {
			select {
			case <-sctx.Done():
				return
			case err, ok := <-errCh:
				if !ok {
					errCh = nil
					continue
				}
				if err != nil {
					log.Printf("tts: narration stream: %v", err)
					return
				}
			case frame, ok := <-pcmCh:
				if !ok {
					return
				}
				if !n.waitUnpaused(sctx, gen) {
					return
				}
				if err := n.sink.WritePCM(frame); err != nil {
					log.Printf("tts: sink write: %v", err)
					return
				}
			}
		}
	}()
	return done, nil
}

// waitUnpaused blocks while paused. Returns false once the utterance is
// cancelled or superseded.
func (n *Narrator) waitUnpaused(ctx context.Context, gen uint64) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for n.paused && n.gen == gen && ctx.Err() == nil {
		n.cond.Wait()
	}
	return n.gen == gen && ctx.Err() == nil
}

func (n *Narrator) Pause() {
	n.mu.Lock()
	n.paused = true
	n.mu.Unlock()
}

func (n *Narrator) Resume() {
	n.mu.Lock()
	n.paused = false
	n.cond.Broadcast()
	n.mu.Unlock()
}

// Cancel stops the live utterance. Idempotent.
func (n *Narrator) Cancel() {
	n.mu.Lock()
	if n.cancel != nil {
		n.cancel()
		n.cancel = nil
	}
	n.paused = false
	n.cond.Broadcast()
	n.mu.Unlock()
}
