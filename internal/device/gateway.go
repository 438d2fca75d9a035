// Package device wraps microphone acquisition, amplitude analysis and track
// teardown behind a single exclusive handle. The concrete audio source is an
// interface: in production PCM frames are relayed from the browser over the
// session transport, in tests an in-memory source is used.
package device

import (
	"context"
	"encoding/binary"
	"errors"
	"log"
	"math"
	"sync"
)

// SampleRate is the PCM sample rate every Microphone implementation must
// deliver: 16 kHz mono PCM16LE.
const SampleRate = 16000

var (
	ErrPermissionDenied  = errors.New("device: microphone permission denied")
	ErrDeviceUnavailable = errors.New("device: microphone unavailable")
	ErrMicrophoneBusy    = errors.New("device: microphone already acquired")
	ErrReleased          = errors.New("device: capture released")
)

// Microphone opens a raw PCM stream. Open should return ErrPermissionDenied
// or ErrDeviceUnavailable (possibly wrapped) on failure.
type Microphone interface {
	Open(ctx context.Context) (Stream, error)
}

// Stream delivers PCM16LE 16 kHz mono chunks. ReadPCM blocks until data is
// available and returns io.EOF (or any error) when the stream ends.
type Stream interface {
	ReadPCM() ([]byte, error)
	Close() error
}

// Gateway hands out the single microphone capture handle. The microphone is
// an exclusive resource: a second acquire fails until Release.
type Gateway struct {
	mic Microphone

	mu      sync.Mutex
	capture *Capture
}

func NewGateway(mic Microphone) *Gateway {
	return &Gateway{mic: mic}
}

// AcquireMicrophone opens the microphone and starts pumping PCM into the
// capture ring. The returned handle stays valid until Release.
func (g *Gateway) AcquireMicrophone(ctx context.Context) (*Capture, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.capture != nil {
		return nil, ErrMicrophoneBusy
	}
	if g.mic == nil {
		return nil, ErrDeviceUnavailable
	}
	stream, err := g.mic.Open(ctx)
	if err != nil {
		if errors.Is(err, ErrPermissionDenied) || errors.Is(err, ErrDeviceUnavailable) {
			return nil, err
		}
		return nil, errors.Join(ErrDeviceUnavailable, err)
	}
	c := &Capture{
		stream: stream,
		ring:   newPCMRing(2000, SampleRate),
		frames: make(chan []byte, 256),
		done:   make(chan struct{}),
	}
	go c.pump()
	g.capture = c
	return c, nil
}

// Release tears down the current capture. Idempotent and safe to call from
// error paths; after it returns no OS-level microphone handle remains held.
func (g *Gateway) Release() {
	g.mu.Lock()
	c := g.capture
	g.capture = nil
	g.mu.Unlock()
	if c != nil {
		c.release()
	}
}

// Capture is one exclusive microphone acquisition.
type Capture struct {
	stream Stream
	ring   *pcmRing
	frames chan []byte

	mu       sync.Mutex
	released bool
	done     chan struct{}
}

func (c *Capture) pump() {
	for {
		chunk, err := c.stream.ReadPCM()
		if err != nil {
			return
		}
		if len(chunk) < 2 {
			continue
		}
		samples := make([]int16, len(chunk)/2)
		for i := range samples {
			samples[i] = int16(binary.LittleEndian.Uint16(chunk[i*2 : i*2+2]))
		}
		c.ring.Write(samples)
		select {
		case c.frames <- chunk:
		default:
			// Analyser consumers lag; raw frame subscribers may drop.
		}
		select {
		case <-c.done:
			return
		default:
		}
	}
}

// Frames exposes the raw PCM chunks for recorder-style consumers. Frames may
// be dropped when the consumer lags; the analyser ring is not affected.
func (c *Capture) Frames() <-chan []byte { return c.frames }

// NewAnalyser creates an amplitude/waveform sampler over the capture ring.
// fftSize is the waveform window length in samples.
func (c *Capture) NewAnalyser(fftSize int) (*Analyser, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released {
		return nil, ErrReleased
	}
	if fftSize <= 0 {
		fftSize = 2048
	}
	return &Analyser{capture: c, fftSize: fftSize}, nil
}

func (c *Capture) release() {
	c.mu.Lock()
	if c.released {
		c.mu.Unlock()
		return
	}
	c.released = true
	close(c.done)
	c.mu.Unlock()
	if err := c.stream.Close(); err != nil {
		log.Printf("device: stream close: %v", err)
	}
}

func (c *Capture) isReleased() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.released
}

// Sample is one analyser reading: a normalized amplitude level in [0,1] and
// the most recent waveform window.
type Sample struct {
	Level    float64
	Waveform []int16
}

// Analyser samples amplitude from the owning capture. After the capture is
// released Sample fails with ErrReleased so polling loops self-terminate.
type Analyser struct {
	capture *Capture
	fftSize int
}

func (a *Analyser) Sample() (Sample, error) {
	if a.capture.isReleased() {
		return Sample{}, ErrReleased
	}
	window := a.capture.ring.ReadLast(a.fftSize)
	if len(window) == 0 {
		return Sample{Waveform: window}, nil
	}
	var sum float64
	for _, s := range window {
		f := float64(s)
		sum += f * f
	}
	rms := math.Sqrt(sum/float64(len(window))) / 32768.0
	if rms > 1 {
		rms = 1
	}
	return Sample{Level: rms, Waveform: window}, nil
}
