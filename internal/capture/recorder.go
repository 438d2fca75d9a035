package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/majemaai/tutorlink/internal/backend"
	"github.com/majemaai/tutorlink/internal/device"
)

// Silence detection tuning. Recording stops after startSilence with no speech
// at all, or trailingSilence after the last detected speech.
const (
	startSilence    = 3000 * time.Millisecond
	trailingSilence = 3000 * time.Millisecond
	speechThreshold = 0.01
	pollInterval    = 100 * time.Millisecond
	analyserWindow  = 2048
)

// Transcriber turns a recorded utterance into text. Implemented by the
// backend client.
type Transcriber interface {
	Transcribe(ctx context.Context, grade backend.Grade, filename string, audio []byte) (string, error)
}

// Archiver stores confirmed utterance recordings. Optional.
type Archiver interface {
	SaveUtterance(ctx context.Context, name string, audio []byte) (string, error)
}

// Recorder captures one utterance from the microphone, ends it on silence and
// transcribes it through the backend. It is the capture path for environments
// without a streaming recognizer.
type Recorder struct {
	Gateway     *device.Gateway
	Transcriber Transcriber
	Archiver    Archiver

	// Zero values fall back to the package defaults.
	StartSilence    time.Duration
	TrailingSilence time.Duration
	Poll            time.Duration
}

// Utterance is one finished recording.
type Utterance struct {
	Text       string
	Audio      []byte
	SpokeAtAll bool
	ArchiveURL string
}

// Record captures until silence, then transcribes. The context bounds the
// whole recording; cancelling it stops capture and returns what was heard so
// far without transcribing.
func (r *Recorder) Record(ctx context.Context, grade backend.Grade) (Utterance, error) {
	if r.Gateway == nil || r.Transcriber == nil {
		return Utterance{}, ErrUnsupported
	}
	mic, err := r.Gateway.AcquireMicrophone(ctx)
	if err != nil {
		if errors.Is(err, device.ErrPermissionDenied) {
			return Utterance{}, fmt.Errorf("%w: %v", ErrNotAllowed, err)
		}
		return Utterance{}, err
	}
	defer r.Gateway.Release()

	analyser, err := mic.NewAnalyser(analyserWindow)
	if err != nil {
		return Utterance{}, err
	}

	startSil, trailSil, poll := r.StartSilence, r.TrailingSilence, r.Poll
	if startSil <= 0 {
		startSil = startSilence
	}
	if trailSil <= 0 {
		trailSil = trailingSilence
	}
	if poll <= 0 {
		poll = pollInterval
	}

	var buf bytes.Buffer
	startedAt := time.Now()
	lastSpeech := startedAt
	spoke := false

	ticker := time.NewTicker(poll)
	defer ticker.Stop()

capture:
	for {
		select {
		case <-ctx.Done():
			return Utterance{Audio: buf.Bytes(), SpokeAtAll: spoke}, ctx.Err()
		case frame, ok := <-mic.Frames():
			if !ok {
				break capture
			}
			buf.Write(frame)
		case <-ticker.C:
			sample, err := analyser.Sample()
			if err != nil {
				break capture
			}
			now := time.Now()
			if sample.Level > speechThreshold {
				spoke = true
				lastSpeech = now
			}
			if !spoke && now.Sub(startedAt) > startSil {
				break capture
			}
			if spoke && now.Sub(lastSpeech) > trailSil {
				break capture
			}
		}
	}

	// Drain any frames the pump queued before release.
	r.Gateway.Release()
	for _, frame := range drained(mic.Frames()) {
		buf.Write(frame)
	}

	out := Utterance{Audio: buf.Bytes(), SpokeAtAll: spoke}
	if !spoke {
		return out, ErrNoSpeech
	}

	text, err := r.Transcriber.Transcribe(ctx, grade, "utterance.pcm", out.Audio)
	if err != nil {
		return out, fmt.Errorf("capture: transcribe recording: %w", err)
	}
	out.Text = text

	if r.Archiver != nil {
		name := fmt.Sprintf("utterance-%d.pcm", startedAt.UnixMilli())
		url, err := r.Archiver.SaveUtterance(ctx, name, out.Audio)
		if err != nil {
			log.Printf("capture: archive utterance: %v", err)
		} else {
			out.ArchiveURL = url
		}
	}
	return out, nil
}

// drained returns the frames currently buffered without blocking on more.
func drained(frames <-chan []byte) [][]byte {
	var out [][]byte
	for {
		select {
		case f, ok := <-frames:
			if !ok {
				return out
			}
			out = append(out, f)
		default:
			return out
		}
	}
}
