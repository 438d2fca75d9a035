// Package vad detects sustained voice activity in a PCM stream. A per-chunk
// RMS vote is smoothed over a short window with separate on and off
// thresholds, so a single loud click does not count as speech and a short gap
// does not count as silence.
package vad

import (
	"encoding/binary"
	"math"
)

const (
	defaultThreshold = 300.0
	defaultWindow    = 6
)

// Detector consumes PCM16LE mono chunks and reports the smoothed speaking
// state. Not safe for concurrent use; feed it from the stream's read loop.
type Detector struct {
	// Threshold is the RMS level (int16 scale) a chunk must reach to vote
	// as speech. Zero means the package default.
	Threshold float64
	// Window is the number of recent chunks voting. Zero means the default.
	Window int

	votes  []bool
	active bool
}

// Feed scores one chunk and returns the updated speaking state. The state
// turns on when a majority of the window voted speech and off only once the
// whole window is silent.
func (d *Detector) Feed(pcm []byte) bool {
	threshold := d.Threshold
	if threshold <= 0 {
		threshold = defaultThreshold
	}
	window := d.Window
	if window <= 0 {
		window = defaultWindow
	}

	d.votes = append(d.votes, rms(pcm) >= threshold)
	if len(d.votes) > window {
		d.votes = d.votes[len(d.votes)-window:]
	}

	speech := 0
	for _, v := range d.votes {
		if v {
			speech++
		}
	}
	if !d.active && len(d.votes) == window && speech*2 > window {
		d.active = true
	}
	if d.active && speech == 0 {
		d.active = false
	}
	return d.active
}

// Active reports the current smoothed state without feeding.
func (d *Detector) Active() bool { return d.active }

// Reset clears the window and state.
func (d *Detector) Reset() {
	d.votes = d.votes[:0]
	d.active = false
}

func rms(pcm []byte) float64 {
	if len(pcm) < 2 {
		return 0
	}
	var sum float64
	n := 0
	for i := 0; i+1 < len(pcm); i += 2 {
		v := float64(int16(binary.LittleEndian.Uint16(pcm[i : i+2])))
		sum += v * v
		n++
	}
	return math.Sqrt(sum / float64(n))
}
