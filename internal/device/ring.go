package device

import "sync"

// pcmRing stores 16-bit PCM samples so analysers can look back over the most
// recent window without holding up the pump.
type pcmRing struct {
	mu       sync.Mutex
	buf      []int16
	cap      int
	writePos int
	written  int
}

func newPCMRing(capacityMs, sampleRate int) *pcmRing {
	samples := capacityMs * sampleRate / 1000
	if samples < sampleRate/10 {
		samples = sampleRate / 10
	}
	return &pcmRing{buf: make([]int16, samples), cap: samples}
}

func (r *pcmRing) Write(samples []int16) {
	r.mu.Lock()
	for _, s := range samples {
		r.buf[r.writePos] = s
		r.writePos = (r.writePos + 1) % r.cap
	}
	r.written += len(samples)
	if r.written > r.cap {
		r.written = r.cap
	}
	r.mu.Unlock()
}

// ReadLast returns up to n of the most recently written samples, oldest first.
func (r *pcmRing) ReadLast(n int) []int16 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n > r.written {
		n = r.written
	}
	out := make([]int16, n)
	start := (r.writePos - n + r.cap) % r.cap
	for i := 0; i < n; i++ {
		out[i] = r.buf[(start+i)%r.cap]
	}
	return out
}
