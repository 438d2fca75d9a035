package device

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"math"
	"sync"
	"testing"
	"time"
)

type fakeStream struct {
	mu     sync.Mutex
	chunks [][]byte
	closed bool
	wait   chan struct{}
}

func newFakeStream(chunks ...[]byte) *fakeStream {
	return &fakeStream{chunks: chunks, wait: make(chan struct{})}
}

func (f *fakeStream) ReadPCM() ([]byte, error) {
	f.mu.Lock()
	if len(f.chunks) > 0 {
		c := f.chunks[0]
		f.chunks = f.chunks[1:]
		f.mu.Unlock()
		return c, nil
	}
	f.mu.Unlock()
	<-f.wait
	return nil, io.EOF
}

func (f *fakeStream) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.wait)
	}
	return nil
}

type fakeMic struct {
	stream *fakeStream
	err    error
	opens  int
}

func (f *fakeMic) Open(ctx context.Context) (Stream, error) {
	f.opens++
	if f.err != nil {
		return nil, f.err
	}
	return f.stream, nil
}

func sine16k(hz float64, durMs int) []byte {
	n := SampleRate * durMs / 1000
	out := make([]byte, n*2)
	for i := 0; i < n; i++ {
		v := int16(8000 * math.Sin(2*math.Pi*hz*float64(i)/float64(SampleRate)))
		binary.LittleEndian.PutUint16(out[i*2:(i+1)*2], uint16(v))
	}
	return out
}

func TestGateway_ExclusiveAcquire(t *testing.T) {
	g := NewGateway(&fakeMic{stream: newFakeStream()})
	if _, err := g.AcquireMicrophone(context.Background()); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := g.AcquireMicrophone(context.Background()); !errors.Is(err, ErrMicrophoneBusy) {
		t.Fatalf("expected ErrMicrophoneBusy, got %v", err)
	}
	g.Release()
	if _, err := g.AcquireMicrophone(context.Background()); err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
}

func TestGateway_PermissionDeniedPassesThrough(t *testing.T) {
	g := NewGateway(&fakeMic{err: ErrPermissionDenied})
	if _, err := g.AcquireMicrophone(context.Background()); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got %v", err)
	}
}

func TestGateway_ReleaseIdempotent(t *testing.T) {
	stream := newFakeStream()
	g := NewGateway(&fakeMic{stream: stream})
	if _, err := g.AcquireMicrophone(context.Background()); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	g.Release()
	g.Release()
	g.Release()
	stream.mu.Lock()
	closed := stream.closed
	stream.mu.Unlock()
	if !closed {
		t.Fatalf("expected stream closed after release")
	}
}

func TestAnalyser_LevelReflectsSignal(t *testing.T) {
	stream := newFakeStream(sine16k(220, 100))
	g := NewGateway(&fakeMic{stream: stream})
	cap, err := g.AcquireMicrophone(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	an, err := cap.NewAnalyser(1024)
	if err != nil {
		t.Fatalf("analyser: %v", err)
	}

	deadline := time.Now().Add(500 * time.Millisecond)
	var level float64
	for time.Now().Before(deadline) {
		s, err := an.Sample()
		if err != nil {
			t.Fatalf("sample: %v", err)
		}
		if s.Level > 0.01 {
			level = s.Level
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if level <= 0.01 {
		t.Fatalf("expected audible level from sine input, got %f", level)
	}
}

func TestAnalyser_FailsAfterRelease(t *testing.T) {
	g := NewGateway(&fakeMic{stream: newFakeStream()})
	cap, err := g.AcquireMicrophone(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	an, err := cap.NewAnalyser(0)
	if err != nil {
		t.Fatalf("analyser: %v", err)
	}
	g.Release()
	if _, err := an.Sample(); !errors.Is(err, ErrReleased) {
		t.Fatalf("expected ErrReleased, got %v", err)
	}
}
