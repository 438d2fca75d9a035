package tts

import (
	"context"
	"testing"
	"time"
)

// Without an API key the vendor must fail fast instead of hanging.
func TestDeepgramVendor_NoKey(t *testing.T) {
	d := NewDeepgramVendor("")
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	pcmCh, errCh := d.StreamPCM48k(ctx, "hello", "")
	select {
	case err := <-errCh:
		if err == nil {
			t.Fatalf("expected error when api key missing")
		}
	case <-pcmCh:
	case <-time.After(300 * time.Millisecond):
		t.Fatalf("timeout waiting for error")
	}
}

func TestDeepgramVendor_Voices(t *testing.T) {
	d := NewDeepgramVendor("key")
	voices := d.Voices()
	if len(voices) == 0 || voices[0] != "aura-2-thalia-en" {
		t.Fatalf("unexpected voice list %v", voices)
	}
	voices[0] = "mutated"
	if d.Voices()[0] != "aura-2-thalia-en" {
		t.Fatalf("Voices must return a copy")
	}
}

func TestElevenLabsVendor_NoKey(t *testing.T) {
	e := NewElevenLabsVendor("")
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, errCh := e.StreamPCM48k(ctx, "hello", "rachel")
	select {
	case err := <-errCh:
		if err == nil {
			t.Fatalf("expected error when api key missing")
		}
	case <-time.After(300 * time.Millisecond):
		t.Fatalf("timeout waiting for error")
	}
}
