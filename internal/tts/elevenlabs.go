package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
)

// elevenVoices maps narration voice names onto ElevenLabs voice IDs. The
// names line up with the arbiter's ranked preference so a vendor swap does
// not change selection behavior.
var elevenVoices = map[string]string{
	"rachel": "21m00Tcm4TlvDq8ikWAM",
	"adam":   "pNInz6obpgDQGcFmaJgB",
}

// ElevenLabsVendor is the fallback narration vendor, streaming PCM over the
// HTTP streaming endpoint.
type ElevenLabsVendor struct {
	APIKey string
}

func NewElevenLabsVendor(apiKey string) *ElevenLabsVendor {
	return &ElevenLabsVendor{APIKey: apiKey}
}

func (e *ElevenLabsVendor) Voices() []string {
	out := make([]string, 0, len(elevenVoices))
	for name := range elevenVoices {
		out = append(out, name)
	}
	return out
}

func (e *ElevenLabsVendor) StreamPCM48k(ctx context.Context, text, voice string) (<-chan []byte, <-chan error) {
	pcmCh := make(chan []byte, 4096)
	errCh := make(chan error, 1)
	go func() {
		defer close(pcmCh)
		defer close(errCh)
		voiceID, ok := elevenVoices[voice]
		if !ok {
			voiceID = elevenVoices["rachel"]
		}
		if e.APIKey == "" {
			errCh <- fmt.Errorf("elevenlabs: api key missing")
			return
		}
		if text == "" {
			return
		}
		if err := e.httpStream(ctx, text, voiceID, pcmCh); err != nil {
			errCh <- err
		}
	}()
	return pcmCh, errCh
}

func (e *ElevenLabsVendor) httpStream(ctx context.Context, text, voiceID string, pcmCh chan<- []byte) error {
	u := url.URL{
		Scheme: "https",
		Host:   "api.elevenlabs.io",
		Path:   "/v1/text-to-speech/" + voiceID + "/stream",
	}
	q := u.Query()
	q.Set("model_id", "eleven_flash_v2_5")
	q.Set("output_format", "pcm_48000")
	q.Set("optimize_streaming_latency", "2")
	u.RawQuery = q.Encode()

	body := map[string]any{
		"model_id": "eleven_flash_v2_5",
		"text":     text,
		"voice_settings": map[string]any{
			"stability":         0.4,
			"similarity_boost":  0.7,
			"style":             0.0,
			"use_speaker_boost": true,
		},
		"generation_config": map[string]any{
			"chunk_length_schedule": []int{80, 120, 160, 200},
		},
	}
	buf, _ := json.Marshal(body)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("xi-api-key", e.APIKey)
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: 0}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("elevenlabs http stream error: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("elevenlabs http status=%d body=%s", resp.StatusCode, string(b))
	}

	chunk := make([]byte, 4096)
	for {
		n, rerr := resp.Body.Read(chunk)
		if n > 0 {
			out := make([]byte, n)
			copy(out, chunk[:n])
			select {
			case pcmCh <- out:
			default:
			}
		}
		if rerr != nil {
			if rerr == io.EOF {
				return nil
			}
			return fmt.Errorf("elevenlabs http read error: %w", rerr)
		}
	}
}
