package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/majemaai/tutorlink/internal/archive"
	"github.com/majemaai/tutorlink/internal/backend"
	"github.com/majemaai/tutorlink/internal/capture"
	"github.com/majemaai/tutorlink/internal/config"
	"github.com/majemaai/tutorlink/internal/httpserver"
	"github.com/majemaai/tutorlink/internal/playback"
	"github.com/majemaai/tutorlink/internal/rtc"
	"github.com/majemaai/tutorlink/internal/store"
	"github.com/majemaai/tutorlink/internal/tts"
)

// peerSynth narrates through whichever RTC peer connected last.
type peerSynth struct {
	*tts.Narrator
	sink *tts.SwitchSink
}

func (p *peerSynth) AttachPeer(peer *rtc.Peer) {
	p.sink.Set(peer.Sink())
}

func main() {
	// Include sub-second precision in all log timestamps
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)

	cfg := config.Load()

	client := backend.NewClient(cfg.BackendBaseURL)
	if cfg.BackendModel != "" {
		client.Model = cfg.BackendModel
	}

	var prefs store.Store = store.NewMemoryStore()
	if cfg.RedisURL != "" {
		rs, err := store.NewRedisStore(context.Background(), cfg.RedisURL)
		if err != nil {
			log.Printf("redis unavailable, using in-memory preferences: %v", err)
		} else {
			prefs = rs
		}
	}

	var archiver capture.Archiver
	if cfg.SupabaseURL != "" && cfg.SupabaseKey != "" {
		sb, err := archive.New(archive.Config{
			URL:            cfg.SupabaseURL,
			ServiceRoleKey: cfg.SupabaseKey,
			Bucket:         cfg.SupabaseBucket,
		})
		if err != nil {
			log.Printf("supabase unavailable, archiving disabled: %v", err)
		} else {
			archiver = sb
		}
	}

	var synth playback.Synthesizer
	var vendor tts.Vendor
	switch {
	case cfg.DeepgramKey != "":
		vendor = tts.NewDeepgramVendor(cfg.DeepgramKey)
	case cfg.ElevenLabsKey != "":
		vendor = tts.NewElevenLabsVendor(cfg.ElevenLabsKey)
	}
	if vendor != nil {
		sink := tts.NewSwitchSink()
		synth = &peerSynth{Narrator: tts.NewNarrator(vendor, sink), sink: sink}
	}

	srv := httpserver.New(
		httpserver.Config{AuthPassword: cfg.AuthPassword, ICEServersJSON: cfg.ICEServersJSON},
		httpserver.Deps{Backend: client, Prefs: prefs, Synth: synth, Archive: archiver},
	)

	server := &http.Server{
		Addr:              cfg.HTTPAddress,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Start server in background
	serverErrors := make(chan error, 1)
	go func() {
		log.Printf("server listening on %s", cfg.HTTPAddress)
		serverErrors <- server.ListenAndServe()
	}()

	// Graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	case sig := <-sigChan:
		log.Printf("shutdown signal received: %v", sig)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = server.Close()
	}
}
