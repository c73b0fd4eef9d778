package main

import (
	"context"
	"log/slog"
	"sync"
	"testing"

	"github.com/pion/webrtc/v4"

	"github.com/pairlink/signaling-relay/internal/config"
)

type recordedLog struct {
	level slog.Level
	msg   string
	attrs map[string]any
}

type recordingHandler struct {
	mu      *sync.Mutex
	records *[]recordedLog
	attrs   []slog.Attr
}

func newRecordingLogger() (*slog.Logger, func() []recordedLog) {
	mu := &sync.Mutex{}
	records := &[]recordedLog{}
	h := &recordingHandler{mu: mu, records: records}
	logger := slog.New(h)
	return logger, func() []recordedLog {
		mu.Lock()
		defer mu.Unlock()
		out := make([]recordedLog, len(*records))
		copy(out, *records)
		return out
	}
}

func (h *recordingHandler) Enabled(context.Context, slog.Level) bool {
	return true
}

func (h *recordingHandler) Handle(_ context.Context, r slog.Record) error {
	rec := recordedLog{
		level: r.Level,
		msg:   r.Message,
		attrs: map[string]any{},
	}
	for _, a := range h.attrs {
		rec.attrs[a.Key] = a.Value.Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		rec.attrs[a.Key] = a.Value.Any()
		return true
	})

	h.mu.Lock()
	*h.records = append(*h.records, rec)
	h.mu.Unlock()
	return nil
}

func (h *recordingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	cp := &recordingHandler{mu: h.mu, records: h.records}
	cp.attrs = append(append([]slog.Attr(nil), h.attrs...), attrs...)
	return cp
}

func (h *recordingHandler) WithGroup(string) slog.Handler {
	return h
}

func warningCodes(records []recordedLog) map[string]bool {
	out := map[string]bool{}
	for _, r := range records {
		if r.level != slog.LevelWarn {
			continue
		}
		if code, ok := r.attrs["warning_code"].(string); ok {
			out[code] = true
		}
	}
	return out
}

func TestStartupWarnings_AllowedOriginsWildcard(t *testing.T) {
	logger, records := newRecordingLogger()

	logStartupSecurityWarnings(logger, config.Config{
		Mode:           config.ModeDev,
		AllowedOrigins: []string{"*"},
		ICEServers:     []webrtc.ICEServer{{URLs: []string{"stun:stun.example.com"}}},
	})

	codes := warningCodes(records())
	if !codes["allowed_origins_wildcard"] {
		t.Fatalf("expected allowed_origins_wildcard, got %#v", records())
	}
}

func TestStartupWarnings_MaxRoomsUnlimitedInProd(t *testing.T) {
	logger, records := newRecordingLogger()

	logStartupSecurityWarnings(logger, config.Config{
		Mode:       config.ModeProd,
		MaxRooms:   0,
		ICEServers: []webrtc.ICEServer{{URLs: []string{"stun:stun.example.com"}}},
	})

	codes := warningCodes(records())
	if !codes["max_rooms_unlimited_in_prod"] {
		t.Fatalf("expected max_rooms_unlimited_in_prod, got %#v", records())
	}

	logger, records = newRecordingLogger()
	logStartupSecurityWarnings(logger, config.Config{
		Mode:       config.ModeDev,
		MaxRooms:   0,
		ICEServers: []webrtc.ICEServer{{URLs: []string{"stun:stun.example.com"}}},
	})
	if warningCodes(records())["max_rooms_unlimited_in_prod"] {
		t.Fatal("dev mode should not warn about unlimited rooms")
	}
}

func TestStartupWarnings_PortFallbackInProd(t *testing.T) {
	logger, records := newRecordingLogger()

	logStartupSecurityWarnings(logger, config.Config{
		Mode:               config.ModeProd,
		MaxRooms:           100,
		ListenPortAttempts: 10,
		ICEServers:         []webrtc.ICEServer{{URLs: []string{"stun:stun.example.com"}}},
	})

	codes := warningCodes(records())
	if !codes["listen_port_fallback_in_prod"] {
		t.Fatalf("expected listen_port_fallback_in_prod, got %#v", records())
	}
}

func TestStartupWarnings_NoICEServers(t *testing.T) {
	logger, records := newRecordingLogger()

	logStartupSecurityWarnings(logger, config.Config{Mode: config.ModeDev})

	codes := warningCodes(records())
	if !codes["no_ice_servers"] {
		t.Fatalf("expected no_ice_servers, got %#v", records())
	}
}

func TestStartupWarnings_QuietWhenConfigured(t *testing.T) {
	logger, records := newRecordingLogger()

	logStartupSecurityWarnings(logger, config.Config{
		Mode:               config.ModeProd,
		MaxRooms:           500,
		ListenPortAttempts: 1,
		AllowedOrigins:     []string{"https://app.example.com"},
		ICEServers:         []webrtc.ICEServer{{URLs: []string{"stun:stun.example.com"}}},
	})

	if got := warningCodes(records()); len(got) != 0 {
		t.Fatalf("expected no warnings, got %#v", got)
	}
}
