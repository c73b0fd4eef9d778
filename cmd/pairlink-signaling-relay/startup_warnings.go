package main

import (
	"log/slog"

	"github.com/pairlink/signaling-relay/internal/config"
)

func logStartupSecurityWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if containsString(cfg.AllowedOrigins, "*") {
		logger.Warn("startup security warning: ALLOWED_ORIGINS contains '*' (allows any origin)",
			"warning_code", "allowed_origins_wildcard",
			"allowed_origins", cfg.AllowedOrigins,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && cfg.MaxRooms <= 0 {
		logger.Warn("startup security warning: MAX_ROOMS is unset/0 (unlimited) while --mode=prod",
			"warning_code", "max_rooms_unlimited_in_prod",
			"max_rooms", cfg.MaxRooms,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && cfg.ListenPortAttempts > 1 {
		logger.Warn("startup security warning: port fallback enabled while --mode=prod (the bound port may differ from the configured one)",
			"warning_code", "listen_port_fallback_in_prod",
			"listen_port_attempts", cfg.ListenPortAttempts,
			"mode", cfg.Mode,
		)
	}

	if len(cfg.ICEServers) == 0 {
		// Clients on symmetric NATs will fail to connect without STUN/TURN;
		// the relay itself keeps working either way.
		logger.Warn("startup warning: no STUN/TURN servers configured (clients behind NAT may fail to establish a call)",
			"warning_code", "no_ice_servers",
			"mode", cfg.Mode,
		)
	}
}

func containsString(xs []string, v string) bool {
	for _, s := range xs {
		if s == v {
			return true
		}
	}
	return false
}
