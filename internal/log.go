package internal

import (
	"context"
	"encoding/binary"
	"log/slog"
)

// LevelTrace sits one notch below slog.LevelDebug for per-segment logging
// that would swamp debug output on a busy link. The daemon's -trace flag
// enables it.
const LevelTrace slog.Level = slog.LevelDebug - 2

// LogAttrs logs through l when it is non-nil. Every package logger in
// this module funnels through here, so a nil *slog.Logger disables that
// package's logging wholesale instead of panicking.
func LogAttrs(l *slog.Logger, level slog.Level, msg string, attrs ...slog.Attr) {
	if l != nil {
		l.LogAttrs(context.Background(), level, msg, attrs...)
	}
}

// Addr4 returns a slog.Attr carrying an IPv4 address packed into a
// uint64, avoiding a string allocation on every logged segment.
func Addr4(key string, addr *[4]byte) slog.Attr {
	return slog.Uint64(key, uint64(binary.BigEndian.Uint32(addr[:])))
}
