// Package wslog wires the gateway's structured logging, the ambient
// stack concern spec.md is silent on. It follows the teacher pack's
// zerolog usage (tzrikka/timpani's pkg/temporal and pkg/http/webhooks
// both build a zerolog.Logger the same way) rather than reaching for
// plain fmt/log: console output on a TTY, JSON otherwise, with the
// session id / draft / component fields the rest of the gateway
// attaches on every relevant line.
package wslog

import (
	"io"
	"os"
	"time"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
)

// New builds the root Logger. Output colorizes only when w is a real
// terminal (mattn/go-isatty, mattn/go-colorable — both indirect
// dependencies of the teacher pack, promoted here to direct use),
// matching the REPL's own TTY-detection rule in server/repl.go.
func New(level zerolog.Level) zerolog.Logger {
	var w io.Writer = os.Stderr
	if f, ok := w.(*os.File); ok && isatty.IsTerminal(f.Fd()) {
		w = zerolog.ConsoleWriter{Out: colorable.NewColorable(f), TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}

// Component returns a child logger tagged with the subsystem name. The
// server package is the only one that logs; dispatcher, workerpool, and
// handshake take no logger.
func Component(l zerolog.Logger, name string) zerolog.Logger {
	return l.With().Str("component", name).Logger()
}

// Session returns a child logger tagged with a session's identity and
// negotiated draft, attached once a connect worker completes the
// handshake (spec §4.C/§4.D).
func Session(l zerolog.Logger, sessionID uint64, draft string) zerolog.Logger {
	return l.With().Uint64("session_id", sessionID).Str("draft", draft).Logger()
}
