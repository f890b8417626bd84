package session

import "sync/atomic"

// Stats is a per-session counter block, modeled on the lowlevel
// connection facade's GetStats() in the retrieved pack (momentics
// hioload-ws): a small set of named counters cheap enough to bump on
// every frame without a lock, exposed as a snapshot map for the REPL's
// `users` command.
type Stats struct {
	framesIn     atomic.Int64
	framesOut    atomic.Int64
	bytesIn      atomic.Int64
	bytesOut     atomic.Int64
	messagesIn   atomic.Int64
	messagesOut  atomic.Int64
	pingsIn      atomic.Int64
	pongsIn      atomic.Int64
	protocolErrs atomic.Int64
}

// Snapshot returns a point-in-time copy of every counter, keyed the way
// a REPL or log line would want to print it.
func (s *Stats) Snapshot() map[string]int64 {
	return map[string]int64{
		"frames_in":     s.framesIn.Load(),
		"frames_out":    s.framesOut.Load(),
		"bytes_in":      s.bytesIn.Load(),
		"bytes_out":     s.bytesOut.Load(),
		"messages_in":   s.messagesIn.Load(),
		"messages_out":  s.messagesOut.Load(),
		"pings_in":      s.pingsIn.Load(),
		"pongs_in":      s.pongsIn.Load(),
		"protocol_errs": s.protocolErrs.Load(),
	}
}
