package server

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"

	"github.com/coregx/wsgateway/frame"
	"github.com/coregx/wsgateway/session"
)

// ttyOutput wraps w with mattn/go-colorable (needed for ANSI escapes to
// render on Windows consoles) and returns the bolded prompt string, but
// only when w is a real terminal (mattn/go-isatty — the same TTY test
// internal/wslog uses for its own console-vs-JSON choice). Piped output
// and log capture get the plain writer and a plain prompt.
func ttyOutput(w io.Writer) (io.Writer, string) {
	f, ok := w.(*os.File)
	if !ok || !isatty.IsTerminal(f.Fd()) {
		return w, "> "
	}
	return colorable.NewColorable(f), "\x1b[1m> \x1b[0m"
}

// registryLister is the subset of *registry.Registry the REPL touches,
// declared locally so this file only names what it actually calls.
type registryLister interface {
	List() []*session.Session
	Find(host string, id uint64) *session.Session
	Unicast(id uint64, framed []byte) bool
	BroadcastAll(framed []byte)
	CloseAll(code session.CloseCode)
}

// RunREPL reads administrative commands from r and writes prompts and
// output to w until r is exhausted or "quit"/"exit" is typed, at which
// point stop is called. It is grounded on the teacher-pack original's
// cmdline() thread (original_source/Websocket.c): a dedicated stdin
// loop matched against a fixed set of case-insensitive verbs, operating
// on the same session directory the dispatcher uses rather than a
// private copy (spec.md §9's "REPL holds a weak handle" design note).
func RunREPL(r io.Reader, w io.Writer, reg registryLister, stop func()) {
	out, prompt := ttyOutput(w)
	scanner := bufio.NewScanner(r)
	for {
		fmt.Fprint(out, prompt)
		if !scanner.Scan() {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		verb := strings.ToLower(fields[0])
		args := fields[1:]

		switch verb {
		case "users", "online", "clients":
			printUsers(out, reg)
		case "help":
			printHelp(out)
		case "quit", "exit":
			stop()
			return
		case "kickall", "closeall":
			reg.CloseAll(session.CloseGoingAway)
			fmt.Fprintln(out, "all sessions closed")
		case "kick", "close":
			replKick(out, reg, args)
		case "sendall", "writeall":
			replSendAll(out, reg, line, fields[0])
		case "send", "write":
			replSend(out, reg, line, fields[0])
		default:
			fmt.Fprintf(out, "unrecognized command %q; type 'help' for usage\n", fields[0])
		}
	}
}

func printUsers(w io.Writer, reg registryLister) {
	sessions := reg.List()
	if len(sessions) == 0 {
		fmt.Fprintln(w, "no connected clients")
		return
	}
	for _, s := range sessions {
		stats := s.Stats.Snapshot()
		fmt.Fprintf(w, "  %-6d %-22s draft=%-8s sub=%-5s in=%d out=%d\n",
			s.ID, s.PeerAddr, s.Draft, s.Subprotocol,
			stats["messages_in"], stats["messages_out"])
	}
}

func printHelp(w io.Writer) {
	fmt.Fprint(w, `------------------------ HELP ------------------------
|   To display information about the online users,   |
|   type: 'users', 'online', or 'clients'.            |
|                                                      |
|   To send a message to a specific user from the     |
|   server type: 'send <IP> <ID> <MESSAGE>' or        |
|   'write <IP> <ID> <MESSAGE>'.                       |
|                                                      |
|   To send a message to all users from the server    |
|   type: 'sendall <MESSAGE>' or 'writeall             |
|   <MESSAGE>'.                                        |
|                                                      |
|   To kick a user from the server and close the      |
|   socket connection type: 'kick <IP> <ID>'          |
|   or 'close <IP> <ID>'.                              |
|                                                      |
|   To kick all users from the server and close       |
|   all socket connections type: 'kickall' or          |
|   'closeall'.                                       |
|                                                      |
|   To quit the server type: 'quit' or 'exit'.        |
------------------------------------------------------
`)
}

func replKick(w io.Writer, reg registryLister, args []string) {
	if len(args) < 2 {
		fmt.Fprintln(w, "usage: kick <IP> <ID>")
		return
	}
	id, err := strconv.ParseUint(args[1], 10, 64)
	if err != nil {
		fmt.Fprintf(w, "invalid session id %q\n", args[1])
		return
	}
	s := reg.Find(args[0], id)
	if s == nil {
		fmt.Fprintln(w, "the client that was supposed to be kicked was not found")
		return
	}
	s.InitiateClose(session.CloseGoingAway)
	fmt.Fprintf(w, "session %d closing\n", s.ID)
}

func replSendAll(w io.Writer, reg registryLister, line, verb string) {
	msg := strings.TrimSpace(strings.TrimPrefix(line, verb))
	if msg == "" {
		fmt.Fprintln(w, "usage: sendall <MESSAGE>")
		return
	}
	reg.BroadcastAll(encodeREPLMessage(msg))
	fmt.Fprintln(w, "message sent to all clients")
}

func replSend(w io.Writer, reg registryLister, line, verb string) {
	rest := strings.TrimSpace(strings.TrimPrefix(line, verb))
	fields := strings.SplitN(rest, " ", 3)
	if len(fields) < 3 {
		fmt.Fprintln(w, "usage: send <IP> <ID> <MESSAGE>")
		return
	}
	id, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		fmt.Fprintf(w, "invalid session id %q\n", fields[1])
		return
	}
	s := reg.Find(fields[0], id)
	if s == nil {
		fmt.Fprintln(w, "the client that was supposed to receive the message was not found")
		return
	}
	if !reg.Unicast(s.ID, encodeREPLMessage(fields[2])) {
		fmt.Fprintln(w, "message could not be delivered")
		return
	}
	fmt.Fprintln(w, "message sent")
}

func encodeREPLMessage(msg string) []byte {
	return frame.Encode(frame.OpText, []byte(msg), true)
}
