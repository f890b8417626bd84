// Command wsgatewayd is the gateway's process entry point: it loads the
// optional config file, builds the CLI flag surface on top of it (flags
// always win over the file, per internal/config's doc comment), wires
// every component package together, and runs until SIGINT, SIGTERM, or
// SIGSEGV arrives or the REPL's quit/exit command is typed.
//
// Grounded on the teacher pack's cmd/timpani/main.go shape (cli.Command
// with Flags/Action, context-based run/shutdown) with cli-altsrc/xdg
// dropped in favor of plain BurntSushi/toml + cli/v3 flag defaults (see
// DESIGN.md).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"

	"github.com/coregx/wsgateway/handshake"
	"github.com/coregx/wsgateway/internal/config"
	"github.com/coregx/wsgateway/internal/wslog"
	"github.com/coregx/wsgateway/server"
)

func main() {
	cmd := &cli.Command{
		Name:  "wsgatewayd",
		Usage: "edge-triggered WebSocket gateway",
		UsageText: "wsgatewayd [--port N] [--tls-cert FILE --tls-key FILE]\n" +
			"           [--hosts FILE] [--origins FILE] [--config FILE]",
		Flags:  flags(),
		Action: run,
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "wsgatewayd: %v\n", err)
		os.Exit(1)
	}
}

func flags() []cli.Flag {
	defaults := config.Defaults()
	return []cli.Flag{
		&cli.StringFlag{
			Name:  "config",
			Usage: "path to an optional wsgateway.toml file",
			Value: "wsgateway.toml",
		},
		&cli.IntFlag{
			Name:  "port",
			Usage: "TCP port to listen on",
			Value: defaults.Port,
		},
		&cli.StringFlag{
			Name:  "tls-cert",
			Usage: "TLS certificate file; requires --tls-key",
		},
		&cli.StringFlag{
			Name:  "tls-key",
			Usage: "TLS private key file; requires --tls-cert",
		},
		&cli.StringFlag{
			Name:  "hosts",
			Usage: "path to the Hosts.dat allow-list file",
		},
		&cli.StringFlag{
			Name:  "origins",
			Usage: "path to the Origins.dat allow-list file",
		},
		&cli.BoolFlag{
			Name:  "debug",
			Usage: "log at debug level instead of info",
		},
	}
}

func run(ctx context.Context, cmd *cli.Command) error {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return err
	}
	if cmd.IsSet("port") {
		cfg.Port = cmd.Int("port")
	}
	if cmd.IsSet("tls-cert") {
		cfg.TLSCert = cmd.String("tls-cert")
	}
	if cmd.IsSet("tls-key") {
		cfg.TLSKey = cmd.String("tls-key")
	}
	if cmd.IsSet("hosts") {
		cfg.HostsFile = cmd.String("hosts")
	}
	if cmd.IsSet("origins") {
		cfg.OriginsFile = cmd.String("origins")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logLevel := zerolog.InfoLevel
	if cmd.Bool("debug") {
		logLevel = zerolog.DebugLevel
	}
	log := wslog.New(logLevel)

	hosts, err := handshake.LoadACL(cfg.HostsFile)
	if err != nil {
		return fmt.Errorf("loading hosts ACL: %w", err)
	}
	origins, err := handshake.LoadACL(cfg.OriginsFile)
	if err != nil {
		return fmt.Errorf("loading origins ACL: %w", err)
	}

	scheme := "ws"
	if cfg.TLSCert != "" {
		scheme = "wss"
	}

	negotiator := handshake.New(handshake.Options{
		Hosts:      hosts,
		Origins:    origins,
		ServerPort: cfg.Port,
		Scheme:     scheme,
		Subprotocols: []handshake.Subprotocol{
			handshake.SubprotocolChat,
			handshake.SubprotocolEcho,
		},
	})

	srv, err := server.New(server.Options{
		Addr:            fmt.Sprintf(":%d", cfg.Port),
		TLSCert:         cfg.TLSCert,
		TLSKey:          cfg.TLSKey,
		Negotiator:      negotiator,
		PoolConnectSize: cfg.PoolConnectSize,
		PoolIOSize:      cfg.PoolIOSize,
		PoolCapacity:    cfg.PoolCapacity,
		MaxMessageBytes: cfg.MaxMessageBytes,
		CloseTimeout:    cfg.CloseTimeout,
		PollTimeout:     cfg.PollTimeout,
		Log:             log,
	})
	if err != nil {
		return err
	}

	// Go's runtime already never delivers a SIGPIPE signal to a Go
	// handler on a write to a closed socket; the explicit ignore below
	// only documents intent, mirroring the original's explicit
	// signal(SIGPIPE, SIG_IGN) call.
	signal.Ignore(syscall.SIGPIPE)

	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM, syscall.SIGSEGV)
	defer stop()

	go server.RunREPL(os.Stdin, os.Stdout, srv.Registry(), stop)

	if err := srv.ListenAndServe(runCtx); err != nil {
		return err
	}
	return nil
}
