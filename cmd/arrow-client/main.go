// Command arrow-client connects to an Arrow Service and keeps the
// connection alive, following redirects and reconnecting on failure.
package main

import (
	"context"
	"crypto/tls"
	"encoding/hex"
	"flag"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	arrow "github.com/arrowproto/arrow-client"
	"github.com/jonboulle/clockwork"
)

func main() {
	addrFlag := flag.String("addr", "", "initial Arrow Service address (host:port)")
	macFlag := flag.String("mac", "", "client MAC address, e.g. 00:11:22:33:44:55")
	passwordFlag := flag.String("password", "", "16-byte registration password, hex encoded")
	insecureFlag := flag.Bool("insecure-skip-verify", false, "skip TLS certificate verification (testing only)")
	diagnosticFlag := flag.Bool("diagnostic", false, "run in diagnostic mode: exit cleanly after a successful handshake")
	logFormatFlag := flag.String("log-format", "text", "log output format: text or json")
	logLevelFlag := flag.String("log-level", "info", "log level: debug, info, warn, error")

	flag.Parse()

	logger := newLogger(*logFormatFlag, *logLevelFlag)

	if *addrFlag == "" {
		logger.Error("missing required -addr flag")
		os.Exit(2)
	}

	mac, err := net.ParseMAC(*macFlag)
	if err != nil || len(mac) != 6 {
		logger.Error("invalid -mac flag", "error", err)
		os.Exit(2)
	}
	var macArr [6]byte
	copy(macArr[:], mac)

	var password [16]byte
	if *passwordFlag != "" {
		raw, err := hex.DecodeString(*passwordFlag)
		if err != nil || len(raw) != 16 {
			logger.Error("invalid -password flag: must be 32 hex characters")
			os.Exit(2)
		}
		copy(password[:], raw)
	}

	table := arrow.NewStaticServiceTable()

	var tlsCfg *tls.Config
	if *insecureFlag {
		tlsCfg = &tls.Config{InsecureSkipVerify: true}
	}

	appCtx := arrow.NewMemoryContext(macArr, password, table,
		arrow.WithLogger(logger),
		arrow.WithTLSConfig(tlsCfg),
		arrow.WithDiagnosticMode(*diagnosticFlag),
		arrow.WithClock(clockwork.NewRealClock()),
	)

	cmdCh := arrow.NewChanCommandChannel(8)
	go logCommands(logger, cmdCh)

	metrics := arrow.NewDefaultMetrics()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger, appCtx, cmdCh, metrics, *addrFlag); err != nil {
		logger.Error("exiting", "error", err)
		os.Exit(1)
	}
}

// run drives the reconnect loop: each iteration connects to addr, follows
// whatever redirect the server returns, and backs off between failed or
// ended attempts.
func run(ctx context.Context, logger *slog.Logger, appCtx *arrow.MemoryContext, cmdCh *arrow.ChanCommandChannel, metrics *arrow.DefaultMetrics, addr string) error {
	backoff := arrow.NewReconnectBackoff(arrow.DefaultReconnectFast, arrow.DefaultReconnectSteady, metrics)

	for {
		if ctx.Err() != nil {
			return nil
		}

		logger.Info("connecting", "address", addr)
		redirect, err := arrow.Connect(ctx, appCtx, cmdCh, addr, arrow.WithMetrics(metrics))
		if err != nil {
			logger.Warn("connection attempt failed", "address", addr, "error", err,
				"reconnects", metrics.GetReconnects())
			if sleepErr := backoff.Sleep(ctx); sleepErr != nil {
				return nil
			}
			continue
		}

		if redirect == "" {
			logger.Info("connection ended with no redirect target, stopping")
			return nil
		}

		logger.Info("following redirect", "target", redirect, "frames_sent", metrics.GetFramesSent(),
			"frames_received", metrics.GetFramesReceived())
		addr = redirect
		backoff.Reset()
	}
}

func logCommands(logger *slog.Logger, cmdCh *arrow.ChanCommandChannel) {
	for cmd := range cmdCh.Commands() {
		logger.Info("received server command", "command", cmd.String())
	}
}

func newLogger(format, level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, opts)
	default:
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

