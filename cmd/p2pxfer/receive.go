package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/pflag"

	"github.com/r2northstar/p2pxfer/pkg/sockopt"
	"github.com/r2northstar/p2pxfer/pkg/transfer"
)

func runReceive(args []string) int {
	fs := pflag.NewFlagSet("receive", pflag.ContinueOnError)
	session := fs.String("session", "", "rendezvous session id shared with the sender (required)")
	psk := fs.String("psk", "", "pre-shared key (required unless set via --env-file)")
	envFile := fs.String("env-file", "", "optional KEY=VALUE file to read PSK/session/server from instead of flags")
	server := fs.String("server", "", "rendezvous server host:port (required)")
	output := fs.String("output", "", "directory to write the received file into (required)")
	jsonMode := fs.Bool("json", false, "emit newline-delimited JSON events on stdout")
	logLevel := fs.String("log-level", "info", "log level (debug, info, warn, error)")
	help := fs.BoolP("help", "h", false, "show this help text")
	fs.SetOutput(os.Stderr)

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *help {
		fmt.Fprintf(os.Stderr, "usage: p2pxfer receive [options]\n\noptions:\n%s", fs.FlagUsages())
		return 0
	}

	if *envFile != "" {
		env, err := loadEnvFile(*envFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: read --env-file: %v\n", err)
			return 2
		}
		*psk = envOrFlag(*psk, env, "P2PXFER_PSK")
		*session = envOrFlag(*session, env, "P2PXFER_SESSION")
		*server = envOrFlag(*server, env, "P2PXFER_SERVER")
	}
	if *session == "" || *psk == "" || *server == "" || *output == "" {
		fmt.Fprintln(os.Stderr, "error: --session, --psk, --server, and --output are all required (directly or via --env-file)")
		return 2
	}

	e := emitter{json: *jsonMode}
	log := newLogger(*logLevel, !*jsonMode)

	serverAddr, err := resolveUDPAddr(*server)
	if err != nil {
		e.error(fmt.Errorf("resolve --server: %w", err))
		return 1
	}

	if err := os.MkdirAll(*output, 0o755); err != nil {
		e.error(err)
		return 1
	}

	e.status("waiting")
	ec, err := establishChannel(serverAddr, *session, []byte(*psk), log)
	if err != nil {
		e.error(err)
		return 1
	}
	defer ec.Close()
	if err := sockopt.Tune(ec.socket, sockopt.DefaultRecvBuffer, sockopt.DefaultSendBuffer); err != nil {
		log.Warn().Err(err).Msg("receive: socket tuning failed, continuing with kernel defaults")
	}

	start := time.Now()
	var outputPath string
	receiver := transfer.NewReceiver(ec.ch, log.With().Str("component", "transfer").Logger(), *output, func(bytesDone, total int64, elapsed time.Duration) {
		e.progress(bytesDone, total, elapsed)
	})
	receiver.OnFileInfo = func(name string, size int64, sha256 [32]byte) {
		outputPath = name
		e.fileInfo(name, size, hex.EncodeToString(sha256[:]))
		e.status("receiving")
	}

	ctx, cancel := context.WithTimeout(context.Background(), transfer.EndToEndReceiveTimeout+2*transfer.ControlExchangeTimeout)
	defer cancel()

	if err := receiver.Run(ctx); err != nil {
		e.error(err)
		return 1
	}

	info, statErr := os.Stat(filepath.Join(*output, outputPath))
	var size int64
	if statErr == nil {
		size = info.Size()
	}
	e.complete(size, int(ec.ch.DataSentTotal()), int(ec.ch.DataRetransmitTotal()), time.Since(start), outputPath)
	return 0
}
