package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"net"
	"net/netip"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/r2northstar/p2pxfer/pkg/sockopt"
	"github.com/r2northstar/p2pxfer/pkg/transfer"
)

func runSend(args []string) int {
	fs := pflag.NewFlagSet("send", pflag.ContinueOnError)
	session := fs.String("session", "", "rendezvous session id shared with the receiver (required)")
	psk := fs.String("psk", "", "pre-shared key (required unless set via --env-file)")
	envFile := fs.String("env-file", "", "optional KEY=VALUE file to read PSK/session/server from instead of flags")
	server := fs.String("server", "", "rendezvous server host:port (required)")
	file := fs.String("file", "", "path of the file to send (required)")
	compress := fs.Bool("compress", false, "enable zstd payload compression")
	jsonMode := fs.Bool("json", false, "emit newline-delimited JSON events on stdout")
	logLevel := fs.String("log-level", "info", "log level (debug, info, warn, error)")
	help := fs.BoolP("help", "h", false, "show this help text")
	fs.SetOutput(os.Stderr)

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *help {
		fmt.Fprintf(os.Stderr, "usage: p2pxfer send [options]\n\noptions:\n%s", fs.FlagUsages())
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
	if *session == "" || *psk == "" || *server == "" || *file == "" {
		fmt.Fprintln(os.Stderr, "error: --session, --psk, --server, and --file are all required (directly or via --env-file)")
		return 2
	}

	e := emitter{json: *jsonMode}
	log := newLogger(*logLevel, !*jsonMode)

	serverAddr, err := resolveUDPAddr(*server)
	if err != nil {
		e.error(fmt.Errorf("resolve --server: %w", err))
		return 1
	}

	if _, err := os.Stat(*file); err != nil {
		e.error(err)
		return 1
	}

	e.status("offering")
	ec, err := establishChannel(serverAddr, *session, []byte(*psk), log)
	if err != nil {
		e.error(err)
		return 1
	}
	defer ec.Close()
	if err := sockopt.Tune(ec.socket, sockopt.DefaultRecvBuffer, sockopt.DefaultSendBuffer); err != nil {
		log.Warn().Err(err).Msg("send: socket tuning failed, continuing with kernel defaults")
	}

	start := time.Now()
	sender := transfer.NewSender(ec.ch, log.With().Str("component", "transfer").Logger(), *file, *compress, func(bytesDone, total int64, elapsed time.Duration) {
		e.progress(bytesDone, total, elapsed)
	})
	sender.OnFileInfo = func(name string, size int64, sha256 [32]byte) {
		e.fileInfo(name, size, hex.EncodeToString(sha256[:]))
	}

	e.status("transferring")
	ctx, cancel := context.WithTimeout(context.Background(), transfer.EndToEndReceiveTimeout+2*transfer.ControlExchangeTimeout)
	defer cancel()

	if err := sender.Run(ctx); err != nil {
		e.error(err)
		return 1
	}

	info, statErr := os.Stat(*file)
	var size int64
	if statErr == nil {
		size = info.Size()
	}
	e.complete(size, int(ec.ch.DataSentTotal()), int(ec.ch.DataRetransmitTotal()), time.Since(start), "")
	return 0
}

func resolveUDPAddr(hostPort string) (netip.AddrPort, error) {
	if ap, err := netip.ParseAddrPort(hostPort); err == nil {
		return ap, nil
	}
	addr, err := net.ResolveUDPAddr("udp", hostPort)
	if err != nil {
		return netip.AddrPort{}, err
	}
	ip, ok := netip.AddrFromSlice(addr.IP)
	if !ok {
		return netip.AddrPort{}, fmt.Errorf("invalid resolved address %v", addr)
	}
	return netip.AddrPortFrom(ip.Unmap(), uint16(addr.Port)), nil
}
