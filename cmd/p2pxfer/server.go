package main

import (
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/spf13/pflag"

	"github.com/r2northstar/p2pxfer/pkg/coordserver"
	"github.com/r2northstar/p2pxfer/pkg/coordserver/audit"
	"github.com/r2northstar/p2pxfer/pkg/sockopt"
)

func runServer(args []string) int {
	fs := pflag.NewFlagSet("server", pflag.ContinueOnError)
	port := fs.Uint16("port", 9000, "UDP port to listen on")
	psk := fs.String("psk", "", "pre-shared key every session authenticates against (required unless set via --env-file)")
	envFile := fs.String("env-file", "", "optional KEY=VALUE file to read PSK (P2PXFER_PSK) from instead of --psk")
	sessionTimeout := fs.Duration("session-timeout", 300*time.Second, "idle session sweep threshold")
	auditDB := fs.String("audit-db", "", "optional sqlite3 path to record session lifecycle events")
	metricsAddr := fs.String("metrics-addr", "", "optional host:port to serve Prometheus metrics on")
	logLevel := fs.String("log-level", "info", "log level (debug, info, warn, error)")
	help := fs.BoolP("help", "h", false, "show this help text")
	fs.SetOutput(os.Stderr)

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *help {
		fmt.Fprintf(os.Stderr, "usage: p2pxfer server [options]\n\noptions:\n%s", fs.FlagUsages())
		return 0
	}

	if *envFile != "" {
		env, err := loadEnvFile(*envFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: read --env-file: %v\n", err)
			return 2
		}
		*psk = envOrFlag(*psk, env, "P2PXFER_PSK")
	}
	if *psk == "" {
		fmt.Fprintln(os.Stderr, "error: --psk is required (directly or via --env-file)")
		return 2
	}

	log := newLogger(*logLevel, true)

	srv := coordserver.New([]byte(*psk), log.With().Str("component", "coordserver").Logger())
	srv.IdleTimeout = *sessionTimeout

	if *auditDB != "" {
		sink, err := audit.Open(*auditDB)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: open audit database: %v\n", err)
			return 1
		}
		defer sink.Close()
		srv.AuditSink = sink
	}

	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
			srv.WritePrometheus(w)
		})
		go func() {
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				log.Error().Err(err).Msg("server: metrics listener failed")
			}
		}()
	}

	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: int(*port)})
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: bind udp port %d: %v\n", *port, err)
		return 1
	}
	if err := sockopt.Tune(conn, sockopt.DefaultRecvBuffer, sockopt.DefaultSendBuffer); err != nil {
		log.Warn().Err(err).Msg("server: socket tuning failed, continuing with kernel defaults")
	}

	log.Info().Uint16("port", *port).Msg("server: listening")
	if err := srv.Serve(conn); err != nil {
		fmt.Fprintf(os.Stderr, "error: serve: %v\n", err)
		return 1
	}
	return 0
}
