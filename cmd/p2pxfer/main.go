// Command p2pxfer is an encrypted peer-to-peer file transfer tool: a
// rendezvous "server" subcommand and "send"/"receive" client subcommands
// that hole-punch a direct UDP path between two peers and move one file
// over it.
package main

import (
	"fmt"
	"os"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var code int
	switch os.Args[1] {
	case "server":
		code = runServer(os.Args[2:])
	case "send":
		code = runSend(os.Args[2:])
	case "receive":
		code = runReceive(os.Args[2:])
	case "-h", "--help", "help":
		usage()
		code = 0
	default:
		fmt.Fprintf(os.Stderr, "p2pxfer: unknown subcommand %q\n", os.Args[1])
		usage()
		code = 2
	}
	os.Exit(code)
}

func usage() {
	fmt.Fprintf(os.Stderr, `usage: p2pxfer <subcommand> [options]

subcommands:
  server   run the rendezvous coordination service
  send     offer a file to a peer via a rendezvous session
  receive  accept a file from a peer via a rendezvous session

run "p2pxfer <subcommand> --help" for subcommand options
`)
}
