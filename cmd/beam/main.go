// Command beam is a minimal front-end over the transfer engine's library
// surface: send a path, receive a ticket, inspect transfers, and browse
// nearby devices. Richer UI belongs to external collaborators; this
// binary exists so the engine is drivable end to end from a shell.
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/beamshare/beam/pkg/beam"
	"github.com/beamshare/beam/pkg/transfer"
	"github.com/beamshare/beam/pkg/xferrors"
)

// Exit codes mirror the engine's error taxonomy.
const (
	exitOK          = 0
	exitUsage       = 2
	exitTicket      = 3
	exitStorage     = 4
	exitIntegrity   = 5
	exitUnreachable = 6
	exitCancelled   = 7
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(exitUsage)
	}

	engine, err := beam.New(beam.Config{})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch os.Args[1] {
	case "send":
		os.Exit(sendCommand(ctx, engine, os.Args[2:]))
	case "receive":
		os.Exit(receiveCommand(ctx, engine, os.Args[2:]))
	case "transfers":
		os.Exit(transfersCommand(engine))
	case "cancel":
		os.Exit(cancelCommand(engine, os.Args[2:]))
	case "discover":
		os.Exit(discoverCommand(ctx, engine))
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(exitUsage)
	}
}

func sendCommand(ctx context.Context, engine *beam.Engine, args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "Usage: beam send <path>")
		return exitUsage
	}
	tkt, id, err := engine.Send(ctx, args[0], beam.TicketNearby)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitCode(err)
	}
	fmt.Printf("Transfer %s serving.\nTicket:\n  %s\n", id, tkt)

	sub := engine.Subscribe()
	defer engine.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			engine.Cancel(id)
			return exitCancelled
		case ev := <-sub:
			if ev.TransferID == id && ev.Connection != nil {
				printConnectionEvent(ev)
			}
		}
	}
}

func receiveCommand(ctx context.Context, engine *beam.Engine, args []string) int {
	if len(args) != 2 {
		fmt.Fprintln(os.Stderr, "Usage: beam receive <ticket> <dest-dir>")
		return exitUsage
	}
	res, _, err := engine.Receive(ctx, args[0], args[1])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if xferrors.Is(err, xferrors.KindUsage) {
			return exitTicket
		}
		return exitCode(err)
	}
	fmt.Printf("Received %d files (%d bytes) into %s\n", res.Files, res.TotalBytes, args[1])
	return exitOK
}

func transfersCommand(engine *beam.Engine) int {
	for _, snap := range engine.ListTransfers() {
		root := "-"
		if snap.Root != nil {
			root = snap.Root.String()[:16]
		}
		fmt.Printf("%s  %-8s  %-12s  root=%s  %s\n", snap.ID, snap.Kind, snap.Status, root, snap.Path)
	}
	return exitOK
}

func cancelCommand(engine *beam.Engine, args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "Usage: beam cancel <transfer-id>")
		return exitUsage
	}
	raw, err := hex.DecodeString(args[0])
	if err != nil || len(raw) != 16 {
		fmt.Fprintln(os.Stderr, "Error: transfer id must be 32 hex characters")
		return exitUsage
	}
	var id transfer.ID
	copy(id[:], raw)
	if !engine.Cancel(id) {
		fmt.Fprintf(os.Stderr, "Error: no such transfer: %s\n", args[0])
		return exitUsage
	}
	fmt.Println("cancelled")
	return exitOK
}

func discoverCommand(ctx context.Context, engine *beam.Engine) int {
	engine.DiscoverStart()
	defer engine.DiscoverStop()

	// Give the first browse round a moment to gather answers.
	select {
	case <-ctx.Done():
		return exitCancelled
	case <-time.After(5 * time.Second):
	}

	devices := engine.DiscoverList()
	if len(devices) == 0 {
		fmt.Println("No nearby devices.")
		return exitOK
	}
	for _, d := range devices {
		state := "available"
		if !d.Available {
			state = "recently seen"
		}
		fmt.Printf("%s  %x  %-13s  %v\n", d.Alias, d.Identity[:8], state, d.Addrs)
	}
	return exitOK
}

func printConnectionEvent(ev transfer.ProgressEvent) {
	c := ev.Connection
	switch {
	case c.Bytes > 0:
		fmt.Printf("  peer %x: %d bytes sent\n", c.Peer[:4], c.Bytes)
	default:
		fmt.Printf("  peer %x: request %s\n", c.Peer[:4], c.Hash.String()[:16])
	}
}

func exitCode(err error) int {
	switch {
	case xferrors.Is(err, xferrors.KindCancelled):
		return exitCancelled
	case xferrors.Is(err, xferrors.KindIntegrity):
		return exitIntegrity
	case xferrors.Is(err, xferrors.KindNetwork), xferrors.Is(err, xferrors.KindAuth):
		return exitUnreachable
	case xferrors.Is(err, xferrors.KindStorage):
		return exitStorage
	case xferrors.Is(err, xferrors.KindUsage):
		return exitUsage
	default:
		return 1
	}
}

func printUsage() {
	fmt.Println(`beam - peer-to-peer verified file transfer

Usage:
  beam send <path>                 Publish a file or directory; prints a ticket
  beam receive <ticket> <dest>     Fetch a ticket's contents into dest
  beam transfers                   List this process's transfers
  beam cancel <transfer-id>        Abort a running transfer
  beam discover                    List nearby devices (mDNS)
  beam help                        Show this help

Environment:
  BEAM_IDENTITY_SEED    optional 64-hex-char seed for a deterministic identity`)
}
