package beam

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/beamshare/beam/pkg/blobstore"
	"github.com/beamshare/beam/pkg/ticket"
	"github.com/beamshare/beam/pkg/transfer"
	"github.com/beamshare/beam/pkg/xferrors"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	dir := t.TempDir()
	e, err := New(Config{
		BaseDir:      filepath.Join(dir, "base"),
		ListenAddr:   "127.0.0.1:0",
		IdentityPath: filepath.Join(dir, "identity.json"),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e
}

func TestSendReceiveRoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	src := t.TempDir()
	files := map[string][]byte{
		"blank.dat":   nil, // sorts first, so the empty blob is mid-stream
		"hello.txt":   []byte("hello"),
		"sub/big.bin": bytes.Repeat([]byte{0xAB, 0xCD}, 3000),
	}
	for name, data := range files {
		path := filepath.Join(src, filepath.FromSlash(name))
		os.MkdirAll(filepath.Dir(path), 0o755)
		if err := os.WriteFile(path, data, 0o644); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
	}

	sender := newTestEngine(t)
	tkt, sendID, err := sender.Send(ctx, src, TicketNearby)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if snap, _ := sender.manager.Get(sendID); snap.Status != transfer.StatusServing {
		t.Fatalf("sender status = %v, want serving", snap.Status)
	}

	decoded, err := ticket.Decode(tkt)
	if err != nil {
		t.Fatalf("Decode ticket: %v", err)
	}
	if decoded.Format != blobstore.HashSequence {
		t.Fatalf("ticket format = %v, want HashSequence", decoded.Format)
	}
	if !decoded.Hints.IsNearby() {
		t.Fatalf("TicketNearby produced hints with a relay: %+v", decoded.Hints)
	}

	receiver := newTestEngine(t)
	dest := t.TempDir()
	res, recvID, err := receiver.Receive(ctx, tkt, dest)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if res.Files != len(files) {
		t.Fatalf("Files = %d, want %d", res.Files, len(files))
	}
	for name, want := range files {
		got, err := os.ReadFile(filepath.Join(dest, filepath.FromSlash(name)))
		if err != nil {
			t.Fatalf("ReadFile %s: %v", name, err)
		}
		if !bytes.Equal(got, want) {
			t.Errorf("%s: content mismatch (%d bytes, want %d)", name, len(got), len(want))
		}
	}

	snap, ok := receiver.manager.Get(recvID)
	if !ok || snap.Status != transfer.StatusCompleted {
		t.Fatalf("receiver status = %v, want completed", snap.Status)
	}

	// The receive staging directory is gone after clean completion; the
	// send directory remains so the ticket can be served again.
	recvDir := receiver.recvDir(decoded.Root)
	if _, err := os.Stat(recvDir); !os.IsNotExist(err) {
		t.Errorf("receive dir %s retained after clean completion", recvDir)
	}
	sendDir := sender.sendDir(decoded.Root)
	if _, err := os.Stat(sendDir); err != nil {
		t.Errorf("send dir %s missing after send: %v", sendDir, err)
	}
}

func TestReceiveBadTicket(t *testing.T) {
	e := newTestEngine(t)
	_, _, err := e.Receive(context.Background(), "beam:!!!!", t.TempDir())
	if !xferrors.Is(err, xferrors.KindUsage) {
		t.Fatalf("err = %v, want usage error", err)
	}
	if len(e.ListTransfers()) != 0 {
		t.Fatalf("bad ticket created a transfer record")
	}
}

func TestCancelIsIdempotentAcrossTerminal(t *testing.T) {
	e := newTestEngine(t)
	id, err := e.manager.Create(transfer.Receive, "x")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	e.manager.SetStatus(id, transfer.StatusCompleted)
	if !e.Cancel(id) {
		t.Fatalf("Cancel reported unknown id")
	}
	if snap, _ := e.manager.Get(id); snap.Status != transfer.StatusCompleted {
		t.Fatalf("cancel after completion flipped status to %v", snap.Status)
	}
	if e.Cancel(transfer.ID{0xFF}) {
		t.Fatalf("Cancel of unknown id reported true")
	}
}

func TestCancelledSendCleansStaging(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel() // already cancelled: the importer aborts at its first check

	e := newTestEngine(t)
	src := t.TempDir()
	if err := os.WriteFile(filepath.Join(src, "f"), bytes.Repeat([]byte{1}, 1<<16), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	_, id, err := e.Send(ctx, src, TicketNearby)
	if err == nil {
		t.Fatalf("Send with cancelled context succeeded")
	}
	snap, _ := e.manager.Get(id)
	if !snap.Status.Terminal() {
		t.Fatalf("status = %v, want terminal", snap.Status)
	}
	entries, _ := os.ReadDir(e.cfg.BaseDir)
	for _, de := range entries {
		t.Errorf("staging residue after failed send: %s", de.Name())
	}
}

func TestSubscribeSeesTerminalStatus(t *testing.T) {
	ctx, cancelCtx := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelCtx()

	sender := newTestEngine(t)
	src := t.TempDir()
	if err := os.WriteFile(filepath.Join(src, "a.txt"), []byte("abc"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	tkt, _, err := sender.Send(ctx, src, TicketNearby)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	receiver := newTestEngine(t)
	sub := receiver.Subscribe()
	defer receiver.Unsubscribe(sub)

	if _, _, err := receiver.Receive(ctx, tkt, t.TempDir()); err != nil {
		t.Fatalf("Receive: %v", err)
	}

	sawCompleted := false
	for {
		select {
		case ev := <-sub:
			if ev.Status != nil && *ev.Status == transfer.StatusCompleted {
				sawCompleted = true
			}
			continue
		default:
		}
		break
	}
	if !sawCompleted {
		t.Fatalf("no completed status event observed on the bus")
	}
}

func TestSendReceiveOverTCP(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	newTCPEngine := func() *Engine {
		dir := t.TempDir()
		e, err := New(Config{
			BaseDir:      filepath.Join(dir, "base"),
			Transport:    "tcp",
			ListenAddr:   "127.0.0.1:0",
			IdentityPath: filepath.Join(dir, "identity.json"),
		})
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		return e
	}

	src := t.TempDir()
	data := bytes.Repeat([]byte{0x11, 0x22, 0x33}, 1500)
	if err := os.WriteFile(filepath.Join(src, "f.bin"), data, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	sender := newTCPEngine()
	tkt, _, err := sender.Send(ctx, src, TicketNearby)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	receiver := newTCPEngine()
	dest := t.TempDir()
	res, _, err := receiver.Receive(ctx, tkt, dest)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if res.Files != 1 {
		t.Fatalf("Files = %d, want 1", res.Files)
	}
	got, err := os.ReadFile(filepath.Join(dest, "f.bin"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("content mismatch: %d bytes, want %d", len(got), len(data))
	}
}

func TestUnknownTransportRejected(t *testing.T) {
	dir := t.TempDir()
	_, err := New(Config{
		BaseDir:      filepath.Join(dir, "base"),
		Transport:    "carrier-pigeon",
		IdentityPath: filepath.Join(dir, "identity.json"),
	})
	if !xferrors.Is(err, xferrors.KindUsage) {
		t.Fatalf("err = %v, want usage error", err)
	}
}
