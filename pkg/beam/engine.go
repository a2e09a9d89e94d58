// Package beam is the library surface external front-ends call (§6
// Commands): Send publishes a path under a ticket, Receive fetches and
// materializes one, Cancel/ListTransfers manage the in-process transfer
// table, and the Discover* calls run LAN discovery. Terminal/GUI
// integration, argument parsing, and the relay fabric live outside this
// module; everything here is plain library code.
package beam

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"github.com/beamshare/beam/pkg/blobstore"
	"github.com/beamshare/beam/pkg/constants"
	"github.com/beamshare/beam/pkg/discovery"
	"github.com/beamshare/beam/pkg/endpoint"
	"github.com/beamshare/beam/pkg/exporter"
	"github.com/beamshare/beam/pkg/getter"
	"github.com/beamshare/beam/pkg/hashtree"
	"github.com/beamshare/beam/pkg/identity"
	"github.com/beamshare/beam/pkg/importer"
	"github.com/beamshare/beam/pkg/provider"
	"github.com/beamshare/beam/pkg/ticket"
	"github.com/beamshare/beam/pkg/transfer"
	"github.com/beamshare/beam/pkg/xferrors"
	"github.com/beamshare/beam/pkg/xlog"
)

var log = xlog.New("beam")

// TicketKind selects which address hints a Send's ticket carries.
type TicketKind int

const (
	// TicketNearby encodes only direct socket addresses, keeping LAN
	// transfers off any relay (§4.11 "nearby ticket").
	TicketNearby TicketKind = iota
	// TicketRelay additionally encodes the endpoint's relay URL when one
	// is configured, for transfers that may cross NAT boundaries.
	TicketRelay
)

// Config parameterizes an Engine.
type Config struct {
	// BaseDir is where per-transfer data directories are created.
	// Defaults to the user cache dir.
	BaseDir string
	// Transport names the registered transport to run on: "quic"
	// (default) or "tcp".
	Transport string
	// ListenAddr is the listen address for sends; an empty string means
	// all interfaces on an OS-assigned port.
	ListenAddr string
	// IdentityPath overrides where the persisted identity lives.
	// Defaults to identity.DefaultPath(). The environment seed, when
	// set, takes precedence over both.
	IdentityPath string
	// Overwrite lets Receive replace existing files at the destination.
	Overwrite bool
	// DiscoveryPort is advertised over mDNS; zero means the default.
	DiscoveryPort int
}

// ReceiveResult is what a completed Receive reports back.
type ReceiveResult struct {
	Files      int
	TotalBytes uint64
}

// Engine owns the process-wide endpoint, transfer table, progress bus,
// and discovery instance. One Engine per process is the intended shape.
type Engine struct {
	cfg     Config
	id      *identity.Identity
	ep      endpoint.Endpoint
	manager *transfer.Manager
	bus     *transfer.Bus
	disc    *discovery.Discovery
}

// New loads (or creates) the process identity, builds the endpoint over
// the configured transport (QUIC by default), and returns a ready Engine. No sockets are opened until the first Send,
// Receive, or DiscoverStart.
func New(cfg Config) (*Engine, error) {
	if cfg.BaseDir == "" {
		dir, err := os.UserCacheDir()
		if err != nil {
			dir = os.TempDir()
		}
		cfg.BaseDir = filepath.Join(dir, constants.Scheme)
	}
	if err := os.MkdirAll(cfg.BaseDir, 0o755); err != nil {
		return nil, xferrors.Storage(cfg.BaseDir, err)
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":0"
	}
	idPath := cfg.IdentityPath
	if idPath == "" {
		idPath = identity.DefaultPath()
	}
	id, err := identity.Load(idPath)
	if err != nil {
		return nil, err
	}
	ep, err := endpoint.New(id, cfg.Transport, cfg.ListenAddr)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:     cfg,
		id:      id,
		ep:      ep,
		manager: transfer.NewManager(),
		bus:     transfer.NewBus(),
	}
	port := cfg.DiscoveryPort
	if port == 0 {
		port = constants.DefaultQUICPort
	}
	e.disc = discovery.New(discovery.Config{
		Identity: ep.Identity(),
		Alias:    id.Alias(),
		Port:     port,
		Addrs:    ep.DirectAddresses,
	})
	return e, nil
}

// Endpoint exposes the shared transport, read-only, for collaborators
// that need the local identity or addresses.
func (e *Engine) Endpoint() endpoint.Endpoint { return e.ep }

// Subscribe returns a bounded progress event channel. Callers must pass
// the channel to Unsubscribe when done.
func (e *Engine) Subscribe() <-chan transfer.ProgressEvent { return e.bus.Subscribe() }

// Unsubscribe releases a Subscribe channel.
func (e *Engine) Unsubscribe(ch <-chan transfer.ProgressEvent) { e.bus.Unsubscribe(ch) }

// Send imports path into a fresh content-addressed directory, starts
// serving it on the endpoint, and returns the shareable ticket string
// along with the transfer id. The listener stays alive after Send returns;
// it is owned by the transfer record and dropped on Cancel or
// ClearCompleted (§9).
func (e *Engine) Send(ctx context.Context, path string, kind TicketKind) (string, transfer.ID, error) {
	tid, err := e.manager.Create(transfer.Send, path)
	if err != nil {
		return "", transfer.ID{}, err
	}
	tkt, err := e.send(ctx, tid, path, kind)
	if err != nil {
		e.fail(tid, err)
		return "", tid, err
	}
	return tkt, tid, nil
}

func (e *Engine) send(ctx context.Context, tid transfer.ID, path string, kind TicketKind) (string, error) {
	importCtx, cancel := e.abortable(ctx, tid)
	defer cancel()

	stageDir := filepath.Join(e.cfg.BaseDir, fmt.Sprintf(".%s-send-stage-%s", constants.Scheme, tid.String()[:8]))
	store, err := blobstore.Open(stageDir)
	if err != nil {
		return "", err
	}

	res, err := importer.Import(importCtx, store, path, func(ev importer.Event) {
		e.bus.Publish(transfer.ProgressEvent{TransferID: tid, Import: &ev})
	})
	if err != nil {
		os.RemoveAll(stageDir)
		return "", err
	}
	e.manager.SetRoot(tid, res.Root)

	// The staging directory is renamed to its root-derived name once the
	// root is known. A directory from an earlier send of the same content
	// is reused as-is.
	dataDir := e.sendDir(res.Root)
	if _, statErr := os.Stat(dataDir); statErr == nil {
		os.RemoveAll(stageDir)
	} else if err := os.Rename(stageDir, dataDir); err != nil {
		return "", xferrors.Storage(dataDir, err)
	}
	store, err = blobstore.Open(dataDir)
	if err != nil {
		return "", err
	}

	prov := provider.New(store, func(ev provider.Event) {
		e.bus.Publish(transfer.ProgressEvent{TransferID: tid, Connection: &ev})
	})
	// The accept loop must outlive this call's scope (§4.7 Liveness); its
	// lifetime is bounded by the record-owned Listener, not by ctx.
	listener, err := e.ep.Listen(context.Background(), prov.Handler())
	if err != nil {
		return "", err
	}
	if err := e.manager.AttachListener(tid, listener); err != nil {
		listener.Close()
		return "", err
	}

	tkt, err := e.ticketFor(res.Root, kind)
	if err != nil {
		return "", err
	}
	e.setStatus(tid, transfer.StatusServing)
	log.Infof("serving %s (%d files, %d bytes) as %s", path, res.Files, res.TotalSize, res.Root)
	return tkt, nil
}

func (e *Engine) ticketFor(root hashtree.Hash, kind TicketKind) (string, error) {
	hints := ticket.Hints{}
	for _, a := range e.ep.DirectAddresses() {
		if da, ok := directAddr(a); ok {
			hints.Direct = append(hints.Direct, da)
		}
	}
	if kind == TicketRelay {
		if u := e.ep.RelayURL(); u != nil {
			hints.RelayURL = u.String()
		}
	}
	return ticket.Encode(ticket.Ticket{
		Version:  constants.ProtocolVersion,
		Format:   blobstore.HashSequence,
		Root:     root,
		Identity: e.ep.Identity(),
		Hints:    hints,
	})
}

// Receive decodes tkt, downloads its collection into a temporary
// content-addressed directory, verifies every chunk, and exports the
// files under destDir. The temporary directory is removed on clean
// completion and retained on failure for inspection (§6, §7).
func (e *Engine) Receive(ctx context.Context, tkt string, destDir string) (ReceiveResult, transfer.ID, error) {
	t, err := ticket.Decode(tkt)
	if err != nil {
		return ReceiveResult{}, transfer.ID{}, err
	}
	tid, err := e.manager.Create(transfer.Receive, destDir)
	if err != nil {
		return ReceiveResult{}, transfer.ID{}, err
	}
	e.manager.SetRoot(tid, t.Root)

	res, err := e.receive(ctx, tid, t, destDir)
	if err != nil {
		e.fail(tid, err)
		return ReceiveResult{}, tid, err
	}
	e.setStatus(tid, transfer.StatusCompleted)
	return res, tid, nil
}

func (e *Engine) receive(ctx context.Context, tid transfer.ID, t ticket.Ticket, destDir string) (ReceiveResult, error) {
	ctx, cancel := e.abortable(ctx, tid)
	defer cancel()

	recvDir := e.recvDir(t.Root)
	store, err := blobstore.Open(recvDir)
	if err != nil {
		return ReceiveResult{}, err
	}

	e.setStatus(tid, transfer.StatusDownloading)
	_, err = getter.Fetch(ctx, e.ep, t, store, func(ev getter.Event) {
		e.bus.Publish(transfer.ProgressEvent{TransferID: tid, Download: &ev})
	})
	if err != nil {
		if xferrors.Is(err, xferrors.KindCancelled) || ctx.Err() != nil {
			// Cancelled transfers take their partial blobs with them (§5).
			os.RemoveAll(recvDir)
			return ReceiveResult{}, xferrors.Cancelled()
		}
		return ReceiveResult{}, err
	}

	out, err := exporter.Export(ctx, store, t.Root, destDir, exporter.Options{Overwrite: e.cfg.Overwrite}, func(ev exporter.Event) {
		e.bus.Publish(transfer.ProgressEvent{TransferID: tid, Export: &ev})
	})
	if err != nil {
		return ReceiveResult{}, err
	}

	// Clean completion: the receive-side staging directory is removed.
	if err := os.RemoveAll(recvDir); err != nil {
		log.Errorf("removing %s: %v", recvDir, err)
	}
	return ReceiveResult{Files: out.Files, TotalBytes: out.TotalBytes}, nil
}

// Cancel aborts the transfer, reporting whether the id was known.
// Cancelling a transfer already in a terminal state is a no-op.
func (e *Engine) Cancel(id transfer.ID) bool {
	before, ok := e.manager.Get(id)
	if !ok {
		return false
	}
	ok = e.manager.Cancel(id)
	if ok && !before.Status.Terminal() {
		e.publishStatus(id)
	}
	return ok
}

// ListTransfers snapshots the transfer table.
func (e *Engine) ListTransfers() []transfer.Snapshot { return e.manager.List() }

// ClearCompleted drops every terminal record, closing any send listeners
// they still own.
func (e *Engine) ClearCompleted() { e.manager.ClearCompleted() }

// DiscoverStart begins mDNS advertisement and browsing.
func (e *Engine) DiscoverStart() { e.disc.Start() }

// DiscoverStop halts discovery; the device table is retained.
func (e *Engine) DiscoverStop() { e.disc.Stop() }

// DiscoverList returns the currently known nearby devices.
func (e *Engine) DiscoverList() []discovery.NearbyDevice { return e.disc.List() }

func (e *Engine) sendDir(root hashtree.Hash) string {
	return filepath.Join(e.cfg.BaseDir, fmt.Sprintf(".%s-send-%s", constants.Scheme, root.String()[:8]))
}

func (e *Engine) recvDir(root hashtree.Hash) string {
	return filepath.Join(e.cfg.BaseDir, fmt.Sprintf(".%s-recv-%s", constants.Scheme, root.String()[:8]))
}

// directAddr converts an endpoint-observed address into a ticket hint.
func directAddr(a net.Addr) (ticket.DirectAddr, bool) {
	var ip net.IP
	var port int
	switch t := a.(type) {
	case *net.UDPAddr:
		ip, port = t.IP, t.Port
	case *net.TCPAddr:
		ip, port = t.IP, t.Port
	default:
		return ticket.DirectAddr{}, false
	}
	if port == 0 {
		return ticket.DirectAddr{}, false
	}
	if ip.IsUnspecified() {
		// Fall back to the loopback form so a same-host receiver can
		// still connect; LAN callers should bind a concrete interface.
		if ip.To4() != nil {
			ip = net.IPv4(127, 0, 0, 1)
		} else {
			ip = net.IPv6loopback
		}
	}
	return ticket.DirectAddr{IP: ip, Port: uint16(port)}, true
}

// abortable derives a context cancelled either by the caller or by the
// transfer's abort channel, so cancellation is observed at the next
// suspension point (§5).
func (e *Engine) abortable(ctx context.Context, tid transfer.ID) (context.Context, context.CancelFunc) {
	abort, ok := e.manager.Abort(tid)
	if !ok {
		return context.WithCancel(ctx)
	}
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-abort:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

func (e *Engine) setStatus(id transfer.ID, s transfer.Status) {
	e.manager.SetStatus(id, s)
	e.publishStatus(id)
}

func (e *Engine) fail(id transfer.ID, err error) {
	if xferrors.Is(err, xferrors.KindCancelled) {
		e.manager.SetStatus(id, transfer.StatusCancelled)
	} else {
		e.manager.Fail(id, err)
	}
	e.publishStatus(id)
}

func (e *Engine) publishStatus(id transfer.ID) {
	if snap, ok := e.manager.Get(id); ok {
		s := snap.Status
		e.bus.Publish(transfer.ProgressEvent{TransferID: id, Status: &s})
	}
}
