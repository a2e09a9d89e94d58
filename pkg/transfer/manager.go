// Package transfer implements the process-wide transfer table (§4.10): a
// mutex-guarded map of Records keyed by a 128-bit id, each carrying a
// one-shot abort channel, a status, and ownership of the long-lived
// listener keeping a send alive. Progress events flow on separate bounded
// per-subscriber channels; the table itself is state only.
package transfer

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/beamshare/beam/pkg/endpoint"
	"github.com/beamshare/beam/pkg/hashtree"
	"github.com/beamshare/beam/pkg/xferrors"
)

// Kind distinguishes send from receive transfers.
type Kind int

const (
	Send Kind = iota
	Receive
)

func (k Kind) String() string {
	if k == Send {
		return "send"
	}
	return "receive"
}

// Status is a Record's lifecycle state.
type Status int

const (
	StatusInitializing Status = iota
	StatusServing
	StatusDownloading
	StatusCompleted
	StatusErrored
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusInitializing:
		return "initializing"
	case StatusServing:
		return "serving"
	case StatusDownloading:
		return "downloading"
	case StatusCompleted:
		return "completed"
	case StatusErrored:
		return "errored"
	case StatusCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusErrored || s == StatusCancelled
}

// ID uniquely identifies a transfer within this process.
type ID [16]byte

func (id ID) String() string { return hex.EncodeToString(id[:]) }

// NewID returns a random 128-bit transfer id.
func NewID() (ID, error) {
	var id ID
	if _, err := rand.Read(id[:]); err != nil {
		return ID{}, fmt.Errorf("transfer: generating id: %w", err)
	}
	return id, nil
}

// Record is the process-local status object for one transfer. Exported
// fields are set at creation and immutable afterward; mutable state goes
// through the Manager's methods so readers always see a consistent
// snapshot.
type Record struct {
	ID      ID
	Kind    Kind
	Path    string
	Created time.Time

	status  Status
	root    *hashtree.Hash
	errMsg  string
	abort   chan struct{}
	aborted bool

	// listener keeps a send's accept loop alive for the lifetime of the
	// record (§9 Ownership of long-lived listeners).
	listener endpoint.Listener
}

// Snapshot is the read-only view List and Get return.
type Snapshot struct {
	ID      ID
	Kind    Kind
	Path    string
	Created time.Time
	Status  Status
	Root    *hashtree.Hash
	Error   string
}

// Manager is the process-wide transfer table. The mutex guards map and
// record-field manipulation only; no I/O happens inside the critical
// section.
type Manager struct {
	mu      sync.RWMutex
	records map[ID]*Record
}

// NewManager returns an empty transfer table.
func NewManager() *Manager {
	return &Manager{records: make(map[ID]*Record)}
}

// Create registers a new transfer in StatusInitializing and returns its id.
func (m *Manager) Create(kind Kind, path string) (ID, error) {
	id, err := NewID()
	if err != nil {
		return ID{}, err
	}
	rec := &Record{
		ID:      id,
		Kind:    kind,
		Path:    path,
		Created: time.Now(),
		status:  StatusInitializing,
		abort:   make(chan struct{}),
	}
	m.mu.Lock()
	m.records[id] = rec
	m.mu.Unlock()
	return id, nil
}

// Abort returns the id's abort channel; it is closed when the transfer is
// cancelled. Tasks select on it at their suspension points.
func (m *Manager) Abort(id ID) (<-chan struct{}, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[id]
	if !ok {
		return nil, false
	}
	return rec.abort, true
}

// AttachListener hands ownership of a live accept loop to the record so
// it outlives the command scope that started it. Any previously attached
// listener is closed.
func (m *Manager) AttachListener(id ID, l endpoint.Listener) error {
	m.mu.Lock()
	rec, ok := m.records[id]
	var old endpoint.Listener
	if ok {
		old = rec.listener
		rec.listener = l
	}
	m.mu.Unlock()
	if !ok {
		return xferrors.Usage("no such transfer: " + id.String())
	}
	if old != nil {
		old.Close()
	}
	return nil
}

// SetStatus moves the record to status. Terminal states are sticky: once
// a record is completed, errored, or cancelled, further SetStatus calls
// are ignored so exactly one terminal transition ever happens.
func (m *Manager) SetStatus(id ID, status Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok || rec.status.Terminal() {
		return
	}
	rec.status = status
}

// SetRoot records the transfer's root hash once the importer or ticket
// decode makes it known.
func (m *Manager) SetRoot(id ID, root hashtree.Hash) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.records[id]; ok {
		h := root
		rec.root = &h
	}
}

// Fail transitions the record to StatusErrored with a human message.
func (m *Manager) Fail(id ID, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok || rec.status.Terminal() {
		return
	}
	rec.status = StatusErrored
	if err != nil {
		rec.errMsg = err.Error()
	}
}

// Cancel signals the record's abort channel and closes its listener.
// Cancelling an unknown id reports false; cancelling a record already in
// a terminal state is a no-op reporting true.
func (m *Manager) Cancel(id ID) bool {
	m.mu.Lock()
	rec, ok := m.records[id]
	if !ok {
		m.mu.Unlock()
		return false
	}
	var l endpoint.Listener
	if !rec.status.Terminal() {
		if !rec.aborted {
			rec.aborted = true
			close(rec.abort)
		}
		rec.status = StatusCancelled
		l = rec.listener
		rec.listener = nil
	}
	m.mu.Unlock()
	if l != nil {
		l.Close()
	}
	return true
}

// Get returns a snapshot of one record.
func (m *Manager) Get(id ID) (Snapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[id]
	if !ok {
		return Snapshot{}, false
	}
	return rec.snapshotLocked(), true
}

// List returns a snapshot of every record, ordered by creation time.
func (m *Manager) List() []Snapshot {
	m.mu.RLock()
	out := make([]Snapshot, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, rec.snapshotLocked())
	}
	m.mu.RUnlock()
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].Created.Before(out[j-1].Created); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// ClearCompleted removes every record in a terminal state, closing any
// listener still attached.
func (m *Manager) ClearCompleted() {
	m.mu.Lock()
	var closers []endpoint.Listener
	for id, rec := range m.records {
		if rec.status.Terminal() {
			if rec.listener != nil {
				closers = append(closers, rec.listener)
			}
			delete(m.records, id)
		}
	}
	m.mu.Unlock()
	for _, l := range closers {
		l.Close()
	}
}

func (r *Record) snapshotLocked() Snapshot {
	return Snapshot{
		ID:      r.ID,
		Kind:    r.Kind,
		Path:    r.Path,
		Created: r.Created,
		Status:  r.status,
		Root:    r.root,
		Error:   r.errMsg,
	}
}
