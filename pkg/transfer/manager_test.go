package transfer

import (
	"testing"

	"github.com/beamshare/beam/pkg/constants"
)

type fakeListener struct {
	closed int
}

func (l *fakeListener) Close() error {
	l.closed++
	return nil
}

func TestCreateAndStatusTransitions(t *testing.T) {
	m := NewManager()
	id, err := m.Create(Receive, "/tmp/dest")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	snap, ok := m.Get(id)
	if !ok {
		t.Fatalf("Get: record missing")
	}
	if snap.Status != StatusInitializing {
		t.Fatalf("initial status = %v, want initializing", snap.Status)
	}

	m.SetStatus(id, StatusDownloading)
	m.SetStatus(id, StatusCompleted)
	// Terminal states are sticky.
	m.SetStatus(id, StatusDownloading)
	snap, _ = m.Get(id)
	if snap.Status != StatusCompleted {
		t.Fatalf("status after terminal = %v, want completed", snap.Status)
	}
}

func TestCancelSignalsAbortAndIsIdempotent(t *testing.T) {
	m := NewManager()
	id, _ := m.Create(Send, "/tmp/src")
	l := &fakeListener{}
	if err := m.AttachListener(id, l); err != nil {
		t.Fatalf("AttachListener: %v", err)
	}

	abort, ok := m.Abort(id)
	if !ok {
		t.Fatalf("Abort: record missing")
	}
	select {
	case <-abort:
		t.Fatalf("abort channel closed before Cancel")
	default:
	}

	if !m.Cancel(id) {
		t.Fatalf("Cancel reported unknown id")
	}
	select {
	case <-abort:
	default:
		t.Fatalf("abort channel not closed after Cancel")
	}
	if l.closed != 1 {
		t.Fatalf("listener closed %d times, want 1", l.closed)
	}

	// Idempotent: a second cancel changes nothing.
	if !m.Cancel(id) {
		t.Fatalf("second Cancel reported unknown id")
	}
	if l.closed != 1 {
		t.Fatalf("listener closed %d times after second Cancel, want 1", l.closed)
	}
	snap, _ := m.Get(id)
	if snap.Status != StatusCancelled {
		t.Fatalf("status = %v, want cancelled", snap.Status)
	}

	if m.Cancel(ID{}) {
		t.Fatalf("Cancel of unknown id reported true")
	}
}

func TestCancelAfterCompletionIsNoOp(t *testing.T) {
	m := NewManager()
	id, _ := m.Create(Receive, "")
	m.SetStatus(id, StatusCompleted)
	if !m.Cancel(id) {
		t.Fatalf("Cancel reported unknown id")
	}
	snap, _ := m.Get(id)
	if snap.Status != StatusCompleted {
		t.Fatalf("cancel after completion changed status to %v", snap.Status)
	}
}

func TestListOrderAndClearCompleted(t *testing.T) {
	m := NewManager()
	a, _ := m.Create(Send, "a")
	b, _ := m.Create(Receive, "b")
	c, _ := m.Create(Send, "c")

	list := m.List()
	if len(list) != 3 {
		t.Fatalf("List len = %d, want 3", len(list))
	}
	if list[0].ID != a || list[1].ID != b || list[2].ID != c {
		t.Fatalf("List not in creation order")
	}

	m.SetStatus(b, StatusCompleted)
	l := &fakeListener{}
	m.AttachListener(c, l)
	m.Fail(c, nil)
	m.ClearCompleted()

	list = m.List()
	if len(list) != 1 || list[0].ID != a {
		t.Fatalf("ClearCompleted left %d records", len(list))
	}
	if l.closed != 1 {
		t.Fatalf("ClearCompleted closed listener %d times, want 1", l.closed)
	}
}

func TestBusDropsOldestWhenFull(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe()

	id := ID{1}
	for i := 0; i < constants.ProgressChannelCapacity+5; i++ {
		s := StatusDownloading
		bus.Publish(ProgressEvent{TransferID: id, Status: &s})
	}

	n := 0
	for {
		select {
		case _, ok := <-sub:
			if !ok {
				t.Fatalf("channel closed early")
			}
			n++
			continue
		default:
		}
		break
	}
	if n != constants.ProgressChannelCapacity {
		t.Fatalf("buffered %d events, want exactly %d", n, constants.ProgressChannelCapacity)
	}
	bus.Unsubscribe(sub)
	if _, ok := <-sub; ok {
		t.Fatalf("channel not closed after Unsubscribe")
	}
}
