package transfer

import (
	"sync"

	"github.com/beamshare/beam/pkg/constants"
	"github.com/beamshare/beam/pkg/exporter"
	"github.com/beamshare/beam/pkg/getter"
	"github.com/beamshare/beam/pkg/importer"
	"github.com/beamshare/beam/pkg/provider"
)

// ProgressEvent is the unified event envelope carried on the bus. Exactly
// one of the variant pointers is non-nil; every event names the transfer
// it belongs to.
type ProgressEvent struct {
	TransferID ID

	Import     *importer.Event
	Export     *exporter.Event
	Download   *getter.Event
	Connection *provider.Event

	// Status is set on lifecycle transitions (serving, completed,
	// errored, cancelled) instead of a variant pointer. State changes
	// are authoritative; the variant events are best-effort progress.
	Status *Status
}

// Bus fans ProgressEvents out to any number of subscribers, each behind
// its own bounded channel. When a subscriber's channel is full the oldest
// event is dropped to make room, so a slow consumer delays nothing.
type Bus struct {
	mu   sync.Mutex
	subs map[chan ProgressEvent]struct{}
}

// NewBus returns an empty Bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[chan ProgressEvent]struct{})}
}

// Subscribe registers a new bounded subscriber channel. The caller must
// Unsubscribe when done; the channel is closed then.
func (b *Bus) Subscribe() <-chan ProgressEvent {
	ch := make(chan ProgressEvent, constants.ProgressChannelCapacity)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes ch and closes it. ch must have come from Subscribe
// on this Bus.
func (b *Bus) Unsubscribe(ch <-chan ProgressEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs {
		if sub == ch {
			delete(b.subs, sub)
			close(sub)
			return
		}
	}
}

// Publish delivers ev to every subscriber, dropping each subscriber's
// oldest buffered event when its channel is full.
func (b *Bus) Publish(ev ProgressEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs {
		for {
			select {
			case sub <- ev:
			default:
				select {
				case <-sub:
				default:
				}
				continue
			}
			break
		}
	}
}
