package notify

import (
	"sync"

	"github.com/charmbracelet/log"
	"github.com/gavelhouse/bidding-engine/pkg/types"
)

// Event is what leaves the engine after a transaction commits.
type Event struct {
	Type    string            `json:"type"`
	Outcome *types.BidOutcome `json:"outcome,omitempty"`
	Ban     *types.BanResult  `json:"ban,omitempty"`
	Auction *types.Auction    `json:"auction,omitempty"`
}

const (
	EventPriceUpdate   = "price_update"
	EventOutbid        = "outbid"
	EventBidderBanned  = "bidder_banned"
	EventAuctionClosed = "auction_closed"
)

// Sink delivers one event to some destination (websocket broadcast,
// mail queue, ...). Delivery is best-effort.
type Sink interface {
	Deliver(event Event) error
}

// Dispatcher fans committed events out to its sinks from a single
// background goroutine. It is strictly fire-and-forget: the price in
// the store is authoritative whether or not anybody hears about it,
// so delivery failures are logged and dropped, never propagated back
// to the bidder, and dispatch never runs inside a transaction.
type Dispatcher struct {
	mu    sync.RWMutex
	sinks []Sink
	queue chan Event
	done  chan struct{}
}

func NewDispatcher(sinks ...Sink) *Dispatcher {
	d := &Dispatcher{
		sinks: sinks,
		queue: make(chan Event, 256),
		done:  make(chan struct{}),
	}
	go d.run()
	return d
}

// AddSink registers a destination after construction; used to break
// the wiring cycle between the dispatcher and the websocket handler.
func (d *Dispatcher) AddSink(sink Sink) {
	d.mu.Lock()
	d.sinks = append(d.sinks, sink)
	d.mu.Unlock()
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for event := range d.queue {
		d.mu.RLock()
		sinks := d.sinks
		d.mu.RUnlock()
		for _, sink := range sinks {
			if err := sink.Deliver(event); err != nil {
				log.Error("Failed to deliver notification: ", err)
			}
		}
	}
}

// Dispatch enqueues an event without blocking the caller. When the
// queue is full the event is dropped; the committed state already
// holds the truth.
func (d *Dispatcher) Dispatch(event Event) {
	select {
	case d.queue <- event:
	default:
		log.Warnf("Notification queue full, dropping %s event", event.Type)
	}
}

// Close drains the queue and stops the dispatch goroutine.
func (d *Dispatcher) Close() {
	close(d.queue)
	<-d.done
}
