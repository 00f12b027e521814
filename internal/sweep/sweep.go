package sweep

import (
	"context"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gavelhouse/bidding-engine/internal/database"
	"github.com/gavelhouse/bidding-engine/internal/engine"
	"github.com/gavelhouse/bidding-engine/internal/notify"
	"github.com/gavelhouse/bidding-engine/pkg/types"
)

// Sweeper periodically scans for auctions past their end time and
// asks the engine to finalize them. It is a plain poller: all the
// interesting invariants live in the engine's FinalizeAuction, which
// takes the same per-auction lock as bidding.
type Sweeper struct {
	db         database.Service
	engine     *engine.Engine
	dispatcher *notify.Dispatcher
	interval   time.Duration
	stop       chan struct{}
	done       chan struct{}
}

func New(db database.Service, eng *engine.Engine, dispatcher *notify.Dispatcher, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Sweeper{
		db:         db,
		engine:     eng,
		dispatcher: dispatcher,
		interval:   interval,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

func (s *Sweeper) Start() {
	go s.run()
	log.Infof("Auction closing sweep started (every %s)", s.interval)
}

func (s *Sweeper) Stop() {
	close(s.stop)
	<-s.done
}

func (s *Sweeper) run() {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Sweep(context.Background())
		case <-s.stop:
			return
		}
	}
}

// Sweep finalizes every auction that is due. Each auction closes in
// its own transaction, so one failure does not block the rest.
func (s *Sweeper) Sweep(ctx context.Context) {
	due, err := s.db.ListDueAuctions(ctx, time.Now().UTC())
	if err != nil {
		log.Error("Error listing due auctions: ", err)
		return
	}

	for _, auction := range due {
		finalized, err := s.engine.FinalizeAuction(ctx, auction.ID)
		if err != nil {
			log.Errorf("Error finalizing auction %s: %v", auction.ID, err)
			continue
		}
		if finalized.Status == types.StatusActive {
			// A late bid extended the end time between the scan and
			// the lock; leave it running.
			continue
		}

		log.Debugf("Auction %s finalized as %s", finalized.ID, finalized.Status)
		s.dispatcher.Dispatch(notify.Event{
			Type:    notify.EventAuctionClosed,
			Auction: &finalized,
		})
	}
}
