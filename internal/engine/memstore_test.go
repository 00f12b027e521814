package engine

import (
	"context"
	"sort"
	"sync"

	"github.com/gavelhouse/bidding-engine/pkg/errors"
	"github.com/gavelhouse/bidding-engine/pkg/types"
)

// memStore is an in-memory engine.Store. The whole store locks per
// transaction, which trivially gives serializable semantics; failed
// transactions roll back to a snapshot. conflicts injects that many
// simulated serialization failures before letting transactions
// through, to exercise the engine's retry loop.
type memStore struct {
	mu        sync.Mutex
	auctions  map[string]types.Auction
	proxyBids map[string]map[string]types.ProxyBid
	bans      map[string]map[string]types.Ban
	history   map[string][]types.BidHistoryEntry
	conflicts int
}

func newMemStore() *memStore {
	return &memStore{
		auctions:  make(map[string]types.Auction),
		proxyBids: make(map[string]map[string]types.ProxyBid),
		bans:      make(map[string]map[string]types.Ban),
		history:   make(map[string][]types.BidHistoryEntry),
	}
}

func (s *memStore) putAuction(a types.Auction) {
	s.mu.Lock()
	s.auctions[a.ID] = a
	s.mu.Unlock()
}

func (s *memStore) auction(id string) types.Auction {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.auctions[id]
}

func (s *memStore) historyFor(id string) []types.BidHistoryEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := make([]types.BidHistoryEntry, len(s.history[id]))
	copy(entries, s.history[id])
	return entries
}

func (s *memStore) snapshot() *memStore {
	snap := newMemStore()
	for k, v := range s.auctions {
		snap.auctions[k] = v
	}
	for k, v := range s.proxyBids {
		inner := make(map[string]types.ProxyBid, len(v))
		for bk, bv := range v {
			inner[bk] = bv
		}
		snap.proxyBids[k] = inner
	}
	for k, v := range s.bans {
		inner := make(map[string]types.Ban, len(v))
		for bk, bv := range v {
			inner[bk] = bv
		}
		snap.bans[k] = inner
	}
	for k, v := range s.history {
		entries := make([]types.BidHistoryEntry, len(v))
		copy(entries, v)
		snap.history[k] = entries
	}
	return snap
}

func (s *memStore) restore(snap *memStore) {
	s.auctions = snap.auctions
	s.proxyBids = snap.proxyBids
	s.bans = snap.bans
	s.history = snap.history
}

func (s *memStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conflicts > 0 {
		s.conflicts--
		return errors.New(errors.ErrConcurrencyConflict, "simulated serialization failure")
	}

	snap := s.snapshot()
	if err := fn(&memTx{store: s}); err != nil {
		s.restore(snap)
		return err
	}
	return nil
}

type memTx struct {
	store *memStore
}

func (t *memTx) AuctionForUpdate(ctx context.Context, auctionID string) (types.Auction, error) {
	a, ok := t.store.auctions[auctionID]
	if !ok {
		return types.Auction{}, errors.New(errors.ErrAuctionNotFound, "auction not found")
	}
	return a, nil
}

func (t *memTx) UpdateAuction(ctx context.Context, auction types.Auction) error {
	t.store.auctions[auction.ID] = auction
	return nil
}

func (t *memTx) UpsertProxyBid(ctx context.Context, bid types.ProxyBid) error {
	bids, ok := t.store.proxyBids[bid.AuctionID]
	if !ok {
		bids = make(map[string]types.ProxyBid)
		t.store.proxyBids[bid.AuctionID] = bids
	}
	bids[bid.BidderID] = bid
	return nil
}

func (t *memTx) DeleteProxyBid(ctx context.Context, auctionID, bidderID string) error {
	delete(t.store.proxyBids[auctionID], bidderID)
	return nil
}

func (t *memTx) ActiveProxyBids(ctx context.Context, auctionID string) ([]types.ProxyBid, error) {
	var bids []types.ProxyBid
	for bidderID, bid := range t.store.proxyBids[auctionID] {
		if _, banned := t.store.bans[auctionID][bidderID]; banned {
			continue
		}
		bids = append(bids, bid)
	}
	sort.SliceStable(bids, func(i, j int) bool {
		cmp := bids[i].MaxPrice.Cmp(bids[j].MaxPrice)
		if cmp != 0 {
			return cmp > 0
		}
		return bids[i].SubmittedAt.Before(bids[j].SubmittedAt)
	})
	return bids, nil
}

func (t *memTx) IsBanned(ctx context.Context, auctionID, bidderID string) (bool, error) {
	_, banned := t.store.bans[auctionID][bidderID]
	return banned, nil
}

func (t *memTx) InsertBan(ctx context.Context, ban types.Ban) error {
	bans, ok := t.store.bans[ban.AuctionID]
	if !ok {
		bans = make(map[string]types.Ban)
		t.store.bans[ban.AuctionID] = bans
	}
	bans[ban.BidderID] = ban
	return nil
}

func (t *memTx) HasBids(ctx context.Context, auctionID, bidderID string) (bool, error) {
	if _, ok := t.store.proxyBids[auctionID][bidderID]; ok {
		return true, nil
	}
	for _, entry := range t.store.history[auctionID] {
		if entry.BidderID == bidderID {
			return true, nil
		}
	}
	return false, nil
}

func (t *memTx) AppendHistory(ctx context.Context, entry types.BidHistoryEntry) error {
	t.store.history[entry.AuctionID] = append(t.store.history[entry.AuctionID], entry)
	return nil
}

func (t *memTx) LatestNonBannedHistory(ctx context.Context, auctionID string) (*types.BidHistoryEntry, error) {
	entries := t.store.history[auctionID]
	for i := len(entries) - 1; i >= 0; i-- {
		if _, banned := t.store.bans[auctionID][entries[i].BidderID]; banned {
			continue
		}
		entry := entries[i]
		return &entry, nil
	}
	return nil, nil
}
