package engine

import (
	"context"
	"testing"
	"time"

	"github.com/gavelhouse/bidding-engine/pkg/errors"
	"github.com/gavelhouse/bidding-engine/pkg/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func newTestEngine(store Store) *Engine {
	return &Engine{
		store:     store,
		trigger:   5 * time.Minute,
		extension: 10 * time.Minute,
		now:       time.Now,
	}
}

func seedAuction(store *memStore, id, seller string, start, step int64, endTime time.Time) {
	store.putAuction(types.Auction{
		ID:           id,
		SellerID:     seller,
		StartPrice:   dec(start),
		StepPrice:    dec(step),
		CurrentPrice: dec(start),
		EndTime:      endTime,
		Status:       types.StatusActive,
	})
}

func TestSubmitProxyBidValidation(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	e := newTestEngine(store)
	end := time.Now().Add(time.Hour)
	seedAuction(store, "a1", "seller", 50, 10, end)

	t.Run("auction not found", func(t *testing.T) {
		_, err := e.SubmitProxyBid(ctx, "missing", "alice", dec(100))
		assert.Equal(t, errors.ErrAuctionNotFound, errors.Code(err))
	})

	t.Run("self bid", func(t *testing.T) {
		_, err := e.SubmitProxyBid(ctx, "a1", "seller", dec(100))
		assert.Equal(t, errors.ErrSelfBidNotAllowed, errors.Code(err))
	})

	t.Run("auction ended", func(t *testing.T) {
		seedAuction(store, "a2", "seller", 50, 10, time.Now().Add(-time.Minute))
		_, err := e.SubmitProxyBid(ctx, "a2", "alice", dec(100))
		assert.Equal(t, errors.ErrAuctionEnded, errors.Code(err))
	})

	t.Run("banned bidder", func(t *testing.T) {
		store.bans["a1"] = map[string]types.Ban{"mallory": {AuctionID: "a1", BidderID: "mallory"}}
		_, err := e.SubmitProxyBid(ctx, "a1", "mallory", dec(100))
		assert.Equal(t, errors.ErrBidderBanned, errors.Code(err))
	})

	t.Run("bid below start price", func(t *testing.T) {
		_, err := e.SubmitProxyBid(ctx, "a1", "alice", dec(40))
		require.Equal(t, errors.ErrBidTooLow, errors.Code(err))

		var appErr *errors.AppError
		require.ErrorAs(t, err, &appErr)
		require.NotNil(t, appErr.MinRequired)
		assert.True(t, appErr.MinRequired.Equal(dec(50)))
	})
}

func TestBidTooLowCarriesMinimumIncrement(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	e := newTestEngine(store)
	end := time.Now().Add(time.Hour)
	seedAuction(store, "a1", "seller", 50, 10, end)

	// Drive the price to 100 through real bids.
	_, err := e.SubmitProxyBid(ctx, "a1", "alice", dec(100))
	require.NoError(t, err)
	_, err = e.SubmitProxyBid(ctx, "a1", "bob", dec(100))
	require.NoError(t, err)
	require.True(t, store.auction("a1").CurrentPrice.Equal(dec(100)))

	_, err = e.SubmitProxyBid(ctx, "a1", "carol", dec(105))
	require.Equal(t, errors.ErrBidTooLow, errors.Code(err))

	var appErr *errors.AppError
	require.ErrorAs(t, err, &appErr)
	require.NotNil(t, appErr.MinRequired)
	assert.True(t, appErr.MinRequired.Equal(dec(110)), "minimum must be current price plus one increment, got %s", appErr.MinRequired)
}

func TestFirstBidClearsAtStartPrice(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	e := newTestEngine(store)
	seedAuction(store, "a1", "seller", 50, 10, time.Now().Add(time.Hour))

	outcome, err := e.SubmitProxyBid(ctx, "a1", "alice", dec(500))
	require.NoError(t, err)

	assert.Equal(t, "alice", outcome.WinnerID)
	assert.True(t, outcome.Price.Equal(dec(50)), "lone first bid must clear at the start price, got %s", outcome.Price)
	assert.True(t, outcome.PriceChanged)
	assert.Nil(t, outcome.PreviousBidderID)

	history := store.historyFor("a1")
	require.Len(t, history, 1)
	assert.Equal(t, "alice", history[0].BidderID)
	assert.True(t, history[0].Price.Equal(dec(50)))
}

func TestSecondPriceFlow(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	e := newTestEngine(store)
	seedAuction(store, "a1", "seller", 50, 10, time.Now().Add(time.Hour))

	_, err := e.SubmitProxyBid(ctx, "a1", "alice", dec(100))
	require.NoError(t, err)

	// Bob's lower ceiling pushes the public price to his maximum but
	// cannot displace Alice.
	outcome, err := e.SubmitProxyBid(ctx, "a1", "bob", dec(80))
	require.NoError(t, err)
	assert.Equal(t, "alice", outcome.WinnerID)
	assert.True(t, outcome.Price.Equal(dec(80)), "expected 80, got %s", outcome.Price)

	// Alice raising her own ceiling lands one increment over Bob,
	// capped at her new ceiling.
	outcome, err = e.SubmitProxyBid(ctx, "a1", "alice", dec(150))
	require.NoError(t, err)
	assert.Equal(t, "alice", outcome.WinnerID)
	assert.True(t, outcome.Price.Equal(dec(90)), "expected 90, got %s", outcome.Price)

	auction := store.auction("a1")
	assert.Equal(t, 3, auction.BidCount)
	require.NotNil(t, auction.CurrentBidderID)
	assert.Equal(t, "alice", *auction.CurrentBidderID)
}

func TestOutbidReportsPreviousLeader(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	e := newTestEngine(store)
	seedAuction(store, "a1", "seller", 50, 10, time.Now().Add(time.Hour))

	_, err := e.SubmitProxyBid(ctx, "a1", "alice", dec(100))
	require.NoError(t, err)

	outcome, err := e.SubmitProxyBid(ctx, "a1", "bob", dec(200))
	require.NoError(t, err)
	assert.Equal(t, "bob", outcome.WinnerID)
	require.NotNil(t, outcome.PreviousBidderID)
	assert.Equal(t, "alice", *outcome.PreviousBidderID)
	// Bob submitted and won: one increment over Alice's ceiling.
	assert.True(t, outcome.Price.Equal(dec(110)), "expected 110, got %s", outcome.Price)
}

func TestIdempotentResubmission(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	e := newTestEngine(store)
	seedAuction(store, "a1", "seller", 50, 10, time.Now().Add(time.Hour))

	_, err := e.SubmitProxyBid(ctx, "a1", "alice", dec(500))
	require.NoError(t, err)

	outcome, err := e.SubmitProxyBid(ctx, "a1", "alice", dec(500))
	require.NoError(t, err, "re-submitting an identical ceiling must not error")

	assert.False(t, outcome.PriceChanged)
	assert.False(t, outcome.Extended)
	assert.True(t, outcome.Price.Equal(dec(50)))

	auction := store.auction("a1")
	assert.Equal(t, 1, auction.BidCount, "a no-op re-submission must not count as a bid")
	assert.Len(t, store.historyFor("a1"), 1, "a no-op re-submission must not append history")
}

func TestAntiSnipingBoundary(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	t.Run("inside the window extends", func(t *testing.T) {
		store := newMemStore()
		e := newTestEngine(store)
		e.now = func() time.Time { return now }

		end := now.Add(5*time.Minute - time.Second)
		seedAuction(store, "a1", "seller", 50, 10, end)

		outcome, err := e.SubmitProxyBid(ctx, "a1", "alice", dec(100))
		require.NoError(t, err)
		assert.True(t, outcome.Extended)
		assert.Equal(t, end.Add(10*time.Minute), outcome.EndTime)
		assert.Equal(t, end.Add(10*time.Minute), store.auction("a1").EndTime)
	})

	t.Run("outside the window does not extend", func(t *testing.T) {
		store := newMemStore()
		e := newTestEngine(store)
		e.now = func() time.Time { return now }

		end := now.Add(5*time.Minute + time.Second)
		seedAuction(store, "a1", "seller", 50, 10, end)

		outcome, err := e.SubmitProxyBid(ctx, "a1", "alice", dec(100))
		require.NoError(t, err)
		assert.False(t, outcome.Extended)
		assert.Equal(t, end, outcome.EndTime)
		assert.Equal(t, end, store.auction("a1").EndTime)
	})
}

// seedBanScenario builds the canonical ban case: history shows alice
// at 60 then bob at 70, bob currently leads.
func seedBanScenario(store *memStore) {
	bob := "bob"
	now := time.Now()
	store.putAuction(types.Auction{
		ID:              "a1",
		SellerID:        "seller",
		StartPrice:      dec(50),
		StepPrice:       dec(10),
		CurrentPrice:    dec(70),
		CurrentBidderID: &bob,
		BidCount:        2,
		EndTime:         now.Add(time.Hour),
		Status:          types.StatusActive,
	})
	store.proxyBids["a1"] = map[string]types.ProxyBid{
		"alice": {AuctionID: "a1", BidderID: "alice", MaxPrice: dec(60), SubmittedAt: now.Add(-2 * time.Minute)},
		"bob":   {AuctionID: "a1", BidderID: "bob", MaxPrice: dec(70), SubmittedAt: now.Add(-time.Minute)},
	}
	store.history["a1"] = []types.BidHistoryEntry{
		{ID: "h1", AuctionID: "a1", BidderID: "alice", Price: dec(60), CreatedAt: now.Add(-2 * time.Minute)},
		{ID: "h2", AuctionID: "a1", BidderID: "bob", Price: dec(70), CreatedAt: now.Add(-time.Minute)},
	}
}

func TestBanReassignsWinner(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	e := newTestEngine(store)
	seedBanScenario(store)

	result, err := e.BanBidder(ctx, "a1", "bob", "seller")
	require.NoError(t, err)

	assert.True(t, result.WinnerChanged)
	require.NotNil(t, result.NewWinnerID)
	assert.Equal(t, "alice", *result.NewWinnerID)
	assert.True(t, result.NewPrice.Equal(dec(60)), "expected fallback to alice at 60, got %s", result.NewPrice)

	auction := store.auction("a1")
	assert.Equal(t, 2, auction.BidCount, "banning must not decrement the bid count")
	assert.Len(t, store.historyFor("a1"), 2, "banning must not rewrite history")
	_, stillThere := store.proxyBids["a1"]["bob"]
	assert.False(t, stillThere, "the banned bidder's proxy bid must be voided")
}

func TestBanLastEligibleBidderRevertsToStartPrice(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	e := newTestEngine(store)
	seedBanScenario(store)

	_, err := e.BanBidder(ctx, "a1", "bob", "seller")
	require.NoError(t, err)

	result, err := e.BanBidder(ctx, "a1", "alice", "seller")
	require.NoError(t, err)

	assert.True(t, result.WinnerChanged)
	assert.Nil(t, result.NewWinnerID)
	assert.True(t, result.NewPrice.Equal(dec(50)), "expected revert to start price, got %s", result.NewPrice)
}

func TestBanOfNonLeaderHoldsPrice(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	e := newTestEngine(store)
	seedBanScenario(store)

	result, err := e.BanBidder(ctx, "a1", "alice", "seller")
	require.NoError(t, err)

	assert.False(t, result.WinnerChanged)
	assert.True(t, result.NewPrice.Equal(dec(70)))
	require.NotNil(t, result.NewWinnerID)
	assert.Equal(t, "bob", *result.NewWinnerID)
}

func TestBanValidation(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	e := newTestEngine(store)
	seedBanScenario(store)

	t.Run("only the seller may ban", func(t *testing.T) {
		_, err := e.BanBidder(ctx, "a1", "bob", "intruder")
		assert.Equal(t, errors.ErrUnauthorized, errors.Code(err))
	})

	t.Run("bidder without bids", func(t *testing.T) {
		_, err := e.BanBidder(ctx, "a1", "stranger", "seller")
		assert.Equal(t, errors.ErrBidderHasNoBids, errors.Code(err))
	})

	t.Run("double ban", func(t *testing.T) {
		_, err := e.BanBidder(ctx, "a1", "bob", "seller")
		require.NoError(t, err)
		_, err = e.BanBidder(ctx, "a1", "bob", "seller")
		assert.Equal(t, errors.ErrAlreadyBanned, errors.Code(err))
	})

	t.Run("inactive auction", func(t *testing.T) {
		a := store.auction("a1")
		a.Status = types.StatusWon
		store.putAuction(a)
		_, err := e.BanBidder(ctx, "a1", "alice", "seller")
		assert.Equal(t, errors.ErrAuctionNotActive, errors.Code(err))
	})
}

func TestBannedBidderCannotRebid(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	e := newTestEngine(store)
	seedBanScenario(store)

	_, err := e.BanBidder(ctx, "a1", "bob", "seller")
	require.NoError(t, err)

	_, err = e.SubmitProxyBid(ctx, "a1", "bob", dec(500))
	assert.Equal(t, errors.ErrBidderBanned, errors.Code(err))
}

func TestRetryOnSerializationConflict(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	e := newTestEngine(store)
	seedAuction(store, "a1", "seller", 50, 10, time.Now().Add(time.Hour))

	store.conflicts = 2
	outcome, err := e.SubmitProxyBid(ctx, "a1", "alice", dec(100))
	require.NoError(t, err, "two conflicts must be absorbed by the retry loop")
	assert.Equal(t, "alice", outcome.WinnerID)

	store.conflicts = 3
	_, err = e.SubmitProxyBid(ctx, "a1", "bob", dec(200))
	assert.Equal(t, errors.ErrConcurrencyConflict, errors.Code(err), "exhausted retries must surface as a conflict")
}

func TestConcurrentBidsConverge(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	e := newTestEngine(store)
	seedAuction(store, "a1", "seller", 50, 10, time.Now().Add(time.Hour))

	var g errgroup.Group
	g.Go(func() error {
		_, err := e.SubmitProxyBid(ctx, "a1", "alice", dec(100))
		return err
	})
	g.Go(func() error {
		_, err := e.SubmitProxyBid(ctx, "a1", "bob", dec(90))
		return err
	})
	require.NoError(t, g.Wait())

	auction := store.auction("a1")
	require.NotNil(t, auction.CurrentBidderID)
	assert.Equal(t, "alice", *auction.CurrentBidderID, "the higher ceiling must win under either interleaving")
	assert.Equal(t, 2, auction.BidCount)

	// Sequential replay: alice-first yields 90, bob-first yields 100.
	price := auction.CurrentPrice
	assert.True(t, price.Equal(dec(90)) || price.Equal(dec(100)),
		"final price %s must match a sequential replay of one of the two orderings", price)

	history := store.historyFor("a1")
	for i := 1; i < len(history); i++ {
		assert.False(t, history[i].Price.LessThan(history[i-1].Price), "history prices must be non-decreasing")
	}
}

func TestPriceAndEndTimeMonotonic(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	e := newTestEngine(store)
	seedAuction(store, "a1", "seller", 50, 10, time.Now().Add(time.Hour))

	bidders := []struct {
		id  string
		max int64
	}{
		{"alice", 100}, {"bob", 150}, {"carol", 120}, {"alice", 300}, {"dave", 180},
	}

	lastPrice := decimal.Zero
	lastEnd := time.Time{}
	for _, b := range bidders {
		outcome, err := e.SubmitProxyBid(ctx, "a1", b.id, dec(b.max))
		require.NoError(t, err)
		assert.False(t, outcome.Price.LessThan(lastPrice), "price went backwards: %s after %s", outcome.Price, lastPrice)
		assert.False(t, outcome.EndTime.Before(lastEnd), "end time went backwards")
		lastPrice = outcome.Price
		lastEnd = outcome.EndTime
	}
}

func TestFinalizeAuction(t *testing.T) {
	ctx := context.Background()

	t.Run("with bids becomes won", func(t *testing.T) {
		store := newMemStore()
		e := newTestEngine(store)
		seedAuction(store, "a1", "seller", 50, 10, time.Now().Add(time.Minute))

		_, err := e.SubmitProxyBid(ctx, "a1", "alice", dec(100))
		require.NoError(t, err)

		e.now = func() time.Time { return time.Now().Add(time.Hour) }
		finalized, err := e.FinalizeAuction(ctx, "a1")
		require.NoError(t, err)
		assert.Equal(t, types.StatusWon, finalized.Status)
	})

	t.Run("without bids becomes expired", func(t *testing.T) {
		store := newMemStore()
		e := newTestEngine(store)
		seedAuction(store, "a1", "seller", 50, 10, time.Now().Add(-time.Minute))

		finalized, err := e.FinalizeAuction(ctx, "a1")
		require.NoError(t, err)
		assert.Equal(t, types.StatusExpired, finalized.Status)
	})

	t.Run("still running is left alone", func(t *testing.T) {
		store := newMemStore()
		e := newTestEngine(store)
		seedAuction(store, "a1", "seller", 50, 10, time.Now().Add(time.Hour))

		finalized, err := e.FinalizeAuction(ctx, "a1")
		require.NoError(t, err)
		assert.Equal(t, types.StatusActive, finalized.Status)
	})

	t.Run("already finalized is a no-op", func(t *testing.T) {
		store := newMemStore()
		e := newTestEngine(store)
		seedAuction(store, "a1", "seller", 50, 10, time.Now().Add(-time.Minute))

		_, err := e.FinalizeAuction(ctx, "a1")
		require.NoError(t, err)
		finalized, err := e.FinalizeAuction(ctx, "a1")
		require.NoError(t, err)
		assert.Equal(t, types.StatusExpired, finalized.Status)
	})
}
