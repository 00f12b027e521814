package engine

import (
	"context"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gavelhouse/bidding-engine/configs"
	"github.com/gavelhouse/bidding-engine/pkg/errors"
	"github.com/gavelhouse/bidding-engine/pkg/types"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// maxTxAttempts bounds retries on serialization conflicts before the
// submission is surfaced as ErrConcurrencyConflict.
const maxTxAttempts = 3

// Tx is the transaction-scoped view of the ledger store. Every method
// runs inside the single transaction the engine opened; the auction
// row returned by AuctionForUpdate is locked until commit, making it
// the per-auction serialization point.
type Tx interface {
	// AuctionForUpdate loads and locks the auction row. Returns an
	// ErrAuctionNotFound AppError when no such auction exists.
	AuctionForUpdate(ctx context.Context, auctionID string) (types.Auction, error)
	UpdateAuction(ctx context.Context, auction types.Auction) error

	UpsertProxyBid(ctx context.Context, bid types.ProxyBid) error
	DeleteProxyBid(ctx context.Context, auctionID, bidderID string) error
	// ActiveProxyBids returns all proxy bids for the auction whose
	// bidders are not banned, ordered MaxPrice desc, SubmittedAt asc.
	ActiveProxyBids(ctx context.Context, auctionID string) ([]types.ProxyBid, error)

	IsBanned(ctx context.Context, auctionID, bidderID string) (bool, error)
	InsertBan(ctx context.Context, ban types.Ban) error
	// HasBids reports whether the bidder holds a proxy bid or appears
	// in the bid history for the auction.
	HasBids(ctx context.Context, auctionID, bidderID string) (bool, error)

	AppendHistory(ctx context.Context, entry types.BidHistoryEntry) error
	// LatestNonBannedHistory returns the most recent history entry
	// whose bidder is not banned, or nil when none remains.
	LatestNonBannedHistory(ctx context.Context, auctionID string) (*types.BidHistoryEntry, error)
}

// Store opens one atomic transaction per call. Implementations must
// run fn at serializable isolation (or equivalent row-level conflict
// detection) and report lost races as ErrConcurrencyConflict
// AppErrors so the engine can retry.
type Store interface {
	InTx(ctx context.Context, fn func(tx Tx) error) error
}

// Engine owns all state transitions of an active auction: proxy-bid
// submission, seller bans and final close. It keeps no mutable state
// of its own; the auction row in the store is the single source of
// truth and different auctions never contend with each other.
type Engine struct {
	store     Store
	trigger   time.Duration
	extension time.Duration
	now       func() time.Time
}

func New(store Store, cfg *configs.Config) *Engine {
	trigger, extension := cfg.AntiSnipingWindow()
	return &Engine{
		store:     store,
		trigger:   trigger,
		extension: extension,
		now:       time.Now,
	}
}

// SubmitProxyBid registers bidderID's private ceiling for the auction
// and reprices it with the second-price rule. The whole
// read-validate-write sequence runs in one transaction; on a
// serialization conflict the computation restarts from the locked
// auction row, up to maxTxAttempts times.
//
// No I/O besides the store transaction happens here. Notifying the
// outbid party is the caller's job, strictly after commit, keyed off
// the returned outcome.
func (e *Engine) SubmitProxyBid(ctx context.Context, auctionID, bidderID string, maxPrice decimal.Decimal) (types.BidOutcome, error) {
	var outcome types.BidOutcome

	for attempt := 1; attempt <= maxTxAttempts; attempt++ {
		err := e.store.InTx(ctx, func(tx Tx) error {
			now := e.now().UTC()

			auction, err := tx.AuctionForUpdate(ctx, auctionID)
			if err != nil {
				return err
			}

			if auction.SellerID == bidderID {
				return errors.New(errors.ErrSelfBidNotAllowed, "sellers cannot bid on their own auction")
			}
			if auction.Status != types.StatusActive || !now.Before(auction.EndTime) {
				return errors.New(errors.ErrAuctionEnded, "auction has already ended")
			}
			banned, err := tx.IsBanned(ctx, auctionID, bidderID)
			if err != nil {
				return err
			}
			if banned {
				return errors.New(errors.ErrBidderBanned, "bidder is banned from this auction")
			}
			if min := minRequiredPrice(auction); maxPrice.LessThan(min) {
				return errors.BidTooLow(min)
			}

			err = tx.UpsertProxyBid(ctx, types.ProxyBid{
				AuctionID:   auctionID,
				BidderID:    bidderID,
				MaxPrice:    maxPrice,
				SubmittedAt: now,
			})
			if err != nil {
				return err
			}

			bids, err := tx.ActiveProxyBids(ctx, auctionID)
			if err != nil {
				return err
			}

			cleared := clearAuction(auction, bids, bidderID)

			newEndTime := auction.EndTime
			extended := false
			if remaining := auction.EndTime.Sub(now); remaining > 0 && remaining <= e.trigger {
				newEndTime = auction.EndTime.Add(e.extension)
				extended = true
			}

			firstBid := auction.BidCount == 0
			priceChanged := firstBid || cleared.Price.GreaterThan(auction.CurrentPrice)
			winnerChanged := auction.CurrentBidderID == nil || *auction.CurrentBidderID != cleared.WinnerID

			outcome = types.BidOutcome{
				AuctionID:    auctionID,
				Price:        cleared.Price,
				WinnerID:     cleared.WinnerID,
				PriceChanged: priceChanged,
				Extended:     extended,
				EndTime:      newEndTime,
			}

			if !priceChanged && !winnerChanged && !extended {
				// The proxy-bid upsert still commits, but nothing
				// observable moved: no history entry, no notification.
				return nil
			}

			if auction.CurrentBidderID != nil && *auction.CurrentBidderID != cleared.WinnerID {
				prev := *auction.CurrentBidderID
				outcome.PreviousBidderID = &prev
			}

			auction.CurrentPrice = cleared.Price
			auction.CurrentBidderID = &cleared.WinnerID
			auction.BidCount++
			auction.EndTime = newEndTime
			auction.UpdatedAt = now
			if err := tx.UpdateAuction(ctx, auction); err != nil {
				return err
			}

			if priceChanged {
				err := tx.AppendHistory(ctx, types.BidHistoryEntry{
					ID:        uuid.NewString(),
					AuctionID: auctionID,
					BidderID:  cleared.WinnerID,
					Price:     cleared.Price,
					CreatedAt: now,
				})
				if err != nil {
					return err
				}
			}

			return nil
		})

		if err == nil {
			return outcome, nil
		}
		if errors.Code(err) != errors.ErrConcurrencyConflict {
			return types.BidOutcome{}, err
		}
		log.Debugf("Bid on auction %s hit a serialization conflict (attempt %d/%d)", auctionID, attempt, maxTxAttempts)
	}

	return types.BidOutcome{}, errors.New(errors.ErrConcurrencyConflict, "bid submission conflicted with concurrent bids, please retry")
}

// BanBidder excludes bidderID from the auction on the seller's behalf.
// The ban, the removal of the bidder's proxy bid and the winner
// reassignment commit as one unit. Unlike bidding this transition can
// only hold or lower the price, never extends the end time, never
// touches bidCount and never rewrites history: when the banned bidder
// held the lead, the most recent non-banned history entry takes over,
// or the auction reverts to its start price with no winner.
func (e *Engine) BanBidder(ctx context.Context, auctionID, bidderID, actingSellerID string) (types.BanResult, error) {
	var result types.BanResult

	for attempt := 1; attempt <= maxTxAttempts; attempt++ {
		err := e.store.InTx(ctx, func(tx Tx) error {
			now := e.now().UTC()

			auction, err := tx.AuctionForUpdate(ctx, auctionID)
			if err != nil {
				return err
			}

			if auction.SellerID != actingSellerID {
				return errors.New(errors.ErrUnauthorized, "only the seller can ban bidders")
			}
			if auction.Status != types.StatusActive {
				return errors.New(errors.ErrAuctionNotActive, "auction is not active")
			}
			hasBids, err := tx.HasBids(ctx, auctionID, bidderID)
			if err != nil {
				return err
			}
			if !hasBids {
				return errors.New(errors.ErrBidderHasNoBids, "bidder has no bids on this auction")
			}
			banned, err := tx.IsBanned(ctx, auctionID, bidderID)
			if err != nil {
				return err
			}
			if banned {
				return errors.New(errors.ErrAlreadyBanned, "bidder is already banned from this auction")
			}

			if err := tx.InsertBan(ctx, types.Ban{AuctionID: auctionID, BidderID: bidderID, CreatedAt: now}); err != nil {
				return err
			}
			if err := tx.DeleteProxyBid(ctx, auctionID, bidderID); err != nil {
				return err
			}

			result = types.BanResult{
				AuctionID: auctionID,
				BannedID:  bidderID,
				NewPrice:  auction.CurrentPrice,
			}

			if auction.CurrentBidderID == nil || *auction.CurrentBidderID != bidderID {
				result.NewWinnerID = auction.CurrentBidderID
				return nil
			}

			// The banned bidder held the lead; fall back to the most
			// recent history entry by a bidder who is still allowed in.
			entry, err := tx.LatestNonBannedHistory(ctx, auctionID)
			if err != nil {
				return err
			}
			if entry != nil {
				winner := entry.BidderID
				auction.CurrentPrice = entry.Price
				auction.CurrentBidderID = &winner
			} else {
				auction.CurrentPrice = auction.StartPrice
				auction.CurrentBidderID = nil
			}
			auction.UpdatedAt = now
			if err := tx.UpdateAuction(ctx, auction); err != nil {
				return err
			}

			result.WinnerChanged = true
			result.NewPrice = auction.CurrentPrice
			result.NewWinnerID = auction.CurrentBidderID
			return nil
		})

		if err == nil {
			return result, nil
		}
		if errors.Code(err) != errors.ErrConcurrencyConflict {
			return types.BanResult{}, err
		}
		log.Debugf("Ban on auction %s hit a serialization conflict (attempt %d/%d)", auctionID, attempt, maxTxAttempts)
	}

	return types.BanResult{}, errors.New(errors.ErrConcurrencyConflict, "ban conflicted with concurrent bids, please retry")
}

// FinalizeAuction moves an active auction past its end time to won or
// expired. The closing sweep calls this; it takes the same row lock as
// bidding, so it can never race a live bid into an inconsistent state.
// Finalizing an auction that is still running or already closed is a
// no-op, which makes the sweep safe to re-run.
func (e *Engine) FinalizeAuction(ctx context.Context, auctionID string) (types.Auction, error) {
	var finalized types.Auction

	err := e.store.InTx(ctx, func(tx Tx) error {
		auction, err := tx.AuctionForUpdate(ctx, auctionID)
		if err != nil {
			return err
		}

		if auction.Status != types.StatusActive || e.now().UTC().Before(auction.EndTime) {
			finalized = auction
			return nil
		}

		if auction.BidCount > 0 && auction.CurrentBidderID != nil {
			auction.Status = types.StatusWon
		} else {
			auction.Status = types.StatusExpired
		}
		auction.UpdatedAt = e.now().UTC()
		if err := tx.UpdateAuction(ctx, auction); err != nil {
			return err
		}

		finalized = auction
		return nil
	})
	if err != nil {
		return types.Auction{}, err
	}
	return finalized, nil
}
