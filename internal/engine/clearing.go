package engine

import (
	"sort"

	"github.com/gavelhouse/bidding-engine/pkg/types"
	"github.com/shopspring/decimal"
)

// clearingResult is the outcome of one run of the second-price
// algorithm over an auction's active proxy bids.
type clearingResult struct {
	WinnerID string
	Price    decimal.Decimal
}

// rankProxyBids orders bids by MaxPrice descending, breaking ties in
// favor of the earlier submission.
func rankProxyBids(bids []types.ProxyBid) []types.ProxyBid {
	ranked := make([]types.ProxyBid, len(bids))
	copy(ranked, bids)
	sort.SliceStable(ranked, func(i, j int) bool {
		cmp := ranked[i].MaxPrice.Cmp(ranked[j].MaxPrice)
		if cmp != 0 {
			return cmp > 0
		}
		return ranked[i].SubmittedAt.Before(ranked[j].SubmittedAt)
	})
	return ranked
}

// clearAuction computes the new winner and clearing price from the
// full set of active (non-banned) proxy bids. submitterID is the
// bidder whose submission triggered this run.
//
// With a single active bid the price floors at StartPrice on the
// auction's first bid and otherwise stays put: a solo bidder raising
// their own ceiling never moves the public price. With competition the
// price clears at the runner-up's ceiling, pushed one increment higher
// when the submitter is the winner (they voluntarily exceeded the
// runner-up), and always capped at the winner's own ceiling.
func clearAuction(a types.Auction, bids []types.ProxyBid, submitterID string) clearingResult {
	if len(bids) == 0 {
		// Nothing active; hold current state. Reverts happen only
		// through the ban path.
		winner := ""
		if a.CurrentBidderID != nil {
			winner = *a.CurrentBidderID
		}
		return clearingResult{WinnerID: winner, Price: a.CurrentPrice}
	}

	ranked := rankProxyBids(bids)

	if len(ranked) == 1 {
		price := a.CurrentPrice
		if a.BidCount == 0 {
			price = a.StartPrice
		}
		return clearingResult{WinnerID: ranked[0].BidderID, Price: price}
	}

	winner, runnerUp := ranked[0], ranked[1]

	candidate := runnerUp.MaxPrice
	if winner.BidderID == submitterID {
		candidate = candidate.Add(a.StepPrice)
	}
	if candidate.GreaterThan(winner.MaxPrice) {
		candidate = winner.MaxPrice
	}
	// The public price never moves backwards while the auction is live.
	if candidate.LessThan(a.CurrentPrice) {
		candidate = a.CurrentPrice
	}

	return clearingResult{WinnerID: winner.BidderID, Price: candidate}
}

// minRequiredPrice is the lowest proxy ceiling an auction accepts:
// the start price until the first bid lands, one increment above the
// current price afterwards.
func minRequiredPrice(a types.Auction) decimal.Decimal {
	if a.BidCount == 0 {
		return a.StartPrice
	}
	return a.CurrentPrice.Add(a.StepPrice)
}
