package types

import (
	"time"

	"github.com/shopspring/decimal"
)

type User struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
	Role  string `json:"role"`
}

// AuctionStatus follows the auction through its lifecycle. Only the
// pricing engine mutates an active auction; the closing sweep moves it
// to expired or won, and the sale workflow moves won to sold.
type AuctionStatus string

const (
	StatusActive  AuctionStatus = "active"
	StatusExpired AuctionStatus = "expired"
	StatusWon     AuctionStatus = "won"
	StatusSold    AuctionStatus = "sold"
	StatusRemoved AuctionStatus = "removed"
)

type Auction struct {
	ID              string          `json:"id"`
	SellerID        string          `json:"sellerId"`
	Title           string          `json:"title"`
	StartPrice      decimal.Decimal `json:"startPrice"`
	StepPrice       decimal.Decimal `json:"stepPrice"`
	CurrentPrice    decimal.Decimal `json:"currentPrice"`
	CurrentBidderID *string         `json:"currentBidderId,omitempty"`
	BidCount        int             `json:"bidCount"`
	EndTime         time.Time       `json:"endTime"`
	Status          AuctionStatus   `json:"status"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

// ProxyBid is a bidder's private ceiling for one auction. One row per
// (auction, bidder); re-submitting overwrites MaxPrice and refreshes
// SubmittedAt, which also serves as the tie-break (earlier wins).
type ProxyBid struct {
	AuctionID   string          `json:"auctionId"`
	BidderID    string          `json:"bidderId"`
	MaxPrice    decimal.Decimal `json:"maxPrice"`
	SubmittedAt time.Time       `json:"submittedAt"`
}

type Ban struct {
	AuctionID string    `json:"auctionId"`
	BidderID  string    `json:"bidderId"`
	CreatedAt time.Time `json:"createdAt"`
}

// BidHistoryEntry records one publicly observable price change.
// Entries are append-only and never rewritten, even after a ban.
type BidHistoryEntry struct {
	ID        string          `json:"id"`
	AuctionID string          `json:"auctionId"`
	BidderID  string          `json:"bidderId"`
	Price     decimal.Decimal `json:"price"`
	CreatedAt time.Time       `json:"createdAt"`
}

// BidOutcome is what a committed bid submission looks like from the
// outside. PreviousBidderID is set only when somebody was displaced,
// so the caller can notify the outbid party after commit.
type BidOutcome struct {
	AuctionID        string          `json:"auctionId"`
	Price            decimal.Decimal `json:"price"`
	WinnerID         string          `json:"winnerId"`
	PreviousBidderID *string         `json:"previousBidderId,omitempty"`
	PriceChanged     bool            `json:"priceChanged"`
	Extended         bool            `json:"extended"`
	EndTime          time.Time       `json:"endTime"`
}

type BanResult struct {
	AuctionID     string          `json:"auctionId"`
	BannedID      string          `json:"bannedId"`
	WinnerChanged bool            `json:"winnerChanged"`
	NewPrice      decimal.Decimal `json:"newPrice"`
	NewWinnerID   *string         `json:"newWinnerId,omitempty"`
}
