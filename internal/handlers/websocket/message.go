package websocket

import (
	"context"
	"encoding/json"
	stderrors "errors"

	"github.com/charmbracelet/log"
	"github.com/gavelhouse/bidding-engine/internal/notify"
	"github.com/gavelhouse/bidding-engine/pkg/errors"
	"github.com/shopspring/decimal"
)

type Message struct {
	Type string          `json:"type"` // Type of the message (e.g., "bid", "ban")
	Data json.RawMessage `json:"data"` // Payload of the message
}

// ParseMessage validates and parses incoming messages.
func ParseMessage(rawMessage []byte) (*Message, error) {
	var msg Message
	err := json.Unmarshal(rawMessage, &msg)
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// HandleMessage routes the message based on its type.
func (h *AuctionHandler) HandleMessage(client *Client, rawMessage []byte) {
	if !client.RateLimiter.Allow() {
		log.Warnf("Rate limit exceeded for client %s", client.ID)
		client.TrySend(errors.New(errors.ErrBadMessageFormat, "Rate limit exceeded").ToJSON())
		return
	}

	msg, err := ParseMessage(rawMessage)
	if err != nil {
		log.Infof("Invalid message from client %s: %v", client.ID, err)
		client.TrySend(errors.New(errors.ErrBadMessageFormat, "Invalid message format").ToJSON())
		return
	}

	switch msg.Type {
	case "join":
		log.Debugf("Client %s joined the auction floor", client.ID)
	case "bid":
		h.handleBidMessage(client, msg.Data)
	case "ban":
		h.handleBanMessage(client, msg.Data)
	case "history":
		h.handleHistoryMessage(client, msg.Data)
	default:
		log.Infof("Unknown message type: %s", msg.Type)
		client.TrySend(errors.New(errors.ErrUnknownMessageType, "Unknown message type").ToJSON())
	}
}

// handleBidMessage submits the client's proxy ceiling to the pricing
// engine. Everything transactional happens inside the engine; only
// the committed outcome is dispatched to the floor.
func (h *AuctionHandler) handleBidMessage(client *Client, data json.RawMessage) {
	type BidMessage struct {
		AuctionID string `json:"auction_id"`
		MaxPrice  string `json:"max_price"` // decimal string, minor units preserved
	}
	var bidMsg BidMessage

	if err := json.Unmarshal(data, &bidMsg); err != nil {
		client.TrySend(errors.New(errors.ErrBadMessageFormat, "Invalid bid message").ToJSON())
		return
	}

	maxPrice, err := decimal.NewFromString(bidMsg.MaxPrice)
	if err != nil || maxPrice.Sign() <= 0 {
		client.TrySend(errors.New(errors.ErrBadMessageFormat, "Invalid bid amount").ToJSON())
		return
	}

	outcome, err := h.engine.SubmitProxyBid(context.Background(), bidMsg.AuctionID, client.ID, maxPrice)
	if err != nil {
		h.sendEngineError(client, err, "Error submitting bid")
		return
	}

	// The transaction is committed; notification failures from here on
	// are the dispatcher's problem, never the bidder's. A submission
	// that changed nothing observable stays silent: a winner change
	// always moves the price, so these flags cover every observable
	// transition.
	if outcome.PriceChanged || outcome.Extended || outcome.PreviousBidderID != nil {
		h.dispatcher.Dispatch(notify.Event{Type: notify.EventPriceUpdate, Outcome: &outcome})
	}
}

// handleBanMessage lets the seller exclude a bidder from their auction.
func (h *AuctionHandler) handleBanMessage(client *Client, data json.RawMessage) {
	type BanMessage struct {
		AuctionID string `json:"auction_id"`
		BidderID  string `json:"bidder_id"`
	}
	var banMsg BanMessage

	if err := json.Unmarshal(data, &banMsg); err != nil {
		client.TrySend(errors.New(errors.ErrBadMessageFormat, "Invalid ban message").ToJSON())
		return
	}

	result, err := h.engine.BanBidder(context.Background(), banMsg.AuctionID, banMsg.BidderID, client.ID)
	if err != nil {
		h.sendEngineError(client, err, "Error banning bidder")
		return
	}

	h.dispatcher.Dispatch(notify.Event{Type: notify.EventBidderBanned, Ban: &result})
}

// handleHistoryMessage returns a page of the auction's public bid
// history to the requesting client only.
func (h *AuctionHandler) handleHistoryMessage(client *Client, data json.RawMessage) {
	type HistoryRequest struct {
		AuctionID   string `json:"auction_id"`
		Page        int    `json:"page"`
		PageSize    int    `json:"page_size"`
		NewestFirst bool   `json:"newest_first"`
	}
	var req HistoryRequest

	if err := json.Unmarshal(data, &req); err != nil {
		client.TrySend(errors.New(errors.ErrBadMessageFormat, "Invalid history request").ToJSON())
		return
	}

	entries, err := h.db.ListBidHistory(context.Background(), req.AuctionID, req.Page, req.PageSize, req.NewestFirst)
	if err != nil {
		log.Error("Error listing bid history: ", err)
		client.TrySend(errors.New(errors.ErrInternalServer, "Internal server error").ToJSON())
		return
	}

	payload, err := json.Marshal(map[string]any{"type": "history", "entries": entries})
	if err != nil {
		log.Error("Error marshalling history response: ", err)
		return
	}
	client.TrySend(payload)
}

// sendEngineError maps engine failures onto the wire. Validation
// errors are client-facing as-is; everything else is masked.
func (h *AuctionHandler) sendEngineError(client *Client, err error, logMsg string) {
	var appErr *errors.AppError
	if stderrors.As(err, &appErr) && appErr.Code != errors.ErrInternalServer {
		client.TrySend(appErr.ToJSON())
		return
	}
	log.Error(logMsg+": ", err)
	client.TrySend(errors.New(errors.ErrInternalServer, "Internal server error").ToJSON())
}
