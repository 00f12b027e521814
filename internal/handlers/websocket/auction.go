package websocket

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/gavelhouse/bidding-engine/internal/auth"
	"github.com/gavelhouse/bidding-engine/internal/database"
	"github.com/gavelhouse/bidding-engine/internal/engine"
	"github.com/gavelhouse/bidding-engine/internal/notify"
	"github.com/gavelhouse/bidding-engine/pkg/types"
	"golang.org/x/time/rate"

	gorilla "github.com/gorilla/websocket"
)

// AuctionHandler is the thin websocket surface over the pricing
// engine: it authenticates connections, routes bid and ban messages
// into the engine, and fans committed outcomes back out to clients.
type AuctionHandler struct {
	db         database.Service
	engine     *engine.Engine
	auth       *auth.Authenticator
	dispatcher *notify.Dispatcher
}

func NewAuctionHandler(db database.Service, eng *engine.Engine, authenticator *auth.Authenticator, dispatcher *notify.Dispatcher) *AuctionHandler {
	return &AuctionHandler{db: db, engine: eng, auth: authenticator, dispatcher: dispatcher}
}

var (
	connectedClients = make(map[*Client]bool) // Track all connected clients
	clientLock       = sync.Mutex{}           // Prevent race conditions
	upgrader         = gorilla.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}
)

func removeClient(c *Client) {
	clientLock.Lock()
	delete(connectedClients, c)
	clientLock.Unlock()
}

// handleAuctions upgrades the HTTP request to a WebSocket connection.
func (h *AuctionHandler) handleAuctions(w http.ResponseWriter, r *http.Request, user types.User) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Infof("Failed to upgrade connection: %v", err)
		http.Error(w, "Failed to establish connection", http.StatusInternalServerError)
		return
	}

	client := &Client{
		ID:          user.ID,
		Email:       user.Email,
		Conn:        conn,
		Send:        make(chan []byte, 16),
		RateLimiter: rate.NewLimiter(1, 3),
	}

	clientLock.Lock()
	connectedClients[client] = true
	clientLock.Unlock()

	go client.ReadMessages(h.HandleMessage)
	go client.WriteMessages()
}

// HandleAuctionWebSocket integrates authentication and WebSocket handling.
func (h *AuctionHandler) HandleAuctionWebSocket(w http.ResponseWriter, r *http.Request) {
	token, err := h.auth.ValidateRequest(r)
	if err != nil || token == nil {
		log.Error("Invalid token: ", err)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var email string
	err = token.Get("email", &email)
	if err != nil {
		log.Error("Error retrieving email from token claims")
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	user, err := h.db.GetUserByEmail(r.Context(), email)
	if err != nil {
		log.Error("User not found: ", err)
		http.Error(w, "User not found", http.StatusUnauthorized)
		return
	}

	h.handleAuctions(w, r, user)
}

// Broadcast sends a message to all connected clients.
func Broadcast(message []byte) {
	clientLock.Lock()
	defer clientLock.Unlock()

	for client := range connectedClients {
		if !client.TrySend(message) {
			delete(connectedClients, client)
		}
	}
}

// sendToUser targets every open connection of one user.
func sendToUser(userID string, message []byte) {
	clientLock.Lock()
	defer clientLock.Unlock()

	for client := range connectedClients {
		if client.ID == userID {
			client.TrySend(message)
		}
	}
}

// Deliver implements notify.Sink: committed engine outcomes reach the
// floor here, strictly after their transaction. Price updates and
// closes go to everyone; the displaced leader additionally gets a
// personal outbid message.
func (h *AuctionHandler) Deliver(event notify.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}

	switch event.Type {
	case notify.EventPriceUpdate:
		Broadcast(payload)
		if event.Outcome != nil && event.Outcome.PreviousBidderID != nil {
			outbid, err := json.Marshal(notify.Event{Type: notify.EventOutbid, Outcome: event.Outcome})
			if err != nil {
				return err
			}
			sendToUser(*event.Outcome.PreviousBidderID, outbid)
		}
	case notify.EventBidderBanned:
		Broadcast(payload)
		if event.Ban != nil {
			sendToUser(event.Ban.BannedID, payload)
		}
	default:
		Broadcast(payload)
	}
	return nil
}
