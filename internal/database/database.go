package database

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"strconv"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gavelhouse/bidding-engine/configs"
	"github.com/gavelhouse/bidding-engine/internal/engine"
	"github.com/gavelhouse/bidding-engine/pkg/errors"
	"github.com/gavelhouse/bidding-engine/pkg/types"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// Service represents a service that interacts with the database.
type Service interface {
	// Health returns a map of health status information.
	// The keys and values in the map are service-specific.
	Health() map[string]string

	// Close terminates the database connection.
	// It returns an error if the connection cannot be closed.
	Close() error

	// USER METHODS
	GetUserByEmail(ctx context.Context, email string) (types.User, error)

	// AUCTION METHODS
	GetCurrentAuctions(ctx context.Context) ([]types.Auction, error)
	GetAuctionByID(ctx context.Context, auctionID string) (types.Auction, error)
	CreateAuction(ctx context.Context, auction types.Auction) (types.Auction, error)
	ListDueAuctions(ctx context.Context, now time.Time) ([]types.Auction, error)

	// HISTORY METHODS
	ListBidHistory(ctx context.Context, auctionID string, page, pageSize int, newestFirst bool) ([]types.BidHistoryEntry, error)

	// TRANSACTION ENTRY POINT for the pricing engine.
	engine.Store
}

type service struct {
	db *sql.DB
}

func New(cfg *configs.Config) (Service, error) {
	dbConfig := cfg.Database
	connStr := fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		dbConfig.User,
		dbConfig.Password,
		dbConfig.Host,
		dbConfig.Port,
		dbConfig.Name,
		dbConfig.SSLMode,
	)

	db, err := sql.Open("pgx", connStr)
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}

	return &service{db: db}, nil
}

// NewFromDB wraps an existing connection; used by integration tests.
func NewFromDB(db *sql.DB) Service {
	return &service{db: db}
}

// Schema bootstraps the tables the engine owns. Production runs
// migrations out of band; tests apply this directly.
const Schema = `
CREATE TABLE IF NOT EXISTS users (
    id         TEXT PRIMARY KEY,
    name       TEXT NOT NULL,
    email      TEXT NOT NULL UNIQUE,
    role       TEXT NOT NULL DEFAULT 'bidder'
);

CREATE TABLE IF NOT EXISTS auctions (
    id                TEXT PRIMARY KEY,
    seller_id         TEXT NOT NULL,
    title             TEXT NOT NULL DEFAULT '',
    start_price       NUMERIC NOT NULL,
    step_price        NUMERIC NOT NULL,
    current_price     NUMERIC NOT NULL,
    current_bidder_id TEXT,
    bid_count         INTEGER NOT NULL DEFAULT 0,
    end_time          TIMESTAMPTZ NOT NULL,
    status            TEXT NOT NULL DEFAULT 'active',
    created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS proxy_bids (
    auction_id   TEXT NOT NULL REFERENCES auctions(id),
    bidder_id    TEXT NOT NULL,
    max_price    NUMERIC NOT NULL,
    submitted_at TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (auction_id, bidder_id)
);

CREATE TABLE IF NOT EXISTS bans (
    auction_id TEXT NOT NULL REFERENCES auctions(id),
    bidder_id  TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (auction_id, bidder_id)
);

CREATE TABLE IF NOT EXISTS bid_history (
    id         TEXT PRIMARY KEY,
    auction_id TEXT NOT NULL REFERENCES auctions(id),
    bidder_id  TEXT NOT NULL,
    price      NUMERIC NOT NULL,
    created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS bid_history_auction_created ON bid_history (auction_id, created_at);
`

// Health checks the health of the database connection by pinging the database.
// It returns a map with keys indicating various health statistics.
func (s *service) Health() map[string]string {
	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()

	stats := make(map[string]string)

	err := s.db.PingContext(ctx)
	if err != nil {
		stats["status"] = "down"
		stats["error"] = fmt.Sprintf("db down: %v", err)
		return stats
	}

	stats["status"] = "up"
	stats["message"] = "It's healthy"

	dbStats := s.db.Stats()
	stats["open_connections"] = strconv.Itoa(dbStats.OpenConnections)
	stats["in_use"] = strconv.Itoa(dbStats.InUse)
	stats["idle"] = strconv.Itoa(dbStats.Idle)
	stats["wait_count"] = strconv.FormatInt(dbStats.WaitCount, 10)
	stats["wait_duration"] = dbStats.WaitDuration.String()

	if dbStats.WaitCount > 1000 {
		stats["message"] = "The database has a high number of wait events, indicating potential bottlenecks."
	}

	return stats
}

// Close closes the database connection.
func (s *service) Close() error {
	log.Info("Disconnected from database")
	return s.db.Close()
}

func (s *service) GetUserByEmail(ctx context.Context, email string) (types.User, error) {
	var user types.User
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, email, role FROM users WHERE email = $1`, email,
	).Scan(&user.ID, &user.Name, &user.Email, &user.Role)
	if err != nil {
		return types.User{}, fmt.Errorf("error getting user by email: %w", err)
	}
	return user, nil
}

const auctionColumns = `id, seller_id, title, start_price, step_price, current_price,
    current_bidder_id, bid_count, end_time, status, created_at, updated_at`

func scanAuction(row interface{ Scan(...any) error }) (types.Auction, error) {
	var a types.Auction
	err := row.Scan(
		&a.ID,
		&a.SellerID,
		&a.Title,
		&a.StartPrice,
		&a.StepPrice,
		&a.CurrentPrice,
		&a.CurrentBidderID,
		&a.BidCount,
		&a.EndTime,
		&a.Status,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	return a, err
}

func (s *service) GetAuctionByID(ctx context.Context, auctionID string) (types.Auction, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+auctionColumns+` FROM auctions WHERE id = $1`, auctionID)
	auction, err := scanAuction(row)
	if err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return types.Auction{}, errors.New(errors.ErrAuctionNotFound, "auction not found")
		}
		return types.Auction{}, fmt.Errorf("error getting auction by id: %w", err)
	}
	return auction, nil
}

func (s *service) GetCurrentAuctions(ctx context.Context) ([]types.Auction, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+auctionColumns+` FROM auctions WHERE status = 'active' ORDER BY end_time ASC`)
	if err != nil {
		return nil, fmt.Errorf("error getting current auctions: %w", err)
	}
	defer rows.Close()

	var auctions []types.Auction
	for rows.Next() {
		auction, err := scanAuction(rows)
		if err != nil {
			return nil, fmt.Errorf("error scanning auction: %w", err)
		}
		auctions = append(auctions, auction)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating over auctions: %w", err)
	}
	return auctions, nil
}

func (s *service) CreateAuction(ctx context.Context, auction types.Auction) (types.Auction, error) {
	row := s.db.QueryRowContext(ctx, `
        INSERT INTO auctions (id, seller_id, title, start_price, step_price, current_price,
            current_bidder_id, bid_count, end_time, status)
        VALUES ($1, $2, $3, $4, $5, $4, NULL, 0, $6, 'active')
        RETURNING `+auctionColumns,
		auction.ID, auction.SellerID, auction.Title,
		auction.StartPrice, auction.StepPrice, auction.EndTime,
	)
	created, err := scanAuction(row)
	if err != nil {
		return types.Auction{}, errors.Wrap(err, "error creating auction")
	}
	return created, nil
}

// ListDueAuctions returns active auctions whose end time has passed;
// the closing sweep feeds these to the engine for finalization.
func (s *service) ListDueAuctions(ctx context.Context, now time.Time) ([]types.Auction, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+auctionColumns+` FROM auctions WHERE status = 'active' AND end_time <= $1`, now)
	if err != nil {
		return nil, fmt.Errorf("error listing due auctions: %w", err)
	}
	defer rows.Close()

	var auctions []types.Auction
	for rows.Next() {
		auction, err := scanAuction(rows)
		if err != nil {
			return nil, fmt.Errorf("error scanning auction: %w", err)
		}
		auctions = append(auctions, auction)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating over auctions: %w", err)
	}
	return auctions, nil
}

func (s *service) ListBidHistory(ctx context.Context, auctionID string, page, pageSize int, newestFirst bool) ([]types.BidHistoryEntry, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	direction := "ASC"
	if newestFirst {
		direction = "DESC"
	}

	query := fmt.Sprintf(`
        SELECT id, auction_id, bidder_id, price, created_at
        FROM bid_history
        WHERE auction_id = $1
        ORDER BY created_at %s
        LIMIT $2 OFFSET $3`, direction)

	rows, err := s.db.QueryContext(ctx, query, auctionID, pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, fmt.Errorf("error listing bid history: %w", err)
	}
	defer rows.Close()

	var entries []types.BidHistoryEntry
	for rows.Next() {
		var e types.BidHistoryEntry
		if err := rows.Scan(&e.ID, &e.AuctionID, &e.BidderID, &e.Price, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("error scanning bid history entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating over bid history: %w", err)
	}
	return entries, nil
}

// isSerializationFailure reports whether err is a transient conflict
// between concurrent transactions (SQLSTATE 40001 serialization
// failure or 40P01 deadlock).
func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	if stderrors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}

// InTx runs fn in one serializable transaction. Serialization
// failures roll back and surface as ErrConcurrencyConflict AppErrors,
// which the engine retries with a fresh read of the auction row.
func (s *service) InTx(ctx context.Context, fn func(tx engine.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("error starting transaction: %w", err)
	}

	if err := fn(&pgTx{tx: sqlTx}); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil && !stderrors.Is(rbErr, sql.ErrTxDone) {
			log.Error("Error rolling back transaction: ", rbErr)
		}
		if isSerializationFailure(err) {
			return errors.Wrap(err, "transaction conflicted with a concurrent writer").WithCode(errors.ErrConcurrencyConflict)
		}
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		if isSerializationFailure(err) {
			return errors.Wrap(err, "transaction conflicted with a concurrent writer").WithCode(errors.ErrConcurrencyConflict)
		}
		return fmt.Errorf("error committing transaction: %w", err)
	}
	return nil
}

// pgTx implements engine.Tx over a single *sql.Tx.
type pgTx struct {
	tx *sql.Tx
}

func (t *pgTx) AuctionForUpdate(ctx context.Context, auctionID string) (types.Auction, error) {
	row := t.tx.QueryRowContext(ctx,
		`SELECT `+auctionColumns+` FROM auctions WHERE id = $1 FOR UPDATE`, auctionID)
	auction, err := scanAuction(row)
	if err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return types.Auction{}, errors.New(errors.ErrAuctionNotFound, "auction not found")
		}
		return types.Auction{}, fmt.Errorf("error getting auction for update: %w", err)
	}
	return auction, nil
}

func (t *pgTx) UpdateAuction(ctx context.Context, auction types.Auction) error {
	_, err := t.tx.ExecContext(ctx, `
        UPDATE auctions
        SET current_price = $1, current_bidder_id = $2, bid_count = $3,
            end_time = $4, status = $5, updated_at = $6
        WHERE id = $7`,
		auction.CurrentPrice, auction.CurrentBidderID, auction.BidCount,
		auction.EndTime, auction.Status, auction.UpdatedAt, auction.ID,
	)
	if err != nil {
		return fmt.Errorf("error updating auction in tx: %w", err)
	}
	return nil
}

func (t *pgTx) UpsertProxyBid(ctx context.Context, bid types.ProxyBid) error {
	_, err := t.tx.ExecContext(ctx, `
        INSERT INTO proxy_bids (auction_id, bidder_id, max_price, submitted_at)
        VALUES ($1, $2, $3, $4)
        ON CONFLICT (auction_id, bidder_id)
        DO UPDATE SET max_price = EXCLUDED.max_price, submitted_at = EXCLUDED.submitted_at`,
		bid.AuctionID, bid.BidderID, bid.MaxPrice, bid.SubmittedAt,
	)
	if err != nil {
		return fmt.Errorf("error upserting proxy bid: %w", err)
	}
	return nil
}

func (t *pgTx) DeleteProxyBid(ctx context.Context, auctionID, bidderID string) error {
	_, err := t.tx.ExecContext(ctx,
		`DELETE FROM proxy_bids WHERE auction_id = $1 AND bidder_id = $2`,
		auctionID, bidderID,
	)
	if err != nil {
		return fmt.Errorf("error deleting proxy bid: %w", err)
	}
	return nil
}

func (t *pgTx) ActiveProxyBids(ctx context.Context, auctionID string) ([]types.ProxyBid, error) {
	rows, err := t.tx.QueryContext(ctx, `
        SELECT p.auction_id, p.bidder_id, p.max_price, p.submitted_at
        FROM proxy_bids p
        WHERE p.auction_id = $1
          AND NOT EXISTS (
              SELECT 1 FROM bans b
              WHERE b.auction_id = p.auction_id AND b.bidder_id = p.bidder_id
          )
        ORDER BY p.max_price DESC, p.submitted_at ASC`, auctionID)
	if err != nil {
		return nil, fmt.Errorf("error listing active proxy bids: %w", err)
	}
	defer rows.Close()

	var bids []types.ProxyBid
	for rows.Next() {
		var b types.ProxyBid
		if err := rows.Scan(&b.AuctionID, &b.BidderID, &b.MaxPrice, &b.SubmittedAt); err != nil {
			return nil, fmt.Errorf("error scanning proxy bid: %w", err)
		}
		bids = append(bids, b)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating over proxy bids: %w", err)
	}
	return bids, nil
}

func (t *pgTx) IsBanned(ctx context.Context, auctionID, bidderID string) (bool, error) {
	var banned bool
	err := t.tx.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM bans WHERE auction_id = $1 AND bidder_id = $2)`,
		auctionID, bidderID,
	).Scan(&banned)
	if err != nil {
		return false, fmt.Errorf("error checking ban: %w", err)
	}
	return banned, nil
}

func (t *pgTx) InsertBan(ctx context.Context, ban types.Ban) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO bans (auction_id, bidder_id, created_at) VALUES ($1, $2, $3)`,
		ban.AuctionID, ban.BidderID, ban.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("error inserting ban: %w", err)
	}
	return nil
}

func (t *pgTx) HasBids(ctx context.Context, auctionID, bidderID string) (bool, error) {
	var hasBids bool
	err := t.tx.QueryRowContext(ctx, `
        SELECT EXISTS (SELECT 1 FROM proxy_bids WHERE auction_id = $1 AND bidder_id = $2)
            OR EXISTS (SELECT 1 FROM bid_history WHERE auction_id = $1 AND bidder_id = $2)`,
		auctionID, bidderID,
	).Scan(&hasBids)
	if err != nil {
		return false, fmt.Errorf("error checking bidder activity: %w", err)
	}
	return hasBids, nil
}

func (t *pgTx) AppendHistory(ctx context.Context, entry types.BidHistoryEntry) error {
	_, err := t.tx.ExecContext(ctx, `
        INSERT INTO bid_history (id, auction_id, bidder_id, price, created_at)
        VALUES ($1, $2, $3, $4, $5)`,
		entry.ID, entry.AuctionID, entry.BidderID, entry.Price, entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("error appending bid history: %w", err)
	}
	return nil
}

func (t *pgTx) LatestNonBannedHistory(ctx context.Context, auctionID string) (*types.BidHistoryEntry, error) {
	var e types.BidHistoryEntry
	err := t.tx.QueryRowContext(ctx, `
        SELECT h.id, h.auction_id, h.bidder_id, h.price, h.created_at
        FROM bid_history h
        WHERE h.auction_id = $1
          AND NOT EXISTS (
              SELECT 1 FROM bans b
              WHERE b.auction_id = h.auction_id AND b.bidder_id = h.bidder_id
          )
        ORDER BY h.created_at DESC
        LIMIT 1`, auctionID,
	).Scan(&e.ID, &e.AuctionID, &e.BidderID, &e.Price, &e.CreatedAt)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error getting latest non-banned history entry: %w", err)
	}
	return &e, nil
}
