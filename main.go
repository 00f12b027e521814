package main

import (
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gavelhouse/bidding-engine/configs"
	"github.com/gavelhouse/bidding-engine/internal/auth"
	"github.com/gavelhouse/bidding-engine/internal/database"
	"github.com/gavelhouse/bidding-engine/internal/engine"
	"github.com/gavelhouse/bidding-engine/internal/handlers/websocket"
	"github.com/gavelhouse/bidding-engine/internal/notify"
	"github.com/gavelhouse/bidding-engine/internal/sweep"
)

func main() {
	// Load configurations
	cfg, err := configs.LoadConfig()
	if err != nil {
		log.Fatal("Error loading config: ", err)
	}

	port := cfg.Server.Port
	if port == "" {
		port = "8080" // Default port if not specified
	}

	// Setup logger
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = "debug"
	}
	logLevel, err := log.ParseLevel(cfg.Server.LogLevel)
	if err != nil {
		log.Error("Invalid log level: ", err)
	}
	log.SetLevel(logLevel)

	// Initialize database service
	db, err := database.New(cfg)
	if err != nil {
		log.Fatal("Error connecting to database: ", err)
	}
	defer db.Close()

	// Pricing engine and post-commit notification dispatcher
	eng := engine.New(db, cfg)
	dispatcher := notify.NewDispatcher()
	defer dispatcher.Close()

	authenticator, err := auth.New(cfg.Auth.SecretKey)
	if err != nil {
		log.Fatal("Error initializing auth: ", err)
	}

	// WebSocket surface; it receives committed outcomes as a sink
	auctionHandler := websocket.NewAuctionHandler(db, eng, authenticator, dispatcher)
	dispatcher.AddSink(auctionHandler)

	// Periodic closing sweep
	sweepInterval, err := time.ParseDuration(cfg.Auction.SweepInterval)
	if err != nil {
		sweepInterval = 30 * time.Second
	}
	sweeper := sweep.New(db, eng, dispatcher, sweepInterval)
	sweeper.Start()
	defer sweeper.Stop()

	// Setup routes
	http.HandleFunc("/ws/auction", auctionHandler.HandleAuctionWebSocket)

	log.Infof("Server started on port %s", port)
	go func() {
		if err := http.ListenAndServe(":"+port, nil); err != nil {
			log.Fatal("Failed to start server: ", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutting down")
}
