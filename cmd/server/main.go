package main

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kedai-pos/billing/internal/config"
	"github.com/kedai-pos/billing/internal/ledger"
	"github.com/kedai-pos/billing/internal/orderstore"
	"github.com/kedai-pos/billing/internal/router"
	"github.com/kedai-pos/billing/internal/settle"
	"github.com/kedai-pos/billing/internal/ws"
)

func main() {
	cfg := config.Load()

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Unable to connect to database: %v", err)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		log.Fatalf("Unable to ping database: %v", err)
	}
	log.Println("Connected to database")

	store := orderstore.New(pool)
	ledgerClient := ledger.NewClient(cfg.LedgerBaseURL, cfg.LedgerToken)
	coord := settle.NewCoordinator(store, ledgerClient, store)

	hub := ws.NewHub()
	go hub.Run()

	r := router.New(cfg, store, coord, hub)

	log.Printf("Starting server on :%s", cfg.Port)
	if err := http.ListenAndServe(fmt.Sprintf(":%s", cfg.Port), r); err != nil {
		log.Fatal(err)
	}
}
