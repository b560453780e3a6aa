package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/firestore"

	"github.com/alimasry/go-code-rooms/ot"
	"github.com/alimasry/go-code-rooms/server"
	"github.com/alimasry/go-code-rooms/store"
)

func main() {
	addr := flag.String("addr", defaultAddr(), "HTTP listen address")
	backend := flag.String("store", "memory", "document store backend: memory, sqlite, firestore")
	sqlitePath := flag.String("sqlite-path", "./data/rooms.db", "SQLite database path")
	firestoreProject := flag.String("firestore-project", os.Getenv("FIRESTORE_PROJECT"), "GCP project for the Firestore backend")
	historyLimit := flag.Int("history-limit", ot.DefaultHistoryLimit, "operations retained per room for reconnection replay")
	grace := flag.Duration("room-grace", server.DefaultGracePeriod, "how long an empty room survives before teardown")
	flushInterval := flag.Duration("flush-interval", 5*time.Second, "write-behind flush interval for remote backends")
	flag.Parse()

	st, closeStore, err := buildStore(*backend, *sqlitePath, *firestoreProject, *flushInterval)
	if err != nil {
		log.Fatalf("store init: %v", err)
	}

	engine := &ot.JupiterEngine{}
	hub := server.NewHub(st, engine)
	hub.HistoryLimit = *historyLimit
	hub.GracePeriod = *grace
	go hub.Run()

	srv := &http.Server{
		Addr:    *addr,
		Handler: server.NewHandler(hub),
	}

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		log.Println("shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
		// Rooms flush their final snapshots before the store goes away.
		hub.Shutdown(ctx)
		closeStore()
	}()

	log.Printf("starting server on %s (store: %s)", *addr, *backend)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal(err)
	}
}

func defaultAddr() string {
	if port := os.Getenv("PORT"); port != "" {
		return ":" + port
	}
	return ":8080"
}

func buildStore(backend, sqlitePath, firestoreProject string, flushInterval time.Duration) (store.DocumentStore, func(), error) {
	switch backend {
	case "memory":
		return store.NewMemoryStore(), func() {}, nil

	case "sqlite":
		s, err := store.NewSQLiteStore(sqlitePath)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { s.Close() }, nil

	case "firestore":
		client, err := firestore.NewClient(context.Background(), firestoreProject)
		if err != nil {
			return nil, nil, err
		}
		// Write-behind cache keeps Firestore latency off the room
		// sequencers.
		cached := store.NewCachedStore(store.NewFirestoreStore(client), flushInterval)
		return cached, func() {
			cached.Close()
			client.Close()
		}, nil

	default:
		log.Fatalf("unknown store backend %q", backend)
		return nil, nil, nil
	}
}
