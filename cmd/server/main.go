/*
main.go - Server entry point

STARTUP SEQUENCE:
  1. Parse flags
  2. Open the document store (SQLite file, or in-memory)
  3. Wire one service set per business vertical
  4. Serve HTTP with graceful shutdown on SIGINT/SIGTERM

FLAGS:
  -port        HTTP port (default 8080)
  -db          SQLite path; ":memory:" or "mem" for the in-memory store
  -businesses  Comma-separated vertical ids served by this instance
  -log-level   logrus level (debug, info, warn, error)
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tillpoint/stock-engine/api"
	"github.com/tillpoint/stock-engine/docstore"
	"github.com/tillpoint/stock-engine/docstore/memory"
	"github.com/tillpoint/stock-engine/docstore/sqlite"
	"github.com/tillpoint/stock-engine/ledger"
)

func main() {
	port := flag.Int("port", 8080, "HTTP server port")
	dbPath := flag.String("db", "stock.db", "SQLite database path; \"mem\" for in-memory store")
	businessList := flag.String("businesses",
		"agriculture,appliances,meat,autoparts,tour,documents",
		"comma-separated business verticals")
	logLevel := flag.String("log-level", "info", "log level")
	flag.Parse()

	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})
	if level, err := logrus.ParseLevel(*logLevel); err == nil {
		log.SetLevel(level)
	}

	var store docstore.Store
	var err error
	if *dbPath == "mem" {
		store = memory.New()
	} else {
		store, err = sqlite.New(*dbPath)
		if err != nil {
			log.WithError(err).Fatal("open store")
		}
	}
	defer store.Close()

	var businesses []ledger.Business
	for _, b := range strings.Split(*businessList, ",") {
		if b = strings.TrimSpace(b); b != "" {
			businesses = append(businesses, ledger.Business(b))
		}
	}
	if len(businesses) == 0 {
		log.Fatal("no businesses configured")
	}

	handler := api.NewHandler(store, businesses, log)
	router := api.NewRouter(handler)

	// No WriteTimeout: the /watch endpoints hold their streams open.
	server := &http.Server{
		Addr:        fmt.Sprintf(":%d", *port),
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		log.WithFields(logrus.Fields{
			"port":       *port,
			"businesses": *businessList,
		}).Info("server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.WithError(err).Fatal("forced shutdown")
	}
	log.Info("server stopped")
}
