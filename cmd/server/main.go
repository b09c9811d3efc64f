package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/corvino/connectsphere/internal/server"
	log "github.com/sirupsen/logrus"
)

func main() {
	port := flag.Int("port", 8080, "listen port")
	maxHistory := flag.Int("max-history", 1000, "max persisted messages per room")
	blobDir := flag.String("blob-dir", "connectsphere-blobs", "directory for blob storage")
	maxBlobSize := flag.Int64("max-blob-size", 8*1024*1024, "max bytes accepted per blob upload")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	logJSON := flag.Bool("log-json", false, "emit JSON logs")
	flag.Parse()

	level, err := log.ParseLevel(*logLevel)
	if err != nil {
		log.Fatalf("invalid log level: %v", err)
	}
	log.SetLevel(level)
	if *logJSON {
		log.SetFormatter(&log.JSONFormatter{})
	}

	hub := server.NewHub(*maxHistory)

	blobs, err := server.NewBlobStore(*blobDir, *maxBlobSize)
	if err != nil {
		log.Fatalf("create blob store: %v", err)
	}

	addr := fmt.Sprintf(":%d", *port)
	srv := server.New(hub, addr, blobs)

	// Graceful shutdown on SIGINT/SIGTERM.
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Infof("connectsphere relay listening on %s (max blob %d bytes)", addr, *maxBlobSize)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-stop
	log.Info("shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("shutdown: %v", err)
	}
	log.Info("server stopped")
}
