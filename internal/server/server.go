package server

import (
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
)

// NewHandler builds the relay's route table. blobs may be nil to disable
// blob storage.
func NewHandler(hub *Hub, blobs *BlobStore) http.Handler {
	mux := http.NewServeMux()
	h := &Handlers{
		Hub:       hub,
		Blobs:     blobs,
		StartTime: time.Now(),
	}

	// REST API routes.
	mux.HandleFunc("GET /api/health", h.Health)
	mux.HandleFunc("GET /api/rooms", h.ListRooms)
	mux.HandleFunc("POST /api/rooms/{room}/messages", h.SendMessage)
	mux.HandleFunc("GET /api/rooms/{room}/messages/latest", h.LatestMessages)
	mux.HandleFunc("GET /api/rooms/{room}/messages", h.GetMessages)
	mux.HandleFunc("POST /api/rooms/{room}/broadcast", h.Broadcast)
	mux.HandleFunc("GET /api/rooms/{room}/presence", h.Presence)

	// Blob routes.
	mux.HandleFunc("POST /api/blobs", h.UploadBlob)
	mux.HandleFunc("GET /api/blobs/{id}", h.DownloadBlob)

	// WebSocket route.
	mux.HandleFunc("GET /ws/{room}", h.HandleWS)

	return loggingMiddleware(corsMiddleware(mux))
}

// New creates a configured HTTP server with all routes registered.
func New(hub *Hub, addr string, blobs *BlobStore) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      NewHandler(hub, blobs),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.WithFields(log.Fields{
			"method":  r.Method,
			"path":    r.URL.Path,
			"elapsed": time.Since(start).Round(time.Microsecond),
		}).Debug("request")
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
