// Package daemon keeps a user reachable for calls: it listens on the
// personal ring channel and hands rings to the call manager.
package daemon

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/corvino/connectsphere/internal/call"
	"github.com/corvino/connectsphere/internal/realtime"
	log "github.com/sirupsen/logrus"
)

// Config holds daemon configuration.
type Config struct {
	Calls *call.Manager
	// AutoAccept answers every ring the manager does not reject as busy.
	AutoAccept bool
	// Meta is published as presence on the ring channel.
	Meta map[string]string
	// OnSession observes every ringing session before it is answered.
	OnSession func(*call.Session)
	Logger    log.FieldLogger
}

// Run starts the daemon event loop. Blocks until ctx is done or the process
// is interrupted.
func Run(ctx context.Context, cfg Config) error {
	logger := cfg.Logger
	if logger == nil {
		logger = log.StandardLogger()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	ringing := make(chan *call.Session, 16)
	handlers := cfg.Calls.Ring(func(s *call.Session) {
		select {
		case ringing <- s:
		default:
			logger.WithField("room", s.RoomID()).Warn("ring queue full, declining")
			go s.Decline()
		}
	})
	handlers.OnStatus = func(st realtime.Status) {
		logger.WithField("status", st).Info("ring channel")
	}

	listener, err := call.ListenForCalls(cfg.Calls.Config(), cfg.Meta, handlers)
	if err != nil {
		return err
	}
	defer listener.Close()

	logger.WithFields(log.Fields{"user": cfg.Calls.Config().LocalID, "auto_accept": cfg.AutoAccept}).Info("daemon started")

	for {
		select {
		case s := <-ringing:
			entry := logger.WithFields(log.Fields{"room": s.RoomID(), "caller": s.RemoteID(), "type": s.Media().CallType()})
			entry.Info("ringing")
			if cfg.OnSession != nil {
				cfg.OnSession(s)
			}
			if !cfg.AutoAccept {
				continue
			}
			go func() {
				if err := cfg.Calls.Accept(ctx, s); err != nil {
					entry.WithError(err).Warn("accept failed")
					return
				}
				<-s.Done()
				entry.WithFields(log.Fields{
					"reason":   s.EndReason(),
					"duration": s.Duration().String(),
				}).Info("call finished")
			}()

		case <-ctx.Done():
			logger.Info("shutting down daemon...")
			cfg.Calls.Stop()
			return nil
		}
	}
}
