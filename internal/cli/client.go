package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/corvino/connectsphere/internal/blob"
	"github.com/corvino/connectsphere/internal/call"
	"github.com/corvino/connectsphere/internal/protocol"
	"github.com/corvino/connectsphere/internal/realtime"
	"github.com/corvino/connectsphere/internal/relay"
	"github.com/corvino/connectsphere/internal/rtc"
	"github.com/corvino/connectsphere/internal/transfer"
	log "github.com/sirupsen/logrus"
)

// newRelay returns a relay client acting as the configured user, or as
// fallback when no user is configured.
func newRelay(fallback string) *relay.Client {
	sender := cfg.User
	if sender == "" {
		sender = fallback
	}
	rc := relay.New(cfg.Server, sender)
	if cfg.AuditRoom != "" {
		rc.AuditRoom = cfg.AuditRoom
	}
	return rc
}

// newEngine builds the transfer engine. Chunks go to S3 when the config has
// an s3 section and to the relay's blob store otherwise; upload audits
// always go to the relay.
func newEngine(ctx context.Context, rc *relay.Client) (*transfer.Engine, error) {
	opts := transfer.Options{
		ChunkSize:   cfg.Transfer.ChunkSize,
		Concurrency: cfg.Transfer.Concurrency,
		MaxRetries:  cfg.Transfer.MaxRetries,
		UseProxy:    cfg.Transfer.UseProxy,
	}
	if cfg.S3 == nil {
		return transfer.NewEngine(rc, rc, rc, opts), nil
	}
	store, err := blob.NewS3Store(ctx, *cfg.S3)
	if err != nil {
		return nil, fmt.Errorf("s3: %w", err)
	}
	return transfer.NewEngine(store, store, rc, opts), nil
}

// newCalls builds the call manager for the configured user over the relay
// websocket and a pion peer factory.
func newCalls(rc *relay.Client) (*call.Manager, error) {
	peers, err := rtc.NewFactory(rtc.FactoryConfig{ICEServers: cfg.ICEServers})
	if err != nil {
		return nil, fmt.Errorf("peer factory: %w", err)
	}
	return call.NewManager(call.Config{
		LocalID:     cfg.User,
		Realtime:    realtime.NewWSClient(cfg.Server, cfg.User),
		Devices:     rtc.SyntheticDevices{},
		Peers:       peers,
		CallLog:     rc,
		Directory:   rc,
		RingTimeout: cfg.RingTimeout,
		Logger:      log.WithField("user", cfg.User),
	}), nil
}

// formatPlain formats an envelope for human-readable output.
func formatPlain(env protocol.Envelope) string {
	var b strings.Builder
	ts := env.Timestamp.Local().Format("15:04:05")
	if env.SeqNum > 0 {
		fmt.Fprintf(&b, "[#%d %s] %s", env.SeqNum, ts, env.Sender)
	} else {
		fmt.Fprintf(&b, "[%s] %s", ts, env.Sender)
	}

	switch env.Type {
	case protocol.TypeText:
		fmt.Fprintf(&b, ": %s", protocol.Summary(env))
	case protocol.TypeSystem:
		fmt.Fprintf(&b, " --- %s", protocol.Summary(env))
	default:
		fmt.Fprintf(&b, " %s: %s", env.Type, protocol.Summary(env))
	}
	return b.String()
}

// ANSI color codes for sender coloring.
var senderColors = []string{
	"\033[36m", // Cyan
	"\033[32m", // Green
	"\033[33m", // Yellow
	"\033[35m", // Magenta
	"\033[34m", // Blue
	"\033[31m", // Red
	"\033[96m", // Bright Cyan
	"\033[92m", // Bright Green
}

const ansiReset = "\033[0m"

// senderColor returns a deterministic ANSI color for a sender name.
func senderColor(name string) string {
	var h uint32
	for _, c := range name {
		h = h*31 + uint32(c)
	}
	return senderColors[h%uint32(len(senderColors))]
}

// formatColor wraps formatPlain with ANSI color on the sender name.
func formatColor(env protocol.Envelope) string {
	plain := formatPlain(env)
	color := senderColor(env.Sender)
	return strings.Replace(plain, "] "+env.Sender, "] "+color+env.Sender+ansiReset, 1)
}
