package call

import (
	"context"
	"fmt"
	"sync"

	"github.com/corvino/connectsphere/internal/protocol"
	log "github.com/sirupsen/logrus"
)

// activeCall is whatever currently holds the local devices.
type activeCall interface {
	RoomID() string
	Done() <-chan struct{}
}

// Manager owns the single media slot of a user. At most one 1:1 or group
// call holds camera and microphone at a time; the slot frees itself when
// that call ends.
type Manager struct {
	cfg Config
	log log.FieldLogger

	mu      sync.Mutex
	active  activeCall
	ringing map[string]*Session
}

// NewManager creates a manager for cfg.LocalID.
func NewManager(cfg Config) *Manager {
	cfg = cfg.withDefaults()
	return &Manager{
		cfg:     cfg,
		log:     cfg.Logger.WithField("user", cfg.LocalID),
		ringing: make(map[string]*Session),
	}
}

// Config returns the configuration sessions are created with.
func (m *Manager) Config() Config { return m.cfg }

// Busy reports whether a call holds the media slot.
func (m *Manager) Busy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active != nil
}

// claim reserves the slot for c and releases it once c is done.
func (m *Manager) claim(c activeCall) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active != nil {
		return fmt.Errorf("%w: in call in room %s", ErrBusy, m.active.RoomID())
	}
	m.active = c
	go func() {
		<-c.Done()
		m.release(c)
	}()
	return nil
}

func (m *Manager) release(c activeCall) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == c {
		m.active = nil
	}
}

// Dial places a 1:1 call.
func (m *Manager) Dial(ctx context.Context, roomID, remoteID string, media Media) (*Session, error) {
	s := NewOutgoing(m.cfg, roomID, remoteID, media)
	if err := m.claim(s); err != nil {
		return nil, err
	}
	if err := s.Start(ctx); err != nil {
		// Frees the slot. An IDLE session ends without signaling.
		s.Hangup()
		return nil, err
	}
	return s, nil
}

// Incoming registers a ring. While another call holds the slot the caller is
// told the line is busy and ErrBusy is returned.
func (m *Manager) Incoming(ctx context.Context, inv protocol.IncomingCall) (*Session, error) {
	if m.Busy() {
		m.log.WithFields(log.Fields{"room": inv.RoomID, "caller": inv.CallerID}).Info("rejecting call: busy")
		sig := protocol.Signal{
			SenderID: m.cfg.LocalID,
			TargetID: inv.CallerID,
			Role:     string(RoleCallee),
			Kind:     protocol.KindEndCall,
			Reason:   string(ReasonBusy),
		}
		if err := m.cfg.Realtime.Broadcast(ctx, protocol.CallChannel(inv.RoomID), protocol.TypeSignal, sig); err != nil {
			m.log.WithError(err).Warn("broadcast busy failed")
		}
		return nil, ErrBusy
	}

	s := NewIncoming(m.cfg, inv)
	m.mu.Lock()
	if old, ok := m.ringing[inv.RoomID]; ok {
		defer old.dismiss()
	}
	m.ringing[inv.RoomID] = s
	m.mu.Unlock()
	go func() {
		<-s.Done()
		m.mu.Lock()
		if m.ringing[inv.RoomID] == s {
			delete(m.ringing, inv.RoomID)
		}
		m.mu.Unlock()
	}()
	return s, nil
}

// Ringing returns the unanswered incoming call for roomID, if any.
func (m *Manager) Ringing(roomID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.ringing[roomID]
	return s, ok
}

// Canceled ends a ringing call whose caller gave up.
func (m *Manager) Canceled(roomID string) {
	m.mu.Lock()
	s, ok := m.ringing[roomID]
	delete(m.ringing, roomID)
	m.mu.Unlock()
	if ok {
		s.dismiss()
	}
}

// Accept answers a ringing session, taking the media slot.
func (m *Manager) Accept(ctx context.Context, s *Session) error {
	if err := m.claim(s); err != nil {
		return err
	}
	m.mu.Lock()
	if m.ringing[s.RoomID()] == s {
		delete(m.ringing, s.RoomID())
	}
	m.mu.Unlock()
	return s.Accept(ctx)
}

// Decline rejects a ringing session.
func (m *Manager) Decline(s *Session) {
	s.Decline()
}

// JoinGroup enters the group call of roomID.
func (m *Manager) JoinGroup(ctx context.Context, roomID string, media Media) (*GroupSession, error) {
	g := NewGroupSession(m.cfg, roomID, media)
	if err := m.claim(g); err != nil {
		return nil, err
	}
	if err := g.Join(ctx); err != nil {
		g.Leave()
		return nil, err
	}
	return g, nil
}

// Stop ends every call the manager knows about.
func (m *Manager) Stop() {
	m.mu.Lock()
	active := m.active
	ringing := make([]*Session, 0, len(m.ringing))
	for _, s := range m.ringing {
		ringing = append(ringing, s)
	}
	m.mu.Unlock()

	for _, s := range ringing {
		s.Decline()
	}
	switch c := active.(type) {
	case *Session:
		c.Hangup()
	case *GroupSession:
		c.Leave()
	}
}
