package router

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/meawoppl/claude-code-portal/internal/cache"
	"github.com/meawoppl/claude-code-portal/internal/logger"
	"github.com/meawoppl/claude-code-portal/internal/protocol"
	"github.com/meawoppl/claude-code-portal/internal/store"
)

// ErrSessionNotFound is returned by AttachProxy when resuming=true names a
// session_id the store has never seen.
var ErrSessionNotFound = errors.New("router: session not found")

type viewerState struct {
	conn   Conn
	userID string
	role   string
}

// Session is the single logical owner of all state mutations for one
// agent conversation. Every public method enqueues a closure onto the
// mailbox and the run loop executes closures one at a time; this is the
// actor's only synchronization primitive, so nothing below needs a
// mutex.
type Session struct {
	id       string
	registry *Registry
	store    *store.Store
	cache    *cache.Cache
	config   Config
	log      zerolog.Logger

	mailbox chan func()
	done    chan struct{}

	loaded      bool
	row         *store.Session
	proxy       Conn
	proxyUserID string
	viewers     map[Conn]*viewerState

	lastAckSeq   uint64
	gapBuffer    map[uint64]*protocol.Frame
	gapOpenSince time.Time
	lastGapNudge time.Time

	disconnectDeadline time.Time
	lastActivity       time.Time
	parkRequested      bool

	lastSpendBroadcast     time.Time
	lastBroadcastSpendCost float64
}

func newSession(id string, registry *Registry, st *store.Store, ch *cache.Cache, cfg Config) *Session {
	return &Session{
		id:           id,
		registry:     registry,
		store:        st,
		cache:        ch,
		config:       cfg,
		log:          logger.Router().With().Str("session_id", id).Logger(),
		mailbox:      make(chan func(), 64),
		done:         make(chan struct{}),
		viewers:      make(map[Conn]*viewerState),
		gapBuffer:    make(map[uint64]*protocol.Frame),
		lastActivity: time.Now(),
	}
}

func (s *Session) run() {
	defer close(s.done)
	for fn := range s.mailbox {
		fn()
		if s.parkRequested {
			s.registry.park(s.id)
			return
		}
	}
}

// submit enqueues fn and blocks until it has run, which is how every
// public method below gets a synchronous-looking call out of an
// asynchronous mailbox.
func (s *Session) submit(fn func()) {
	done := make(chan struct{})
	select {
	case s.mailbox <- func() { fn(); close(done) }:
		<-done
	case <-s.done:
	}
}

// ensureLoaded hydrates the in-memory descriptor from the store on first
// touch, or after a park/re-hydrate cycle. Must only be called from
// inside the actor loop.
func (s *Session) ensureLoaded(ctx context.Context) error {
	if s.loaded {
		return nil
	}
	row, err := s.store.GetSession(ctx, s.id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrSessionNotFound
		}
		return err
	}
	s.row = row
	s.lastAckSeq = row.LastAckSeq
	s.loaded = true
	return nil
}

// spendBroadcastInterval is how often tick() re-pushes UserSpendUpdate to
// viewers when the session's cumulative cost has changed.
const spendBroadcastInterval = 30 * time.Second

// tick is invoked periodically by the registry's idle sweeper. It drives
// three time-based transitions: disconnect grace expiry, gap-fill
// timeout, and idle park; plus the periodic spend summary.
func (s *Session) tick() {
	s.submit(func() {
		now := time.Now()

		if s.row != nil && s.row.Status == store.StatusDisconnected && !s.disconnectDeadline.IsZero() && now.After(s.disconnectDeadline) {
			s.transitionStatus(context.Background(), store.StatusInactive)
		}

		if len(s.gapBuffer) > 0 && now.Sub(s.lastGapNudge) >= s.config.GapTimeout {
			s.sendRepeatedAck()
			s.lastGapNudge = now
		}

		if s.row != nil && len(s.viewers) > 0 && now.Sub(s.lastSpendBroadcast) >= spendBroadcastInterval &&
			s.row.CumulativeCost != s.lastBroadcastSpendCost {
			s.broadcastToViewers(&protocol.Frame{
				Type:           protocol.TypeUserSpendUpdate,
				SessionID:      s.id,
				InputTokens:    s.row.InputTokens,
				OutputTokens:   s.row.OutputTokens,
				CumulativeCost: s.row.CumulativeCost,
			})
			s.lastBroadcastSpendCost = s.row.CumulativeCost
			s.lastSpendBroadcast = now
		}

		if s.proxy == nil && len(s.viewers) == 0 && s.loaded &&
			now.Sub(s.lastActivity) >= s.config.IdleParkWindow {
			s.parkRequested = true
		}
	})
}

func (s *Session) broadcastShutdown(frame *protocol.Frame) {
	s.submit(func() {
		if s.proxy != nil {
			s.proxy.Send(frame)
		}
		for _, v := range s.viewers {
			v.conn.Send(frame)
		}
	})
}

// transitionStatus persists the new status, updates the in-memory row,
// and broadcasts SessionStatus to every live viewer. Must be called from
// inside the actor loop.
func (s *Session) transitionStatus(ctx context.Context, status string) {
	if s.row != nil && s.row.Status == status {
		return
	}
	if err := s.store.SetSessionStatus(ctx, s.id, status); err != nil {
		s.log.Error().Err(err).Str("status", status).Msg("persist session status failed")
	}
	if s.row != nil {
		s.row.Status = status
	}
	s.broadcastToViewers(&protocol.Frame{Type: protocol.TypeSessionStatus, SessionID: s.id, Status: status})

	if s.cache != nil {
		if err := s.cache.PublishStatus(ctx, cache.StatusEvent{SessionID: s.id, Status: status}); err != nil {
			s.log.Warn().Err(err).Msg("publish status event failed")
		}
	}
}

// applyRemoteStatus updates local viewers when another replica transitions
// this session's status. It does not touch the store or re-publish —
// persistence already happened on the replica that owns the proxy
// connection.
func (s *Session) applyRemoteStatus(status string) {
	s.submit(func() {
		if s.row != nil && s.row.Status == status {
			return
		}
		if s.row != nil {
			s.row.Status = status
		}
		s.broadcastToViewers(&protocol.Frame{Type: protocol.TypeSessionStatus, SessionID: s.id, Status: status})
	})
}

func (s *Session) broadcastToViewers(frame *protocol.Frame) {
	for conn, v := range s.viewers {
		if !conn.Send(frame) {
			s.log.Warn().Str("viewer", conn.RemoteLabel()).Msg("viewer queue overflow, closing")
			conn.Close("slow-consumer")
			delete(s.viewers, conn)
			_ = v
		}
	}
}
