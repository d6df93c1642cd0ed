package leaderboard

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/sync/singleflight"

	"github.com/ashureev/queryarena/internal/domain"
	"github.com/ashureev/queryarena/internal/proctor"
)

// MessageTypeUpdate tags snapshot pushes on the websocket.
const MessageTypeUpdate = "leaderboard-update"

const (
	publishTimeout  = 10 * time.Second
	snapshotTimeout = 5 * time.Second
)

// Source computes ranked rows. store.Repository satisfies it.
type Source interface {
	Leaderboard(ctx context.Context, limit int) ([]domain.LeaderboardEntry, error)
}

// Snapshot is one ranked view of the competition. Seq increases with every
// snapshot built, so clients and the hub can discard stale ones.
type Snapshot struct {
	Seq         uint64                    `json:"seq"`
	Entries     []domain.LeaderboardEntry `json:"leaderboard"`
	GeneratedAt time.Time                 `json:"generated_at"`
}

// Message is the websocket envelope.
type Message struct {
	Type string    `json:"type"`
	Data *Snapshot `json:"data"`
}

// Service builds snapshots and fans them out to the hub.
type Service struct {
	src     Source
	hub     *Hub
	limit   int
	origins []string

	group   singleflight.Group
	mu      sync.RWMutex
	latest  *Snapshot
	seq     uint64
	trigger chan struct{}
}

// NewService creates a leaderboard service.
func NewService(src Source, hub *Hub, limit int, allowedOrigins []string) *Service {
	if limit <= 0 {
		limit = 50
	}
	return &Service{
		src:     src,
		hub:     hub,
		limit:   limit,
		origins: allowedOrigins,
		trigger: make(chan struct{}, 1),
	}
}

// Snapshot computes the current leaderboard. Concurrent callers share one
// query, which runs detached from any single caller's context so one caller
// going away does not fail the others.
func (s *Service) Snapshot(ctx context.Context) (*Snapshot, error) {
	ch := s.group.DoChan("snapshot", func() (interface{}, error) {
		queryCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), snapshotTimeout)
		defer cancel()

		entries, err := s.src.Leaderboard(queryCtx, s.limit)
		if err != nil {
			return nil, fmt.Errorf("query leaderboard: %w", err)
		}
		if entries == nil {
			entries = []domain.LeaderboardEntry{}
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		s.seq++
		snap := &Snapshot{Seq: s.seq, Entries: entries, GeneratedAt: time.Now()}
		s.latest = snap
		return snap, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Snapshot), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Latest returns the last computed snapshot, or nil.
func (s *Service) Latest() *Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latest
}

// Publish recomputes the snapshot and pushes it to every subscriber.
func (s *Service) Publish(ctx context.Context) error {
	snap, err := s.Snapshot(ctx)
	if err != nil {
		return err
	}
	failed, err := s.hub.Broadcast(ctx, snap.Seq, Message{Type: MessageTypeUpdate, Data: snap})
	if err != nil {
		return err
	}
	if failed > 0 {
		slog.Warn("Leaderboard push dropped subscribers", "failed", failed)
	}
	return nil
}

// Notify requests a publish without blocking. Bursts collapse into one.
func (s *Service) Notify() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Run publishes on every Notify until ctx is done.
func (s *Service) Run(ctx context.Context) {
	slog.Info("Leaderboard publisher started", "limit", s.limit)
	for {
		select {
		case <-s.trigger:
			pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
			if err := s.Publish(pubCtx); err != nil && ctx.Err() == nil {
				slog.Error("Leaderboard publish failed", "error", err)
			}
			cancel()
		case <-ctx.Done():
			slog.Info("Leaderboard publisher shutting down", "reason", ctx.Err())
			s.hub.CloseAll()
			return
		}
	}
}

// Hooks returns engine hooks that republish after every scored submission.
func (s *Service) Hooks() proctor.Hooks {
	return proctor.Hooks{
		OnSubmissionScored: func(context.Context, *domain.Session, *domain.Submission) {
			s.Notify()
		},
	}
}

// ServeHTTP upgrades to a websocket, sends the current snapshot and then
// keeps the subscriber registered until it disconnects. The subscriber is
// registered before the initial snapshot is built so no publish is missed;
// the hub drops the initial one if a newer push got there first.
func (s *Service) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !s.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Warn("Failed to accept leaderboard websocket", "error", err, "ip", r.RemoteAddr)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "bye"); closeErr != nil {
			slog.Debug("Failed to close leaderboard websocket", "error", closeErr)
		}
	}()

	s.hub.Register(ws)
	defer s.hub.Unregister(ws)

	ctx := ws.CloseRead(r.Context())

	snap, err := s.Snapshot(ctx)
	if err != nil {
		if ctx.Err() == nil {
			slog.Error("Failed to build leaderboard snapshot", "error", err)
		}
		return
	}
	if _, err := s.hub.Send(ctx, ws, snap.Seq, Message{Type: MessageTypeUpdate, Data: snap}); err != nil {
		slog.Debug("Failed to send initial leaderboard", "error", err)
		return
	}

	<-ctx.Done()
}

func (s *Service) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.origins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	slog.Warn("Leaderboard websocket origin rejected", "origin", origin, "allowed", s.origins)
	return false
}
