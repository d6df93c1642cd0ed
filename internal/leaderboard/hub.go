// Package leaderboard serves ranked snapshots and pushes them to websocket
// subscribers whenever a submission is scored.
package leaderboard

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/sync/errgroup"
)

const (
	defaultWriteTimeout = 5 * time.Second
	maxParallelWrites   = 32
)

// subscriber serializes writes to one connection and remembers the newest
// sequence number it was sent.
type subscriber struct {
	conn *websocket.Conn
	mu   sync.Mutex
	sent uint64
}

// Hub tracks websocket subscribers.
type Hub struct {
	mu           sync.RWMutex
	subs         map[*websocket.Conn]*subscriber
	writeTimeout time.Duration
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		subs:         make(map[*websocket.Conn]*subscriber),
		writeTimeout: defaultWriteTimeout,
	}
}

// Register adds a subscriber.
func (h *Hub) Register(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[conn]; !ok {
		h.subs[conn] = &subscriber{conn: conn}
	}
	slog.Debug("Leaderboard subscriber registered", "subscribers", len(h.subs))
}

// Unregister removes a subscriber.
func (h *Hub) Unregister(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[conn]; ok {
		delete(h.subs, conn)
		slog.Debug("Leaderboard subscriber unregistered", "subscribers", len(h.subs))
	}
}

// Count returns the number of subscribers.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (h *Hub) subscribers() []*subscriber {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*subscriber, 0, len(h.subs))
	for _, sub := range h.subs {
		out = append(out, sub)
	}
	return out
}

// write sends data unless the subscriber already has seq or something newer.
func (h *Hub) write(ctx context.Context, sub *subscriber, seq uint64, data []byte) (bool, error) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if seq <= sub.sent {
		return false, nil
	}
	writeCtx, cancel := context.WithTimeout(ctx, h.writeTimeout)
	defer cancel()
	if err := sub.conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		return false, err
	}
	sub.sent = seq
	return true, nil
}

// Send writes msg to one registered subscriber. Messages older than the last
// one it received are skipped and reported as not sent.
func (h *Hub) Send(ctx context.Context, conn *websocket.Conn, seq uint64, msg any) (bool, error) {
	h.mu.RLock()
	sub, ok := h.subs[conn]
	h.mu.RUnlock()
	if !ok {
		return false, fmt.Errorf("subscriber not registered")
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return false, fmt.Errorf("encode message: %w", err)
	}
	return h.write(ctx, sub, seq, data)
}

// Broadcast writes msg to every subscriber in parallel. Subscribers that fail
// the write are closed and dropped. It returns how many writes failed.
func (h *Hub) Broadcast(ctx context.Context, seq uint64, msg any) (int, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return 0, fmt.Errorf("encode broadcast: %w", err)
	}

	subs := h.subscribers()
	if len(subs) == 0 {
		return 0, nil
	}

	var failedMu sync.Mutex
	failed := 0

	var g errgroup.Group
	g.SetLimit(maxParallelWrites)
	for _, sub := range subs {
		g.Go(func() error {
			if _, err := h.write(ctx, sub, seq, data); err != nil {
				slog.Debug("Leaderboard push failed, dropping subscriber", "error", err)
				h.Unregister(sub.conn)
				_ = sub.conn.Close(websocket.StatusPolicyViolation, "write failed")
				failedMu.Lock()
				failed++
				failedMu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return failed, err
	}
	return failed, nil
}

// CloseAll disconnects every subscriber.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.subs {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
	}
	h.subs = make(map[*websocket.Conn]*subscriber)
}
