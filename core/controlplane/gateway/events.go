package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/updraft-io/updraft/core/infra/bus"
	"github.com/updraft-io/updraft/core/infra/logging"
)

const clientBuffer = 32

// subscribeEvents wires the NATS lifecycle subjects into the local fan-out
// channel so websocket clients see every stage of every update.
func (s *server) subscribeEvents() error {
	relay := func(evt bus.Event) error {
		select {
		case s.eventsCh <- evt:
		default:
			logging.Error("gateway", "event channel full, dropping", "type", evt.Type, "key", evt.Key)
		}
		return nil
	}
	if err := s.natsBus.Subscribe("updraft.update.*", "", relay); err != nil {
		return err
	}
	return s.natsBus.Subscribe(bus.SubjectCatalogInvalidate, "", relay)
}

// fanOutEvents copies bus events to every connected client. A client whose
// buffer is full misses the event rather than stalling the others.
func (s *server) fanOutEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-s.eventsCh:
			s.clientsMu.RLock()
			for _, ch := range s.clients {
				select {
				case ch <- evt:
				default:
				}
			}
			s.clientsMu.RUnlock()
		}
	}
}

// handleEvents upgrades to a websocket and streams update lifecycle events.
func (s *server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Error("gateway", "websocket upgrade failed", "error", err)
		return
	}
	ch := make(chan bus.Event, clientBuffer)
	s.clientsMu.Lock()
	s.clients[conn] = ch
	s.clientsMu.Unlock()
	logging.Info("gateway", "event stream client connected", "remote", r.RemoteAddr)

	defer func() {
		s.clientsMu.Lock()
		delete(s.clients, conn)
		s.clientsMu.Unlock()
		_ = conn.Close()
	}()

	// Drain reads so close frames and pings are processed.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case evt := <-ch:
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(evt); err != nil {
				return
			}
		}
	}
}
