package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/ijave/internal/bus"
	"github.com/basket/ijave/internal/ent"
	"github.com/basket/ijave/internal/generate"
	"github.com/basket/ijave/internal/persistence"
	"github.com/basket/ijave/internal/shared"
)

const notifyWriteTimeout = 10 * time.Second

// Notification is one message on the notification websocket.
type Notification struct {
	Image generate.Status `json:"image"`
}

// handleNotifications streams the progress of a project's jobs. Each
// published step is forwarded as "completed"; when nothing was published
// within the notify timeout the executor status is sent instead.
func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, ent.ParseProjectID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	err = s.cfg.Store.Transaction(r.Context(), func(ctx context.Context, tx *persistence.Tx) error {
		_, err := tx.Projects().Load(ctx, id)
		return err
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if s.cfg.Broker == nil {
		http.Error(w, "notifications are not available", http.StatusServiceUnavailable)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Same-origin requests are always allowed by the websocket library.
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}

	ctx := shared.WithProjectID(r.Context(), id.String())
	listener := s.cfg.Broker.Listener(generate.Topic(id))
	s.logger.InfoContext(ctx, "notifications: client connected")
	defer func() {
		_ = listener.Stop()
		s.logger.InfoContext(ctx, "notifications: client disconnected")
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	// The peer never sends anything; CloseRead cancels ctx once it goes away.
	ctx = conn.CloseRead(ctx)

	if err := s.notify(ctx, conn, s.status()); err != nil {
		return
	}
	for {
		var status generate.Status
		msg, err := listener.Receive(ctx, s.cfg.NotifyTimeout)
		switch {
		case err == nil:
			res, ok := msg.(*generate.Result)
			if !ok {
				s.logger.WarnContext(ctx, "notifications: unexpected message", "type", fmt.Sprintf("%T", msg))
				continue
			}
			status = generate.Completed(res)
		case errors.Is(err, bus.ErrTimeout):
			status = s.status()
		default:
			return
		}
		if err := s.notify(ctx, conn, status); err != nil {
			s.logger.DebugContext(ctx, "notifications: write failed", "error", err)
			return
		}
	}
}

func (s *Server) status() generate.Status {
	if s.cfg.Service == nil {
		return generate.Status{Kind: generate.StatusIdle}
	}
	return s.cfg.Service.Status()
}

func (s *Server) notify(ctx context.Context, conn *websocket.Conn, status generate.Status) error {
	ctx, cancel := context.WithTimeout(ctx, notifyWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, Notification{Image: status})
}
