package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/HerbHall/procwatch/pkg/models"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"
)

const (
	defaultStreamInterval = time.Second
	minStreamInterval     = 100 * time.Millisecond
)

// streamFrame is one websocket message: a result or the error of one poll.
type streamFrame struct {
	Result *models.PollResult `json:"result,omitempty"`
	Error  string             `json:"error,omitempty"`
	Kind   models.ErrorKind   `json:"kind,omitempty"`
}

// handleStream polls an observer every interval and pushes each result over
// a websocket until the client goes away or the observer can no longer be
// polled.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	e, ok := s.lookup(w, r)
	if !ok {
		return
	}
	mask, err := maskFromQuery(r, e.obs.Type())
	if err != nil {
		ObserverProblem(w, err, r.URL.Path)
		return
	}
	interval := defaultStreamInterval
	if raw := r.URL.Query().Get("interval"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			BadRequest(w, "invalid interval: "+err.Error(), r.URL.Path)
			return
		}
		interval = max(d, minStreamInterval)
	}
	if !s.allow(w, r) {
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket accept failed", zap.Error(err))
		return
	}
	defer conn.CloseNow()

	// The client only listens; CloseRead handles control frames and cancels
	// ctx once the peer closes.
	ctx := conn.CloseRead(r.Context())
	s.logger.Debug("stream opened", zap.String("id", e.id), zap.Duration("interval", interval))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		frame, done := s.streamPoll(ctx, e, mask)
		if ctx.Err() != nil {
			return
		}
		if err := wsjson.Write(ctx, conn, frame); err != nil {
			s.logger.Debug("stream write failed", zap.String("id", e.id), zap.Error(err))
			return
		}
		if done {
			conn.Close(websocket.StatusNormalClosure, frame.Error)
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// streamPoll runs one poll. done reports that later polls cannot succeed.
func (s *Server) streamPoll(ctx context.Context, e *entry, mask models.MetricMask) (streamFrame, bool) {
	res, err := s.poll(ctx, e, mask)
	if err == nil {
		return streamFrame{Result: res}, false
	}
	kind := models.KindOf(err)
	done := errors.Is(err, models.ErrClosed) ||
		(kind == models.ErrorTargetNotFound && e.obs.Type() == models.TargetProcessID)
	return streamFrame{Error: err.Error(), Kind: kind}, done
}
