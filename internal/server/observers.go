package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/HerbHall/procwatch/internal/event"
	"github.com/HerbHall/procwatch/internal/registry"
	"github.com/HerbHall/procwatch/pkg/models"
	"github.com/HerbHall/procwatch/pkg/observer"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// entry is an observer created through the API.
type entry struct {
	id      string
	obs     *observer.Observer
	created time.Time
}

func (e *entry) source() string { return "observer:" + e.id }

type observerResponse struct {
	ID      string        `json:"id"`
	Target  models.Target `json:"target"`
	Created time.Time     `json:"created"`
}

func (e *entry) response() observerResponse {
	return observerResponse{ID: e.id, Target: e.obs.Target(), Created: e.created}
}

// createRequest accepts {"kind":"pid","pid":42} or {"kind":"name","name":"nginx"}.
// Kind also accepts the numeric forms 0, 1 and 2.
type createRequest struct {
	Kind json.RawMessage `json:"kind"`
	PID  uint32          `json:"pid"`
	Name string          `json:"name"`
}

func (r createRequest) target() (models.Target, error) {
	kind := models.TargetSystem
	if len(r.Kind) > 0 {
		raw := strings.Trim(string(r.Kind), `"`)
		k, err := models.ParseTargetKind(raw)
		if err != nil {
			return models.Target{}, models.Errorf(models.ErrorInvalidTarget, "create", "%v", err)
		}
		kind = k
	}
	t := models.Target{Kind: kind, PID: r.PID, Name: r.Name}
	return t, t.Validate()
}

func (s *Server) handleCreateObserver(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid JSON body: "+err.Error(), r.URL.Path)
		return
	}
	target, err := req.target()
	if err != nil {
		ObserverProblem(w, err, r.URL.Path)
		return
	}

	obs, err := observer.New(target, observer.WithEngine(s.deps.Engine))
	if err != nil {
		ObserverProblem(w, err, r.URL.Path)
		return
	}
	e := &entry{id: uuid.New().String(), obs: obs, created: time.Now().UTC()}

	s.mu.Lock()
	s.observers[e.id] = e
	s.mu.Unlock()

	s.logger.Info("observer created", zap.String("id", e.id), zap.Stringer("target", target))
	s.publish(r.Context(), event.Event{
		Topic:   event.TopicObserverCreated,
		Source:  e.source(),
		Payload: event.ObserverLifecycle{ID: e.id, Target: target},
	})

	w.Header().Set("Location", "/api/v1/observers/"+e.id)
	writeJSON(w, http.StatusCreated, e.response())
}

func (s *Server) handleListObservers(w http.ResponseWriter, _ *http.Request) {
	s.mu.RLock()
	out := make([]observerResponse, 0, len(s.observers))
	for _, e := range s.observers {
		out = append(out, e.response())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Created.Equal(out[j].Created) {
			return out[i].ID < out[j].ID
		}
		return out[i].Created.Before(out[j].Created)
	})
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*entry, bool) {
	id := r.PathValue("id")
	s.mu.RLock()
	e, ok := s.observers[id]
	s.mu.RUnlock()
	if !ok {
		NotFound(w, "observer "+id+" not found", r.URL.Path)
	}
	return e, ok
}

func (s *Server) handleGetObserver(w http.ResponseWriter, r *http.Request) {
	if e, ok := s.lookup(w, r); ok {
		writeJSON(w, http.StatusOK, e.response())
	}
}

func (s *Server) handleDeleteObserver(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s.mu.Lock()
	e, ok := s.observers[id]
	delete(s.observers, id)
	s.mu.Unlock()
	if !ok {
		NotFound(w, "observer "+id+" not found", r.URL.Path)
		return
	}

	e.obs.Close()
	s.logger.Info("observer released", zap.String("id", id))
	s.publish(r.Context(), event.Event{
		Topic:   event.TopicObserverReleased,
		Source:  e.source(),
		Payload: event.ObserverLifecycle{ID: id, Target: e.obs.Target()},
	})
	w.WriteHeader(http.StatusNoContent)
}

// maskFromQuery reads ?mask=N or ?metrics=a,b. Without either, every
// metric of kind is selected.
func maskFromQuery(r *http.Request, kind models.TargetKind) (models.MetricMask, error) {
	q := r.URL.Query()
	if raw := q.Get("mask"); raw != "" {
		return observer.ParseMask(raw)
	}
	if raw := q.Get("metrics"); raw != "" {
		return observer.MaskFor(kind, strings.Split(raw, ",")...)
	}
	return registry.Range(kind), nil
}

func (s *Server) allow(w http.ResponseWriter, r *http.Request) bool {
	if s.deps.Limiter == nil || s.deps.Limiter.Allow() {
		return true
	}
	w.Header().Set("Retry-After", "1")
	RateLimited(w, "poll rate exceeded", r.URL.Path)
	return false
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	e, ok := s.lookup(w, r)
	if !ok {
		return
	}
	mask, err := maskFromQuery(r, e.obs.Type())
	if err != nil {
		ObserverProblem(w, err, r.URL.Path)
		return
	}
	if !s.allow(w, r) {
		return
	}

	res, err := s.poll(r.Context(), e, mask)
	if err != nil {
		ObserverProblem(w, err, r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// poll runs one poll and publishes its outcome.
func (s *Server) poll(ctx context.Context, e *entry, mask models.MetricMask) (*models.PollResult, error) {
	res, err := e.obs.Poll(ctx, mask)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			s.publish(context.WithoutCancel(ctx), event.Event{
				Topic:   event.TopicPollFailed,
				Source:  e.source(),
				Payload: event.PollFailed{Target: e.obs.Target(), Err: err},
			})
		}
		return nil, err
	}
	s.publish(context.WithoutCancel(ctx), event.Event{
		Topic:   event.TopicPollCompleted,
		Source:  e.source(),
		Payload: event.PollCompleted{Result: res},
	})
	return res, nil
}

func (s *Server) handleMasks(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, observer.Masks())
}

func (s *Server) handleProcesses(w http.ResponseWriter, r *http.Request) {
	procs, err := observer.Processes(r.Context(), observer.WithCollector(s.deps.Engine.Collector()), observer.WithLogger(s.logger))
	if err != nil {
		ObserverProblem(w, err, r.URL.Path)
		return
	}
	if name := r.URL.Query().Get("name"); name != "" {
		filtered := procs[:0]
		for _, p := range procs {
			if p.Name == name {
				filtered = append(filtered, p)
			}
		}
		procs = filtered
	}
	writeJSON(w, http.StatusOK, procs)
}
