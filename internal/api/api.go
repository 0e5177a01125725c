// Package api is the JSON HTTP interface of the notification service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"iacnotify/internal/delivery"
	"iacnotify/internal/model"
	"iacnotify/internal/service"
	logx "iacnotify/pkg/logx"
)

const maxBodyBytes = 1 << 20

// Service is the subset of *service.Service the API calls.
type Service interface {
	Submit(ctx context.Context, req service.SubmitRequest) (model.Record, error)
	Test(ctx context.Context, channelID string) (model.Record, error)
	Channels() []model.Channel
	Channel(id string) (model.Channel, error)
	SetChannelEnabled(id string, enabled bool) (model.Channel, error)
	Rules() []model.RoutingRule
	Rule(id string) (model.RoutingRule, error)
	History(ctx context.Context, limit int, before string) ([]model.Record, error)
	Record(ctx context.Context, eventID string) (model.Record, error)
	Health(ctx context.Context) service.Health
}

// Observer receives one call per finished request.
type Observer interface {
	ObserveHTTP(route, method, code string)
}

type Options struct {
	// RatePerSec limits /api/v1 requests; 0 disables limiting.
	RatePerSec float64
	// Burst defaults to ceil(RatePerSec).
	Burst int

	Metrics  http.Handler
	Observer Observer
}

type API struct {
	svc      Service
	log      logx.Logger
	observer Observer
	router   chi.Router
}

var _ Service = (*service.Service)(nil)

func New(svc Service, log logx.Logger, opts Options) *API {
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &API{svc: svc, log: log, observer: opts.Observer}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(a.accessLog)
	r.Use(middleware.Recoverer)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, CodeNotFound, "no such route", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, CodeBadRequest, "method not allowed", nil)
	})

	r.Get("/healthz", a.health)
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		if opts.RatePerSec > 0 {
			burst := opts.Burst
			if burst <= 0 {
				burst = int(math.Ceil(opts.RatePerSec))
			}
			r.Use(rateLimit(rate.NewLimiter(rate.Limit(opts.RatePerSec), burst)))
		}

		r.Post("/events", a.submit)

		r.Route("/channels", func(r chi.Router) {
			r.Get("/", a.listChannels)
			r.Get("/{id}", a.getChannel)
			r.Patch("/{id}", a.patchChannel)
			r.Post("/{id}/test", a.testChannel)
		})

		r.Get("/rules", a.listRules)
		r.Get("/rules/{id}", a.getRule)

		r.Get("/history", a.listHistory)
		r.Get("/history/{id}", a.getRecord)
	})

	a.router = r
	return a
}

func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) { a.router.ServeHTTP(w, r) }

// decode reads a JSON body strictly. It writes the 400 itself and reports
// false on failure.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		msg := "invalid JSON body: " + err.Error()
		if errors.Is(err, io.EOF) {
			msg = "request body is empty"
		}
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			msg = "request body too large"
		}
		writeError(w, http.StatusBadRequest, CodeBadRequest, msg, nil)
		return false
	}
	return true
}

func (a *API) submit(w http.ResponseWriter, r *http.Request) {
	var req service.SubmitRequest
	if !decode(w, r, &req) {
		return
	}
	rec, err := a.svc.Submit(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (a *API) testChannel(w http.ResponseWriter, r *http.Request) {
	rec, err := a.svc.Test(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// channelView is a channel with its destination redacted.
type channelView struct {
	ID          string            `json:"id"`
	Type        model.ChannelType `json:"type"`
	Destination string            `json:"destination"`
	Enabled     bool              `json:"enabled"`
	Description string            `json:"description,omitempty"`
}

func viewChannel(ch model.Channel) channelView {
	return channelView{
		ID:          ch.ID,
		Type:        ch.Type,
		Destination: delivery.Redact(ch.Destination),
		Enabled:     ch.Enabled,
		Description: ch.Description,
	}
}

func (a *API) listChannels(w http.ResponseWriter, r *http.Request) {
	chans := a.svc.Channels()
	out := make([]channelView, 0, len(chans))
	for _, ch := range chans {
		out = append(out, viewChannel(ch))
	}
	writeJSON(w, http.StatusOK, map[string]any{"channels": out})
}

func (a *API) getChannel(w http.ResponseWriter, r *http.Request) {
	ch, err := a.svc.Channel(chi.URLParam(r, "id"))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewChannel(ch))
}

func (a *API) patchChannel(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Enabled *bool `json:"enabled"`
	}
	if !decode(w, r, &body) {
		return
	}
	if body.Enabled == nil {
		writeError(w, http.StatusBadRequest, CodeValidation, "nothing to change",
			map[string]string{"enabled": "is required"})
		return
	}
	ch, err := a.svc.SetChannelEnabled(chi.URLParam(r, "id"), *body.Enabled)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewChannel(ch))
}

func (a *API) listRules(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"rules": a.svc.Rules()})
}

func (a *API) getRule(w http.ResponseWriter, r *http.Request) {
	rule, err := a.svc.Rule(chi.URLParam(r, "id"))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (a *API) listHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 0
	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, CodeBadRequest, "limit must be a non-negative integer", nil)
			return
		}
		limit = n
	}
	before := strings.TrimSpace(q.Get("before"))

	recs, err := a.svc.History(r.Context(), limit, before)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	resp := map[string]any{"records": recs}
	if len(recs) > 0 {
		resp["next_before"] = recs[len(recs)-1].Event.ID
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) getRecord(w http.ResponseWriter, r *http.Request) {
	rec, err := a.svc.Record(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (a *API) health(w http.ResponseWriter, r *http.Request) {
	// Degraded still answers 200; the service keeps delivering without history.
	writeJSON(w, http.StatusOK, a.svc.Health(r.Context()))
}
