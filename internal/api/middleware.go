package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	logx "iacnotify/pkg/logx"
)

func requestFields(r *http.Request, err error) []logx.Field {
	f := []logx.Field{
		logx.String("method", r.Method),
		logx.String("path", r.URL.Path),
		logx.String("request_id", middleware.GetReqID(r.Context())),
	}
	if err != nil {
		f = append(f, logx.Err(err))
	}
	return f
}

// accessLog logs every request at debug, and server errors at warn.
func (a *API) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		if a.observer != nil {
			a.observer.ObserveHTTP(route, r.Method, strconv.Itoa(status))
		}

		fields := append(requestFields(r, nil),
			logx.String("route", route),
			logx.Int("status", status),
			logx.Int("bytes", ww.BytesWritten()),
			logx.Duration("took", time.Since(start)),
		)
		if status >= 500 {
			a.log.Warn("http request", fields...)
		} else {
			a.log.Debug("http request", fields...)
		}
	})
}

// rateLimit rejects requests beyond the token bucket with 429.
func rateLimit(l *rate.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !l.Allow() {
				w.Header().Set("Retry-After", "1")
				writeError(w, http.StatusTooManyRequests, CodeRateLimited, "too many requests", nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
