package idempotency

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/jogardn/golocal-storefront/internal/auth"
	"github.com/jogardn/golocal-storefront/pkg/models"
	"github.com/sirupsen/logrus"
)

const (
	HeaderKey      = "Idempotency-Key"
	HeaderReplayed = "Idempotent-Replayed"
)

type recorder struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (r *recorder) WriteHeader(status int) {
	if r.status == 0 {
		r.status = status
	}
	r.ResponseWriter.WriteHeader(status)
}

func (r *recorder) Write(p []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	r.body.Write(p)
	return r.ResponseWriter.Write(p)
}

// Middleware replays the first response for a (user, Idempotency-Key) pair.
// Requests without a key or without a user pass through untouched. Server
// errors are not stored so the client can retry with the same key.
func Middleware(store Store, ttl time.Duration, logger *logrus.Logger) mux.MiddlewareFunc {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := strings.TrimSpace(r.Header.Get(HeaderKey))
			user, ok := auth.UserFromContext(r.Context())
			if header == "" || !ok {
				next.ServeHTTP(w, r)
				return
			}

			key := user.ID + ":" + r.Method + ":" + r.URL.Path + ":" + header
			fields := logrus.Fields{
				"user_id":         user.ID,
				"path":            r.URL.Path,
				"idempotency_key": header,
			}

			record, err := store.Begin(r.Context(), key, ttl)
			switch {
			case errors.Is(err, ErrInFlight):
				logger.WithFields(fields).Warn("Duplicate request while the first is in flight")
				writeJSON(w, http.StatusConflict, models.Response{
					Success: false,
					Message: "A request with this Idempotency-Key is already being processed",
				})
				return
			case err != nil:
				logger.WithError(err).WithFields(fields).Error("Idempotency store unavailable, processing without replay protection")
				next.ServeHTTP(w, r)
				return
			case record != nil:
				logger.WithFields(fields).Info("Replaying stored response")
				if record.ContentType != "" {
					w.Header().Set("Content-Type", record.ContentType)
				}
				w.Header().Set(HeaderReplayed, "true")
				w.WriteHeader(record.Status)
				w.Write(record.Body)
				return
			}

			// Detached from the request so a client disconnect does not lose the record.
			ctx := context.WithoutCancel(r.Context())
			completed := false
			// Any exit that stores nothing releases the claim, a panic included.
			defer func() {
				if completed {
					return
				}
				if err := store.Release(ctx, key); err != nil {
					logger.WithError(err).WithFields(fields).Error("Failed to release idempotency key")
				}
			}()

			rec := &recorder{ResponseWriter: w}
			next.ServeHTTP(rec, r)
			if rec.status == 0 {
				rec.status = http.StatusOK
			}

			if rec.status >= http.StatusInternalServerError {
				return
			}
			stored := Record{
				Status:      rec.status,
				ContentType: rec.Header().Get("Content-Type"),
				Body:        rec.body.Bytes(),
			}
			if err := store.Complete(ctx, key, stored, ttl); err != nil {
				logger.WithError(err).WithFields(fields).Error("Failed to store idempotent response")
				return
			}
			completed = true
		})
	}
}

func writeJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, _ := json.Marshal(payload)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}
