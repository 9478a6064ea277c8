package middleware

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"rewards-gateway/auth"
	"rewards-gateway/models"
)

// WithIdempotency replays the stored response for requests carrying an
// Idempotency-Key already seen, and records the response of first-time keys.
// Keys are scoped to the authenticated subject, so one caller's key can never
// replay a response recorded for another. Requests without the header pass
// through untouched.
func WithIdempotency(db *gorm.DB, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("Idempotency-Key")
		subject := auth.Subject(r.Context())
		if key == "" || subject == "" {
			next.ServeHTTP(w, r)
			return
		}

		var record models.IdempotencyKey
		if err := db.First(&record, "subject = ? AND key = ?", subject, key).Error; err == nil {
			w.Header().Set("Content-Type", "application/json")
			status := record.Status
			if status == 0 {
				status = http.StatusOK
			}
			w.WriteHeader(status)
			_, _ = w.Write([]byte(record.Response))
			return
		}

		recorder := &responseRecorder{ResponseWriter: w}
		next.ServeHTTP(recorder, r)

		payload := models.IdempotencyKey{
			Subject:   subject,
			Key:       key,
			RequestID: uuid.NewString(),
			Method:    r.Method,
			Path:      r.URL.Path,
			Status:    recorder.status,
			Response:  recorder.buf,
			CreatedAt: time.Now(),
		}
		if payload.Status == 0 {
			payload.Status = http.StatusOK
		}
		_ = db.Create(&payload).Error
	})
}

// responseRecorder captures the response for idempotent operations.
type responseRecorder struct {
	http.ResponseWriter
	buf    string
	status int
}

func (rr *responseRecorder) WriteHeader(status int) {
	rr.status = status
	rr.ResponseWriter.WriteHeader(status)
}

func (rr *responseRecorder) Write(b []byte) (int, error) {
	rr.buf += string(b)
	return rr.ResponseWriter.Write(b)
}
