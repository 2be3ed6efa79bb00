package middleware

import (
	"net/http"

	"github.com/therr/realtime-server-go/internal/config"
)

type BodyLimitMiddleware struct {
	maxSize int64
}

// NewBodyLimitMiddleware caps request bodies at maxSize bytes, or at
// config.MaxRequestBodyBytes when maxSize is not positive.
func NewBodyLimitMiddleware(maxSize int64) *BodyLimitMiddleware {
	if maxSize <= 0 {
		maxSize = config.MaxRequestBodyBytes
	}
	return &BodyLimitMiddleware{maxSize: maxSize}
}

func (m *BodyLimitMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil && r.ContentLength > m.maxSize {
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{
				"error": "Request body too large",
				"code":  "REQUEST_TOO_LARGE",
			})
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, m.maxSize)
		next.ServeHTTP(w, r)
	})
}
