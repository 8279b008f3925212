package api

import (
	"bytes"
	"io"
	"log"
	"net/http"
	"strings"
	"time"
)

const maxLoggedBody = 10000

// LoggingMiddleware logs all HTTP requests with JSON request/response bodies.
// Credentials and binary bodies are never logged.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		logBodies := r.URL.Path != "/auth" && !strings.HasPrefix(r.URL.Path, "/media/")

		// Read and log request body
		var requestBody []byte
		if logBodies && r.Body != nil {
			requestBody, _ = io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(requestBody)) // Restore body for handler
		}

		log.Printf("[%s] %s %s", r.Method, r.URL.Path, r.RemoteAddr)
		if len(requestBody) > 0 && len(requestBody) < maxLoggedBody {
			log.Printf("  Request Body: %s", string(requestBody))
		}

		wrapped := &responseWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
			capture:        logBodies,
		}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)
		log.Printf("[%s] %s - %d (%v)", r.Method, r.URL.Path, wrapped.statusCode, duration)
		if wrapped.body.Len() > 0 && !wrapped.truncated {
			log.Printf("  Response Body: %s", wrapped.body.String())
		}
	})
}

// responseWriter wraps http.ResponseWriter to capture status code and body
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	capture    bool
	body       bytes.Buffer
	truncated  bool
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if rw.capture && !rw.truncated {
		if rw.body.Len()+len(b) < maxLoggedBody {
			rw.body.Write(b)
		} else {
			rw.truncated = true
			rw.body.Reset()
		}
	}
	return rw.ResponseWriter.Write(b)
}
