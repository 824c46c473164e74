package server

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"time"

	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/gaspardpetit/livediff/internal/logx"
)

type loggingResponseWriter struct {
	http.ResponseWriter
	status int
}

func (lw *loggingResponseWriter) WriteHeader(status int) {
	lw.status = status
	lw.ResponseWriter.WriteHeader(status)
}

func (lw *loggingResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := lw.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, fmt.Errorf("hijacker not supported")
}

func (lw *loggingResponseWriter) Flush() {
	if f, ok := lw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// MiddlewareChain returns the middlewares applied to every route.
func MiddlewareChain() []func(http.Handler) http.Handler {
	return []func(http.Handler) http.Handler{
		chiMiddleware.RequestID,
		chiMiddleware.Recoverer,
		requestLogger,
	}
}

// requestLogger logs every request at debug level and mutating requests at
// info level. Frame polling would otherwise flood the log.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(lrw, r)
		lvl := zerolog.DebugLevel
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			lvl = zerolog.InfoLevel
		}
		logx.Log.WithLevel(lvl).
			Str("method", r.Method).
			Str("url", r.URL.String()).
			Int("status", lrw.status).
			Dur("duration", time.Since(start)).
			Str("request_id", chiMiddleware.GetReqID(r.Context())).
			Msg("http")
	})
}
