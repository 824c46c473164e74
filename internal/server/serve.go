package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gaspardpetit/livediff/internal/logx"
)

// TLSFiles names a certificate and key pair. The zero value serves plain HTTP.
type TLSFiles struct {
	CertFile string
	KeyFile  string
}

// ShutdownTimeout bounds how long in-flight requests may run after shutdown starts.
const ShutdownTimeout = 5 * time.Second

func (t TLSFiles) enabled() bool { return t.CertFile != "" && t.KeyFile != "" }

// ServeUntilContext starts an HTTP server bound to addr and shuts it down when ctx is done.
// It returns the resolved listen address and a channel closed once the server
// has stopped, after in-flight requests drained or the shutdown grace period ran out.
func ServeUntilContext(ctx context.Context, addr string, handler http.Handler, tls TLSFiles) (string, <-chan struct{}, error) {
	srv := &http.Server{Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", nil, err
	}
	actual := ln.Addr().String()
	served := make(chan struct{})
	go func() {
		defer close(served)
		var err error
		if tls.enabled() {
			err = srv.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = srv.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logx.Log.Error().Err(err).Str("addr", actual).Msg("control server stopped")
		}
	}()
	done := make(chan struct{})
	go func() {
		defer close(done)
		select {
		case <-ctx.Done():
		case <-served:
			return
		}
		c, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(c); err != nil {
			logx.Log.Warn().Err(err).Str("addr", actual).Msg("control server shutdown")
		}
		<-served
	}()
	return actual, done, nil
}
