package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/smallbiznis/pantry-auth/internal/config"
)

// HTTPServer serves the router on HTTP_PORT. Start binds synchronously so a busy port
// fails application startup instead of a background goroutine.
type HTTPServer struct {
	srv    *http.Server
	logger *zap.Logger

	ln   net.Listener
	done chan error
}

// NewHTTPServer builds the server around router.
func NewHTTPServer(cfg config.Config, router *gin.Engine, logger *zap.Logger) *HTTPServer {
	router.HandleMethodNotAllowed = true
	return newHTTPServer(":"+cfg.HTTPPort, router, logger)
}

func newHTTPServer(addr string, h http.Handler, logger *zap.Logger) *HTTPServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPServer{
		srv: &http.Server{
			Addr:              addr,
			Handler:           h,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       2 * time.Minute,
			ErrorLog:          zap.NewStdLog(logger.Named("http")),
		},
		logger: logger,
	}
}

// Addr is the bound address once Start has returned.
func (s *HTTPServer) Addr() string {
	if s.ln == nil {
		return s.srv.Addr
	}
	return s.ln.Addr().String()
}

// Start binds the listener and serves in the background.
func (s *HTTPServer) Start(context.Context) error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.srv.Addr, err)
	}
	s.ln = ln
	s.done = make(chan error, 1)
	go func() {
		err := s.srv.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		s.done <- err
	}()
	s.logger.Info("http server listening", zap.String("addr", s.Addr()))
	return nil
}

// Stop drains in-flight requests until ctx expires.
func (s *HTTPServer) Stop(ctx context.Context) error {
	if s.done == nil {
		return nil
	}
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-s.done; err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	s.logger.Info("http server stopped")
	return nil
}

// Run serves until ctx is cancelled or the listener fails, then shuts down within
// grace.
func (s *HTTPServer) Run(ctx context.Context, grace time.Duration) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), grace)
		defer cancel()
		return s.Stop(stopCtx)
	})
	return g.Wait()
}
