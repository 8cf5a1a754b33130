// Package httpd runs the HTTP listener with graceful shutdown. It knows
// nothing about routes: a handler is injected and served until the process
// is told to stop.
package httpd

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/netutil"
)

// Server serves an injected handler until shutdown
type Server interface {
	Serve() error
	Shutdown() error
	Addr() string
}

// Option for the server
type Option func(*defaultServer)

// HandlesRequestsWith handles the http requests to the server
func HandlesRequestsWith(h http.Handler) Option {
	return func(s *defaultServer) {
		s.handler = h
	}
}

// LogsWith provides a logger to the server
func LogsWith(l *zap.Logger) Option {
	return func(s *defaultServer) {
		if l != nil {
			s.logger = l
		}
	}
}

// ListensOn sets the listen address
func ListensOn(addr string) Option {
	return func(s *defaultServer) {
		if addr != "" {
			s.listenAddr = addr
		}
	}
}

// LimitsConnectionsTo caps concurrent connections on the listener
func LimitsConnectionsTo(limit int) Option {
	return func(s *defaultServer) {
		s.listenLimit = limit
	}
}

// WithTimeouts overrides the read and write timeouts
func WithTimeouts(read, write time.Duration) Option {
	return func(s *defaultServer) {
		s.readTimeout = read
		s.writeTimeout = write
	}
}

// OnShutdown runs the provided functions on shutdown
func OnShutdown(handlers ...func()) Option {
	return func(s *defaultServer) {
		if len(handlers) == 0 {
			return
		}
		s.onShutdown = func() {
			for _, run := range handlers {
				run()
			}
		}
	}
}

// New creates a server but does not start listening
func New(opts ...Option) Server {
	s := &defaultServer{
		listenAddr:      ":8080",
		readTimeout:     30 * time.Second,
		writeTimeout:    30 * time.Second,
		keepAlive:       3 * time.Minute,
		shutdownTimeout: 10 * time.Second,
		handler:         http.NotFoundHandler(),
		logger:          zap.NewNop(),
		interrupt:       make(chan os.Signal, 1),
		shutdown:        make(chan struct{}),
		onShutdown:      func() {},
	}
	for _, apply := range opts {
		apply(s)
	}
	return s
}

type defaultServer struct {
	listenAddr  string
	listenLimit int

	readTimeout     time.Duration
	writeTimeout    time.Duration
	keepAlive       time.Duration
	shutdownTimeout time.Duration

	handler    http.Handler
	logger     *zap.Logger
	onShutdown func()

	listener  net.Listener
	interrupt chan os.Signal
	shutdown  chan struct{}
	closeOnce sync.Once
}

// Listen binds the listener without serving yet, so the bound address is
// known before requests are accepted.
func (s *defaultServer) Listen() error {
	if s.listener != nil {
		return nil
	}
	l, err := net.Listen("tcp", s.listenAddr)
	if err != nil {
		return err
	}
	if s.listenLimit > 0 {
		l = netutil.LimitListener(l, s.listenLimit)
	}
	s.listener = l
	return nil
}

func (s *defaultServer) Addr() string {
	if s.listener == nil {
		return s.listenAddr
	}
	return s.listener.Addr().String()
}

// Serve accepts requests until Shutdown is called or a termination signal
// arrives, then drains in-flight requests within the shutdown timeout.
func (s *defaultServer) Serve() error {
	if err := s.Listen(); err != nil {
		return err
	}

	hsrv := &http.Server{
		Handler:      s.handler,
		ReadTimeout:  s.readTimeout,
		WriteTimeout: s.writeTimeout,
		IdleTimeout:  s.keepAlive,
	}
	hsrv.SetKeepAlivesEnabled(int64(s.keepAlive) > 0)

	signal.Notify(s.interrupt, syscall.SIGINT, syscall.SIGTERM)

	errC := make(chan error, 1)
	go func() {
		s.logger.Info("serving", zap.String("addr", s.listener.Addr().String()))
		if err := hsrv.Serve(s.listener); err != nil && err != http.ErrServerClosed {
			errC <- err
			return
		}
		errC <- nil
	}()

	select {
	case sig := <-s.interrupt:
		s.logger.Info("shutting down on signal", zap.String("signal", sig.String()))
	case <-s.shutdown:
		s.logger.Info("shutting down")
	case err := <-errC:
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	if err := hsrv.Shutdown(ctx); err != nil {
		s.logger.Warn("forced shutdown", zap.Error(err))
		_ = hsrv.Close()
	}
	s.onShutdown()
	return <-errC
}

// Shutdown stops the server from another goroutine. Idempotent.
func (s *defaultServer) Shutdown() error {
	s.closeOnce.Do(func() {
		close(s.shutdown)
	})
	return nil
}
