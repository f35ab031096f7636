package icap

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Server accepts ICAP connections and serves each one on its own goroutine.
type Server struct {
	// Addr is the TCP address for ListenAndServe, ":1344" if empty.
	Addr     string
	Services *Registry

	// TLSConfig is required for TLSImplicit and TLSUpgrade.
	TLSConfig *tls.Config
	TLSMode   TLSMode

	Logger zerolog.Logger
	// AccessLog receives one line per transaction when set.
	AccessLog *zerolog.Logger
	// LogBodies adds sanitized body summaries to the access log.
	LogBodies bool
	Metrics   *Metrics

	// ISTag is used when a service sets none.
	ISTag string
	// IdleTimeout bounds the wait for the first byte of the next request and
	// the TLS handshake after an upgrade. Once a request has started it is
	// read without a deadline. 0 waits forever.
	IdleTimeout time.Duration
	// WriteTimeout bounds each response write; 0 disables it.
	WriteTimeout time.Duration
	// MaxBodySize limits a decoded body; 0 is unlimited.
	MaxBodySize int64

	inShutdown atomic.Bool
	mu         sync.Mutex
	listeners  map[net.Listener]struct{}
	conns      map[*conn]struct{}
	wg         sync.WaitGroup
}

// NewServer returns a plaintext server for services with a freshly
// generated ISTag.
func NewServer(addr string, services *Registry) *Server {
	return &Server{
		Addr:     addr,
		Services: services,
		Logger:   zerolog.Nop(),
		ISTag:    NewISTag(),
	}
}

// NewISTag returns a quoted tag unique to this process start, so proxies
// drop cached OPTIONS answers after a restart.
func NewISTag() string {
	return fmt.Sprintf("%q", "icapd-"+uuid.NewString()[:8])
}

// ListenAndServe listens on Addr and calls Serve.
func (s *Server) ListenAndServe() error {
	if s.shuttingDown() {
		return ErrServerClosed
	}
	addr := s.Addr
	if addr == "" {
		addr = ":1344"
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Shutdown. It always returns a
// non-nil error; after Shutdown it is ErrServerClosed.
func (s *Server) Serve(ln net.Listener) error {
	if s.TLSMode != TLSOff && s.TLSConfig == nil {
		return fmt.Errorf("icap: TLS mode %s requires a TLS config", s.TLSMode)
	}
	if s.TLSMode == TLSImplicit {
		ln = tls.NewListener(ln, s.TLSConfig)
	}
	if !s.trackListener(ln, true) {
		return ErrServerClosed
	}
	defer s.trackListener(ln, false)

	s.Logger.Info().Str("addr", ln.Addr().String()).Str("tls", s.TLSMode.String()).Msg("ICAP server listening")

	var delay time.Duration
	for {
		rwc, err := ln.Accept()
		if err != nil {
			if s.shuttingDown() {
				return ErrServerClosed
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			if delay == 0 {
				delay = 5 * time.Millisecond
			} else if delay *= 2; delay > time.Second {
				delay = time.Second
			}
			s.Logger.Warn().Err(err).Dur("retry_in", delay).Msg("accept error")
			time.Sleep(delay)
			continue
		}
		delay = 0
		c := s.newConn(rwc)
		if !s.trackConn(c, true) {
			_ = rwc.Close()
			return ErrServerClosed
		}
		go c.serve()
	}
}

// Shutdown stops accepting, closes idle connections, and waits for the
// others to finish their current request. When ctx expires first the
// remaining connections are closed and ctx.Err() is returned.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.inShutdown.Store(true)
	for ln := range s.listeners {
		_ = ln.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		s.closeIdleConns()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			s.mu.Lock()
			for c := range s.conns {
				c.forceClose()
			}
			s.mu.Unlock()
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *Server) closeIdleConns() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		if c.idle.Load() {
			c.forceClose()
		}
	}
}

func (s *Server) shuttingDown() bool {
	return s.inShutdown.Load()
}

func (s *Server) trackListener(ln net.Listener, add bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		if s.shuttingDown() {
			return false
		}
		if s.listeners == nil {
			s.listeners = make(map[net.Listener]struct{})
		}
		s.listeners[ln] = struct{}{}
		return true
	}
	delete(s.listeners, ln)
	return true
}

func (s *Server) trackConn(c *conn, add bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		if s.shuttingDown() {
			return false
		}
		if s.conns == nil {
			s.conns = make(map[*conn]struct{})
		}
		s.conns[c] = struct{}{}
		s.wg.Add(1)
		s.Metrics.connOpened()
		return true
	}
	if _, ok := s.conns[c]; ok {
		delete(s.conns, c)
		s.wg.Done()
		s.Metrics.connClosed()
	}
	return true
}
