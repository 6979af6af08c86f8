// Copyright (c) 2026 SuperDash Authors
// Licensed under the PolyForm Noncommercial License 1.0.0

package emberplus

import (
	"bufio"
	"net"
	"strconv"
	"sync"

	"github.com/rs/zerolog"
	"github.com/superdash/aggregator/internal/log"
	"github.com/superdash/aggregator/internal/metrics"
)

// sessionOutboxSize bounds how many pending frames a slow consumer can
// queue before its updates are dropped; one slow peer never stalls the
// others.
const sessionOutboxSize = 64

// session is one connected Ember+ consumer.
type session struct {
	conn   net.Conn
	outbox chan []byte
	logger zerolog.Logger
}

// server accepts TCP connections, sends each new consumer the current
// full tree, answers keep-alives, rejects writes, and fans out
// per-parameter updates pushed via broadcast.
type server struct {
	port   int
	logger zerolog.Logger

	mu       sync.Mutex
	listener net.Listener
	sessions map[*session]struct{}
	running  bool

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

func newServer(port int) *server {
	return &server{
		port:     port,
		logger:   log.WithComponent("emberplus"),
		sessions: make(map[*session]struct{}),
	}
}

// start opens the listening socket and begins accepting connections.
// Idempotent: a second call while already running is a no-op.
func (s *server) start(t *tree) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}

	ln, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(s.port)))
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.listener = ln
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.mu.Unlock()

	go s.acceptLoop(ln, t)
	return nil
}

func (s *server) acceptLoop(ln net.Listener, t *tree) {
	defer close(s.doneCh)
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.stopCh:
				return
			default:
				s.logger.Warn().Err(err).Msg("emberplus: accept failed")
				return
			}
		}
		go s.serveConn(conn, t)
	}
}

func (s *server) serveConn(conn net.Conn, t *tree) {
	defer conn.Close()

	sess := &session{
		conn:   conn,
		outbox: make(chan []byte, sessionOutboxSize),
		logger: s.logger.With().Str("remote", conn.RemoteAddr().String()).Logger(),
	}

	s.mu.Lock()
	s.sessions[sess] = struct{}{}
	s.mu.Unlock()
	metrics.EmberPlusClients.Inc()

	defer func() {
		s.mu.Lock()
		delete(s.sessions, sess)
		s.mu.Unlock()
		metrics.EmberPlusClients.Dec()
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for frame := range sess.outbox {
			if _, err := conn.Write(frame); err != nil {
				return
			}
		}
	}()

	sess.outbox <- encodeFrame(frameGlow, t.encode())

	reader := bufio.NewReader(conn)
	for {
		kind, _, err := readFrame(reader)
		if err != nil {
			break
		}
		switch kind {
		case frameKeepAliveRequest:
			select {
			case sess.outbox <- encodeFrame(frameKeepAliveResp, nil):
			default:
				sess.logger.Warn().Msg("emberplus: outbox full, dropped keep-alive response")
			}
		case frameGlow:
			// Any inbound Glow frame from a consumer is, by construction
			// of this monitoring-only tree, an attempted write: the
			// provider never expects a consumer-initiated Glow request.
			sess.logger.Warn().Msg("emberplus: rejected consumer write attempt")
			select {
			case sess.outbox <- encodeFrame(frameWriteRejected, []byte("read-only tree")):
			default:
			}
		default:
		}
	}

	close(sess.outbox)
	<-writerDone
}

// broadcast sends one encoded tree branch to every connected consumer.
// Sessions whose outbox is full are skipped, matching the per-peer
// error-isolation policy.
func (s *server) broadcast(frame []byte) {
	s.mu.Lock()
	sessions := make([]*session, 0, len(s.sessions))
	for sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		select {
		case sess.outbox <- frame:
		default:
			sess.logger.Warn().Msg("emberplus: outbox full, dropped update")
		}
	}
}

// stop closes the listener and every connected session. Idempotent.
func (s *server) stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	ln := s.listener
	sessions := make([]*session, 0, len(s.sessions))
	for sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	s.stopOnce.Do(func() { close(s.stopCh) })
	if ln != nil {
		ln.Close()
	}
	for _, sess := range sessions {
		sess.conn.Close()
	}
	<-s.doneCh
}
