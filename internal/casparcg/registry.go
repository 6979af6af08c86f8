// Copyright (c) 2026 SuperDash Authors
// Licensed under the PolyForm Noncommercial License 1.0.0

package casparcg

import (
	"net"
	"regexp"
	"strconv"
	"sync"

	"github.com/rs/zerolog"
	"github.com/superdash/aggregator/internal/log"
	"github.com/superdash/aggregator/internal/metrics"
	"golang.org/x/sync/singleflight"
)

// registryKey identifies a registered client by source IP plus the
// channel/layer its address prefix matches, so two CasparCG channels on
// one host do not overwrite each other. The IP-only key is kept as
// RegisterLegacy below for wire compatibility with deployments that
// rely on it.
type registryKey struct {
	ip      string
	channel int
	layer   int
}

var addrPrefixRe = regexp.MustCompile(`^/channel/(\d+)/stage/layer/(\d+)/`)

// SharedListener multiplexes one process-wide UDP socket across multiple
// CasparCG clients, keyed by the source address of the pushing server.
// Exactly one SharedListener exists per configured port; the aggregator
// owns its lifetime.
type SharedListener struct {
	port   int
	logger zerolog.Logger

	mu         sync.Mutex
	conn       *net.UDPConn
	isRunning  bool
	isStarting bool
	strict     map[registryKey]*Client
	legacy     map[string]*Client

	sf singleflight.Group
}

// NewSharedListener builds a listener bound lazily to 0.0.0.0:port on the
// first registration.
func NewSharedListener(port int) *SharedListener {
	return &SharedListener{
		port:   port,
		logger: log.WithComponent("casparcg-listener").With().Int("port", port).Logger(),
		strict: make(map[registryKey]*Client),
		legacy: make(map[string]*Client),
	}
}

// Register attaches a client keyed by (ip, channel, layer). If the socket
// is not yet open or opening, this call starts opening it in the
// background (deduped via singleflight so concurrent registrations only
// open one socket); existing registrations are left untouched. No client
// is notified when the socket becomes ready: a client counts as
// connected from its first routed message.
func (l *SharedListener) Register(ip string, channel, layer int, c *Client) {
	key := registryKey{ip: ip, channel: channel, layer: layer}
	l.mu.Lock()
	l.strict[key] = c
	l.mu.Unlock()
	l.ensureStarted()
}

// RegisterLegacy attaches a client keyed only by source IP, overwriting
// any previous legacy registration for that IP. Kept for deployments
// that relied on the historical IP-only routing.
func (l *SharedListener) RegisterLegacy(ip string, c *Client) {
	l.mu.Lock()
	l.legacy[ip] = c
	l.mu.Unlock()
	l.ensureStarted()
}

// Unregister removes every registration for a client. If the registry
// becomes empty, the socket is closed and both running flags cleared.
func (l *SharedListener) Unregister(c *Client) {
	l.mu.Lock()
	for k, v := range l.strict {
		if v == c {
			delete(l.strict, k)
		}
	}
	for k, v := range l.legacy {
		if v == c {
			delete(l.legacy, k)
		}
	}
	empty := len(l.strict) == 0 && len(l.legacy) == 0
	var conn *net.UDPConn
	if empty {
		conn = l.conn
		l.conn = nil
		l.isRunning = false
		l.isStarting = false
	}
	l.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
}

// ensureStarted opens the shared socket at most once, even under
// concurrent registration attempts, via singleflight.
func (l *SharedListener) ensureStarted() {
	l.mu.Lock()
	if l.isRunning {
		l.mu.Unlock()
		return
	}
	if l.isStarting {
		l.mu.Unlock()
		return
	}
	l.isStarting = true
	l.mu.Unlock()

	go func() {
		_, _, _ = l.sf.Do("start", func() (any, error) {
			l.start()
			return nil, nil
		})
	}()
}

func (l *SharedListener) start() {
	addr := &net.UDPAddr{IP: net.IPv4zero, Port: l.port}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		l.logger.Warn().Err(err).Msg("casparcg shared listener bind failed")
		l.mu.Lock()
		l.isStarting = false
		l.mu.Unlock()
		return
	}

	l.mu.Lock()
	l.conn = conn
	l.isRunning = true
	l.isStarting = false
	l.mu.Unlock()

	l.logger.Info().Msg("casparcg shared listener started")
	go l.readLoop(conn)
}

func (l *SharedListener) readLoop(conn *net.UDPConn) {
	buf := make([]byte, 64*1024)
	for {
		n, src, err := conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		l.dispatch(addrString(src.IP), data)
	}
}

// dispatch decodes one datagram and routes each contained message to its
// registered client, then flushes every client touched by the datagram
// exactly once so a multi-message bundle emits a single normalised state
// event. Messages from a source not in the registry are dropped
// silently.
func (l *SharedListener) dispatch(ip string, data []byte) {
	msgs, err := DecodeMessages(data)
	if err != nil {
		l.logger.Debug().Err(err).Str("src", ip).Msg("malformed casparcg osc packet")
		metrics.ProtocolErrorsTotal.WithLabelValues("casparcg", "osc_decode").Inc()
		return
	}

	touched := make(map[*Client]bool)
	for _, msg := range msgs {
		client := l.lookup(ip, msg.Address)
		if client == nil {
			continue
		}
		client.handleMessage(msg)
		touched[client] = true
	}
	for client := range touched {
		client.flush()
	}
}

func (l *SharedListener) lookup(ip, address string) *Client {
	l.mu.Lock()
	defer l.mu.Unlock()

	if m := addrPrefixRe.FindStringSubmatch(address); m != nil {
		channel, _ := strconv.Atoi(m[1])
		layer, _ := strconv.Atoi(m[2])
		if c, ok := l.strict[registryKey{ip: ip, channel: channel, layer: layer}]; ok {
			return c
		}
	}
	return l.legacy[ip]
}

// addrString formats a net.IP for use as a registry key, stripping any
// IPv4-in-IPv6 wrapping so "127.0.0.1" and "::ffff:127.0.0.1" key
// identically.
func addrString(ip net.IP) string {
	if v4 := ip.To4(); v4 != nil {
		return v4.String()
	}
	return ip.String()
}
