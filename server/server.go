package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"strings"
	"sync"
	"time"

	"minidns/forge"
	"minidns/stats"
)

// ForgePolicy selects whether and how responses are fanned out.
type ForgePolicy struct {
	Variant forge.Variant
	Count   int

	// Destination override; the zero value replies to the sender.
	Target netip.AddrPort

	// Forge only names containing Marker; empty forges every response.
	Marker string

	Rate float64
	Rand forge.Rand
}

// Server represents a DNS server
type Server struct {
	addr   string
	engine *Engine
	stats  *stats.Stats
	lg     *slog.Logger
	policy ForgePolicy

	conn     *net.UDPConn
	emitter  *forge.Emitter
	shutdown chan struct{}
	wg       sync.WaitGroup
}

// NewServer creates a new DNS server listening on addr.
func NewServer(addr string, engine *Engine, s *stats.Stats, lg *slog.Logger, policy ForgePolicy) *Server {
	if lg == nil {
		lg = slog.Default()
	}
	policy.Marker = strings.ToLower(policy.Marker)
	return &Server{
		addr:     addr,
		engine:   engine,
		stats:    s,
		lg:       lg,
		policy:   policy,
		shutdown: make(chan struct{}),
	}
}

// Start starts the DNS server
func (s *Server) Start() error {
	addr, err := net.ResolveUDPAddr("udp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to resolve address: %w", err)
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	s.conn = conn
	opts := []forge.Option{
		forge.WithLogger(s.lg.With(slog.String("component", "forge"))),
		forge.WithRate(s.policy.Rate, 1),
	}
	if s.policy.Rand != nil {
		opts = append(opts, forge.WithRand(s.policy.Rand))
	}
	s.emitter = forge.NewEmitter(conn, opts...)

	s.lg.Info("DNS server listening", slog.String("addr", conn.LocalAddr().String()),
		slog.String("forge", s.policy.Variant.String()))

	s.wg.Add(1)
	go s.handleRequests()

	return nil
}

// LocalAddr returns the bound address, useful when listening on port 0.
func (s *Server) LocalAddr() net.Addr {
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}

// Stop stops the DNS server and waits for in-flight requests.
func (s *Server) Stop() {
	close(s.shutdown)
	if s.conn != nil {
		s.conn.Close()
	}
	s.wg.Wait()
	s.lg.Info("DNS server stopped", slog.Uint64("requests", s.engine.Requests()))
}

// handleRequests handles incoming DNS requests
func (s *Server) handleRequests() {
	defer s.wg.Done()

	buffer := make([]byte, 512) // no EDNS0, queries fit in 512 bytes

	for {
		select {
		case <-s.shutdown:
			return
		default:
		}

		s.conn.SetReadDeadline(time.Now().Add(1 * time.Second))
		n, client, err := s.conn.ReadFromUDPAddrPort(buffer)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.lg.Warn("read from UDP", slog.String("error", err.Error()))
			continue
		}

		data := make([]byte, n)
		copy(data, buffer[:n])

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleRequest(data, client)
		}()
	}
}

// handleRequest handles a single DNS request
func (s *Server) handleRequest(data []byte, client netip.AddrPort) {
	startTime := time.Now()

	res := s.engine.Respond(data, client)
	if !res.Send {
		s.lg.Info("response suppressed", slog.Uint64("seq", res.Seq),
			slog.String("domain", res.Question.Name.String()))
		return
	}

	variant := s.policy.Variant
	if variant != forge.Off && s.policy.Marker != "" &&
		!strings.Contains(strings.ToLower(res.Question.Name.String()), s.policy.Marker) {
		variant = forge.Off
	}

	dst := client
	if s.policy.Target.IsValid() {
		dst = s.policy.Target
	}

	switch variant {
	case forge.TransactionID:
		r := s.emitter.TransactionIDs(res.Payload[2:], dst, s.policy.Count)
		s.recordForged(r)
	case forge.SourcePort:
		r := s.emitter.SourcePorts(res.Payload, dst, s.policy.Count)
		s.recordForged(r)
	default:
		_, err := s.conn.WriteToUDPAddrPort(res.Payload, client)
		if err != nil {
			s.lg.Warn("send response", slog.Uint64("seq", res.Seq),
				slog.String("dst", client.String()), slog.String("error", err.Error()))
			return
		}
	}

	if s.stats != nil {
		s.stats.RecordResponse(time.Since(startTime))
	}
}

func (s *Server) recordForged(r forge.Report) {
	if s.stats != nil {
		s.stats.RecordForged(r.Sent, r.Failed)
	}
}
