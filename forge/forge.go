// Package forge sends batches of response variants that differ only in the
// transaction ID or in the destination port, to measure how a resolver
// copes with blind spoofing attempts.
package forge

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/netip"
	"slices"

	"golang.org/x/time/rate"
)

// Sender is the socket side of the emitter. *net.UDPConn implements it.
type Sender interface {
	WriteToUDPAddrPort(b []byte, addr netip.AddrPort) (int, error)
}

// Rand is the source for drawn IDs and ports.
type Rand interface {
	IntN(n int) int
}

type globalRand struct{}

func (globalRand) IntN(n int) int { return rand.IntN(n) }

// Variant is the header or address field that changes across a batch.
type Variant int

const (
	Off Variant = iota
	TransactionID
	SourcePort
)

func (v Variant) String() string {
	switch v {
	case Off:
		return "off"
	case TransactionID:
		return "txid"
	case SourcePort:
		return "port"
	default:
		return "unknown"
	}
}

// ParseVariant accepts "off", "txid" and "port".
func ParseVariant(s string) (Variant, error) {
	switch s {
	case "", "off", "none":
		return Off, nil
	case "txid", "id", "transaction_id":
		return TransactionID, nil
	case "port", "source_port":
		return SourcePort, nil
	default:
		return Off, fmt.Errorf("unknown forge mode: %q", s)
	}
}

// Report summarizes one batch.
type Report struct {
	Variant Variant
	Sent    int
	Failed  int

	// Drawn values in send order.
	Values []uint16
}

// Emitter sends forged batches. A batch always runs to completion: failed
// sends are logged and counted but do not stop it.
type Emitter struct {
	conn    Sender
	rng     Rand
	lg      *slog.Logger
	limiter *rate.Limiter
}

// Option configures an Emitter.
type Option func(*Emitter)

// WithRand sets the random source. The emitter does not lock it.
func WithRand(r Rand) Option {
	return func(e *Emitter) { e.rng = r }
}

// WithLogger sets the logger for per-datagram and batch messages.
func WithLogger(lg *slog.Logger) Option {
	return func(e *Emitter) { e.lg = lg }
}

// WithRate paces sends to perSecond datagrams per second. Zero or less
// disables pacing.
func WithRate(perSecond float64, burst int) Option {
	return func(e *Emitter) {
		if perSecond <= 0 {
			e.limiter = nil
			return
		}
		e.limiter = rate.NewLimiter(rate.Limit(perSecond), max(burst, 1))
	}
}

func NewEmitter(conn Sender, opts ...Option) *Emitter {
	e := &Emitter{
		conn: conn,
		rng:  globalRand{},
		lg:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Draw returns count values drawn uniformly from [1, 65535], sorted
// ascending. Duplicates are kept.
func Draw(rng Rand, count int) []uint16 {
	if count <= 0 {
		return nil
	}
	values := make([]uint16, count)
	for i := range values {
		values[i] = uint16(rng.IntN(0xFFFF) + 1)
	}
	slices.Sort(values)
	return values
}

// TransactionIDs prefixes payload (a response without its first two
// bytes) with count drawn IDs and sends every result to dst.
func (e *Emitter) TransactionIDs(payload []byte, dst netip.AddrPort, count int) Report {
	r := Report{Variant: TransactionID, Values: Draw(e.rng, count)}
	e.lg.Info("forge batch", slog.String("variant", r.Variant.String()),
		slog.String("dst", dst.String()), slog.Int("count", count))

	for i, id := range r.Values {
		buf := make([]byte, 2+len(payload))
		binary.BigEndian.PutUint16(buf, id)
		copy(buf[2:], payload)

		e.send(&r, i, id, buf, dst)
	}
	return r
}

// SourcePorts sends resp unchanged to dst's address on count drawn ports.
func (e *Emitter) SourcePorts(resp []byte, dst netip.AddrPort, count int) Report {
	r := Report{Variant: SourcePort, Values: Draw(e.rng, count)}
	e.lg.Info("forge batch", slog.String("variant", r.Variant.String()),
		slog.String("dst", dst.Addr().String()), slog.Int("count", count))

	for i, port := range r.Values {
		e.send(&r, i, port, resp, netip.AddrPortFrom(dst.Addr(), port))
	}
	return r
}

func (e *Emitter) send(r *Report, i int, value uint16, buf []byte, dst netip.AddrPort) {
	if e.limiter != nil {
		// background context: batches are not cancellable
		_ = e.limiter.Wait(context.Background())
	}

	_, err := e.conn.WriteToUDPAddrPort(buf, dst)
	if err != nil {
		r.Failed++
		e.lg.Warn("forge send", slog.Int("index", i+1), slog.Int("value", int(value)),
			slog.String("dst", dst.String()), slog.String("error", err.Error()))
		return
	}
	r.Sent++
	e.lg.Debug("forge send", slog.Int("index", i+1), slog.Int("value", int(value)),
		slog.String("dst", dst.String()))
}
