// Package probe is the requester side of the 0x20 integrity check. It
// sends queries with a mixed-case check name and compares the question
// echoed in the response with what was sent.
package probe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"

	mdns "github.com/miekg/dns"

	"minidns/dns"
)

var ErrNoQuestion = errors.New("response has no question")

// Verdict classifies the echoed question name.
type Verdict int

const (
	// Echoed exactly as sent.
	Preserved Verdict = iota
	// Same name, different case.
	CaseChanged
	// A different name altogether.
	Mismatch
)

func (v Verdict) String() string {
	switch v {
	case Preserved:
		return "preserved"
	case CaseChanged:
		return "case_changed"
	case Mismatch:
		return "mismatch"
	default:
		return "unknown"
	}
}

// Result is the outcome of one probe query.
type Result struct {
	Sent    string
	Echoed  string
	Verdict Verdict
	Rcode   int
	Answers []mdns.RR
	RTT     time.Duration
}

// Compare classifies echoed against sent.
func Compare(sent, echoed string) Verdict {
	switch {
	case sent == echoed:
		return Preserved
	case strings.EqualFold(sent, echoed):
		return CaseChanged
	default:
		return Mismatch
	}
}

// Prober sends check queries to one server.
type Prober struct {
	server string
	client *mdns.Client
	rng    dns.Rand
	lg     *slog.Logger

	checkMarker   string
	recheckMarker string
}

// Option configures a Prober.
type Option func(*Prober)

// WithRand sets the source for case mixing and name tokens.
func WithRand(r dns.Rand) Option {
	return func(p *Prober) { p.rng = r }
}

func WithLogger(lg *slog.Logger) Option {
	return func(p *Prober) { p.lg = lg }
}

func WithTimeout(d time.Duration) Option {
	return func(p *Prober) { p.client.Timeout = d }
}

// WithMarkers overrides the check and recheck name prefixes.
func WithMarkers(check, recheck string) Option {
	return func(p *Prober) {
		p.checkMarker = check
		p.recheckMarker = recheck
	}
}

// New returns a prober for server ("host:port").
func New(server string, opts ...Option) *Prober {
	p := &Prober{
		server:        server,
		client:        &mdns.Client{Net: "udp", Timeout: 2 * time.Second},
		lg:            slog.Default(),
		checkMarker:   "check_",
		recheckMarker: "re_check_",
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// CheckName returns a fresh check name below zone. With recheck set the
// name carries the recheck marker, which asks the server to echo it
// unmodified.
func (p *Prober) CheckName(zone string, recheck bool) string {
	marker := p.checkMarker
	if recheck {
		marker = p.recheckMarker
	}
	return marker + p.token() + "." + mdns.Fqdn(strings.TrimPrefix(zone, "."))
}

const tokenChars = "abcdefghijklmnopqrstuvwxyz0123456789"

func (p *Prober) token() string {
	var b strings.Builder
	for range 8 {
		b.WriteByte(tokenChars[p.intN(len(tokenChars))])
	}
	return b.String()
}

func (p *Prober) intN(n int) int {
	if p.rng == nil {
		return rand.IntN(n)
	}
	return p.rng.IntN(n)
}

// Check sends name with its letters case-mixed and reports how the
// question came back.
func (p *Prober) Check(ctx context.Context, name string, qtype uint16) (Result, error) {
	sent := dns.SwapCase(mdns.Fqdn(name), p.rng)

	m := new(mdns.Msg)
	m.SetQuestion(sent, qtype)
	m.RecursionDesired = false

	ctx, cancel := context.WithTimeout(ctx, p.client.Timeout)
	defer cancel()

	in, rtt, err := p.client.ExchangeContext(ctx, m, p.server)
	if err != nil {
		return Result{Sent: sent}, fmt.Errorf("exchange %s: %w", p.server, err)
	}
	if len(in.Question) == 0 {
		return Result{Sent: sent, Rcode: in.Rcode}, ErrNoQuestion
	}

	res := Result{
		Sent:    sent,
		Echoed:  in.Question[0].Name,
		Rcode:   in.Rcode,
		Answers: in.Answer,
		RTT:     rtt,
	}
	res.Verdict = Compare(res.Sent, res.Echoed)

	p.lg.Info("probe",
		slog.String("sent", res.Sent),
		slog.String("echoed", res.Echoed),
		slog.String("verdict", res.Verdict.String()),
		slog.Int("answers", len(res.Answers)),
		slog.Duration("rtt", rtt))
	return res, nil
}
