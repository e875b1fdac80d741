package server

import (
	"context"
	"encoding/hex"
	"log/slog"
	"net/netip"
	"strconv"
	"strings"
	"sync/atomic"

	"minidns/dns"
	"minidns/reqlog"
	"minidns/stats"
	"minidns/zone"
)

// Markers are the name substrings that switch request policies. They are
// matched against the lowercased query name.
type Markers struct {
	Check    string // 0x20 integrity probe
	Recheck  string // probe that must be echoed unmodified
	Suppress string // never answer
}

// DefaultMarkers returns the markers the probe tooling uses.
func DefaultMarkers() Markers {
	return Markers{
		Check:    "check_",
		Recheck:  "re_check_",
		Suppress: "tor_dont_response",
	}
}

// Modes are the behaviour switches of the engine.
type Modes struct {
	Adversary       bool // answer from the fake store
	CaseCheck       bool // permute the case of check names
	ForceNoResponse bool // drop names carrying the suppress marker
	LegacyQuestion  bool // historic question trailer, see dns.AppendQuestionLegacy

	Markers Markers
}

// RequestSink persists one entry per handled request.
type RequestSink interface {
	Append(e reqlog.Entry) error
}

// Engine turns one query datagram into one response. It is safe for
// concurrent use: zone stores are read-only and the only mutable state is
// the request counter.
type Engine struct {
	real  *zone.Store
	fake  *zone.Store
	modes Modes

	rng   dns.Rand
	lg    *slog.Logger
	sink  RequestSink
	stats *stats.Stats

	// Request sequence number, for log correlation only.
	seq atomic.Uint64
}

// Option configures an Engine.
type Option func(*Engine)

// WithRand sets the random source for case permutation. It must be safe
// for concurrent use, see NewLockedRand.
func WithRand(r dns.Rand) Option {
	return func(e *Engine) { e.rng = r }
}

func WithLogger(lg *slog.Logger) Option {
	return func(e *Engine) { e.lg = lg }
}

func WithRequestLog(sink RequestSink) Option {
	return func(e *Engine) { e.sink = sink }
}

func WithStats(s *stats.Stats) Option {
	return func(e *Engine) { e.stats = s }
}

// NewEngine creates an engine answering from real, or from fake when
// modes.Adversary is set. Empty markers take their default.
func NewEngine(real, fake *zone.Store, modes Modes, opts ...Option) *Engine {
	def := DefaultMarkers()
	if modes.Markers.Check == "" {
		modes.Markers.Check = def.Check
	}
	if modes.Markers.Recheck == "" {
		modes.Markers.Recheck = def.Recheck
	}
	if modes.Markers.Suppress == "" {
		modes.Markers.Suppress = def.Suppress
	}
	modes.Markers.Check = strings.ToLower(modes.Markers.Check)
	modes.Markers.Recheck = strings.ToLower(modes.Markers.Recheck)
	modes.Markers.Suppress = strings.ToLower(modes.Markers.Suppress)

	if real == nil {
		real = zone.NewStore()
	}
	if fake == nil {
		fake = zone.NewStore()
	}

	e := &Engine{
		real:  real,
		fake:  fake,
		modes: modes,
		lg:    slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Result is the outcome of Respond.
type Result struct {
	// Encoded response. Always a complete message, even when Send is false.
	Payload []byte

	// False when the response must not be transmitted.
	Send bool

	Seq      uint64
	Header   dns.MessageHeader
	Question dns.Question
	Answer   zone.Answer

	// Name written to the response question section.
	Echoed dns.Name

	// Case-permuted name, set for check queries in case check mode.
	ModifiedDomain string

	Category reqlog.Category

	// Set when the query could not be fully decoded.
	DecodeErr error
}

// Respond decodes data, resolves the question and encodes the answer.
// It never fails: malformed queries and zone misses produce a valid
// response with an empty answer section.
func (e *Engine) Respond(data []byte, from netip.AddrPort) Result {
	seq := e.seq.Add(1)

	h, q, decodeErr := dns.ParseQuery(data)
	if decodeErr != nil {
		e.lg.Debug("malformed query", slog.Uint64("seq", seq),
			slog.String("src", from.String()), slog.String("error", decodeErr.Error()))
	}

	store := e.real
	if e.modes.Adversary {
		store = e.fake
	}
	ans := store.Lookup(q.Name, q.Type)

	domain := q.Name.String()
	lower := strings.ToLower(domain)
	checking := strings.Contains(lower, e.modes.Markers.Check)

	echoed := q.Name
	var modified string
	if e.modes.CaseCheck && checking {
		modified = domain
		if !strings.Contains(lower, e.modes.Markers.Recheck) {
			echoed = dns.RandomizeCase(q.Name, e.rng)
			modified = echoed.String()
		}
	}

	category := reqlog.Normal
	if checking {
		category = reqlog.Checking
	}

	res := Result{
		Send:           true,
		Seq:            seq,
		Header:         h,
		Question:       q,
		Answer:         ans,
		Echoed:         echoed,
		ModifiedDomain: modified,
		Category:       category,
		DecodeErr:      decodeErr,
	}

	e.logRequest(&res, from)
	if e.sink != nil {
		err := e.sink.Append(reqlog.Entry{
			Status:         ans.Status.String(),
			TransactionID:  strconv.Itoa(int(h.ID)),
			RecordType:     q.Type.String(),
			SrcIP:          from.Addr().String(),
			SrcPort:        strconv.Itoa(int(from.Port())),
			Domain:         domain,
			ModifiedDomain: modified,
			Category:       category,
		})
		if err != nil {
			e.lg.Error("request log", slog.Uint64("seq", seq), slog.String("error", err.Error()))
		}
	}

	if e.modes.ForceNoResponse && strings.Contains(lower, e.modes.Markers.Suppress) {
		res.Send = false
	}

	msg := dns.BuildResponse(h, dns.Question{Name: echoed, Type: q.Type, Class: dns.ClassINET}, ans.Records)
	msg.LegacyQuestion = e.modes.LegacyQuestion
	payload, err := msg.ToBytes()
	if err != nil {
		e.lg.Error("encode answer", slog.Uint64("seq", seq), slog.String("error", err.Error()))
	}
	res.Payload = payload

	if e.lg.Enabled(context.Background(), slog.LevelDebug) {
		e.lg.Debug("wire", slog.Uint64("seq", seq),
			slog.String("query", hex.EncodeToString(data)),
			slog.String("response", hex.EncodeToString(payload)),
			slog.Bool("send", res.Send))
	}

	if e.stats != nil {
		e.stats.RecordQuery(lower, q.Type)
		e.stats.RecordLookup(ans.Status.String(), checking)
		if !res.Send {
			e.stats.RecordSuppressed()
		}
	}
	return res
}

// Requests returns the number of queries handled so far.
func (e *Engine) Requests() uint64 {
	return e.seq.Load()
}

func (e *Engine) logRequest(res *Result, from netip.AddrPort) {
	level := slog.LevelInfo
	switch {
	case res.Answer.Status == zone.StatusOK:
	case res.Answer.Expected():
		level = slog.LevelDebug
	default:
		level = slog.LevelError
	}

	attrs := []slog.Attr{
		slog.Uint64("seq", res.Seq),
		slog.String("status", res.Answer.Status.String()),
		slog.String("type", res.Question.Type.String()),
		slog.String("id", strconv.Itoa(int(res.Header.ID))),
		slog.String("src_ip", from.Addr().String()),
		slog.Int("src_port", int(from.Port())),
		slog.String("domain", res.Question.Name.String()),
	}
	if res.ModifiedDomain != "" {
		attrs = append(attrs, slog.String("modified_domain", res.ModifiedDomain))
	}
	attrs = append(attrs, slog.String("category", string(res.Category)))

	e.lg.LogAttrs(context.Background(), level, "query", attrs...)
}
