package server_test

import (
	"context"
	"encoding/binary"
	"errors"
	"log/slog"
	"math/rand/v2"
	"net/netip"
	"strings"
	"sync"
	"testing"

	mdns "github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/dns/dnsmessage"

	"minidns/dns"
	"minidns/reqlog"
	"minidns/server"
	"minidns/stats"
	"minidns/zone"
)

// capture is a slog.Handler that keeps every record.
type capture struct {
	mu      sync.Mutex
	records []slog.Record
}

func (c *capture) Enabled(context.Context, slog.Level) bool { return true }

func (c *capture) Handle(_ context.Context, r slog.Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = append(c.records, r.Clone())
	return nil
}

func (c *capture) WithAttrs([]slog.Attr) slog.Handler { return c }
func (c *capture) WithGroup(string) slog.Handler      { return c }

func (c *capture) count(level slog.Level) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, r := range c.records {
		if r.Level == level {
			n++
		}
	}
	return n
}

func (c *capture) messages(level slog.Level) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var msgs []string
	for _, r := range c.records {
		if r.Level == level {
			msgs = append(msgs, r.Message)
		}
	}
	return msgs
}

type sink struct {
	mu      sync.Mutex
	entries []reqlog.Entry
	err     error
}

func (s *sink) Append(e reqlog.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
	return s.err
}

var client = netip.MustParseAddrPort("198.51.100.7:40123")

func realStore() *zone.Store {
	z := zone.New("example.com.")
	z.AddRecord(dns.ResourceRecord{Type: dns.TypeA, TTL: 300, Value: "1.2.3.4"})
	z.AddRecord(dns.ResourceRecord{Type: dns.TypeA, TTL: 300, Value: "1.2.3.5"})
	z.AddRecord(dns.ResourceRecord{Type: dns.TypeTXT, TTL: 60, Value: "real"})
	return zone.NewStore(z)
}

func fakeStore() *zone.Store {
	z := zone.New("example.com.")
	z.AddRecord(dns.ResourceRecord{Type: dns.TypeA, TTL: 5, Value: "6.6.6.6"})
	return zone.NewStore(z)
}

func query(t *testing.T, id uint16, name string, typ dnsmessage.Type) []byte {
	t.Helper()

	b := dnsmessage.NewBuilder(nil, dnsmessage.Header{ID: id, RecursionDesired: true})
	require.NoError(t, b.StartQuestions())
	require.NoError(t, b.Question(dnsmessage.Question{
		Name:  dnsmessage.MustNewName(name),
		Type:  typ,
		Class: dnsmessage.ClassINET,
	}))
	msg, err := b.Finish()
	require.NoError(t, err)
	return msg
}

func unpack(t *testing.T, payload []byte) *mdns.Msg {
	t.Helper()
	m := new(mdns.Msg)
	require.NoError(t, m.Unpack(payload))
	return m
}

func newEngine(modes server.Modes, opts ...server.Option) (*server.Engine, *capture) {
	c := &capture{}
	opts = append([]server.Option{server.WithLogger(slog.New(c))}, opts...)
	return server.NewEngine(realStore(), fakeStore(), modes, opts...), c
}

func TestRespondA(t *testing.T) {
	e, logs := newEngine(server.Modes{})

	res := e.Respond(query(t, 0x1234, "example.com.", dnsmessage.TypeA), client)
	require.True(t, res.Send)
	require.NoError(t, res.DecodeErr)
	assert.Equal(t, zone.StatusOK, res.Answer.Status)
	assert.Equal(t, reqlog.Normal, res.Category)
	assert.Empty(t, res.ModifiedDomain)

	h := dns.DecodeHeader(res.Payload)
	assert.Equal(t, uint16(0x1234), h.ID)
	assert.Equal(t, uint16(0x8400), h.Flags)
	assert.Equal(t, uint16(1), h.QdCount)
	assert.Equal(t, uint16(2), h.AnCount)

	m := unpack(t, res.Payload)
	require.Len(t, m.Answer, 2)
	assert.Equal(t, "1.2.3.4", m.Answer[0].(*mdns.A).A.String())
	assert.Equal(t, "1.2.3.5", m.Answer[1].(*mdns.A).A.String())
	assert.Equal(t, "example.com.", m.Question[0].Name)

	assert.Zero(t, logs.count(slog.LevelError))
	assert.Equal(t, []string{"query"}, logs.messages(slog.LevelInfo))
}

func TestRespondSingleRecordBytes(t *testing.T) {
	z := zone.New("example.com")
	z.AddRecord(dns.ResourceRecord{Type: dns.TypeA, TTL: 300, Value: "1.2.3.4"})
	e := server.NewEngine(zone.NewStore(z), nil, server.Modes{}, server.WithLogger(slog.New(&capture{})))

	res := e.Respond(query(t, 1, "example.com.", dnsmessage.TypeA), client)
	p := res.Payload
	assert.Equal(t, uint16(1), binary.BigEndian.Uint16(p[6:]))
	assert.Equal(t, []byte{0x00, 0x00, 0x01, 0x2C}, p[len(p)-10:len(p)-6])
	assert.Equal(t, []byte{0x01, 0x02, 0x03, 0x04}, p[len(p)-4:])
}

func TestRespondMissSeverity(t *testing.T) {
	tests := []struct {
		name       string
		typ        dnsmessage.Type
		wantErrors int
	}{
		{name: "AAAA miss", typ: dnsmessage.TypeAAAA, wantErrors: 0},
		{name: "MX miss", typ: dnsmessage.TypeMX, wantErrors: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, logs := newEngine(server.Modes{})

			res := e.Respond(query(t, 2, "example.com.", tt.typ), client)
			assert.True(t, res.Send)
			assert.Equal(t, zone.StatusNotFound, res.Answer.Status)
			assert.Zero(t, dns.DecodeHeader(res.Payload).AnCount)
			assert.Equal(t, tt.wantErrors, logs.count(slog.LevelError))
		})
	}
}

func TestRespondUnknownZone(t *testing.T) {
	e, _ := newEngine(server.Modes{})

	res := e.Respond(query(t, 3, "www.unknown.org.", dnsmessage.TypeA), client)
	assert.True(t, res.Send)
	assert.Equal(t, zone.StatusNotFound, res.Answer.Status)

	m := unpack(t, res.Payload)
	assert.Empty(t, m.Answer)
	assert.True(t, m.Authoritative)
	assert.Equal(t, uint16(3), m.Id)
}

func TestRespondUnsupportedType(t *testing.T) {
	e, _ := newEngine(server.Modes{})

	res := e.Respond(query(t, 4, "example.com.", dnsmessage.TypeSOA), client)
	assert.Equal(t, zone.StatusUnsupported, res.Answer.Status)

	m := unpack(t, res.Payload)
	assert.Empty(t, m.Answer)
	assert.Equal(t, mdns.TypeSOA, m.Question[0].Qtype)
}

func TestRespondMalformed(t *testing.T) {
	e, _ := newEngine(server.Modes{})

	inputs := [][]byte{
		nil,
		{0xAB},
		{0xAB, 0xCD, 0x01, 0x00, 0, 1, 0, 0, 0, 0, 0, 0},
		{0xAB, 0xCD, 0x01, 0x00, 0, 1, 0, 0, 0, 0, 0, 0, 9, 'e', 'x'},
		{0xAB, 0xCD, 0x01, 0x00, 0, 1, 0, 0, 0, 0, 0, 0, 0xC0, 0x0C, 0, 1, 0, 1},
	}
	rng := rand.New(rand.NewPCG(5, 5))
	for range 200 {
		buf := make([]byte, rng.IntN(64))
		for i := range buf {
			buf[i] = byte(rng.IntN(256))
		}
		inputs = append(inputs, buf)
	}

	for _, in := range inputs {
		res := e.Respond(in, client)
		require.True(t, res.Send)
		require.GreaterOrEqual(t, len(res.Payload), 12+5)

		h := dns.DecodeHeader(res.Payload)
		assert.True(t, h.Response())
		assert.True(t, h.Authoritative())
		assert.Equal(t, uint16(1), h.QdCount)
	}
}

func TestRespondAdversaryUsesFakeZone(t *testing.T) {
	e, _ := newEngine(server.Modes{Adversary: true})

	res := e.Respond(query(t, 5, "www.example.com.", dnsmessage.TypeA), client)
	m := unpack(t, res.Payload)
	require.Len(t, m.Answer, 1)
	assert.Equal(t, "6.6.6.6", m.Answer[0].(*mdns.A).A.String())
}

func TestRespondCaseCheck(t *testing.T) {
	e, _ := newEngine(server.Modes{CaseCheck: true}, server.WithRand(server.NewLockedRand(11)))

	changed := false
	for i := range 20 {
		res := e.Respond(query(t, uint16(i), "check_abc.example.com.", dnsmessage.TypeA), client)
		require.True(t, res.Send)
		assert.Equal(t, reqlog.Checking, res.Category)
		assert.True(t, strings.EqualFold("check_abc.example.com", res.ModifiedDomain))
		assert.Equal(t, "check_abc", res.Echoed[0])
		assert.Equal(t, res.ModifiedDomain, res.Echoed.String())

		m := unpack(t, res.Payload)
		assert.Equal(t, res.ModifiedDomain+".", m.Question[0].Name)
		assert.Len(t, m.Answer, 2)

		if res.ModifiedDomain != "check_abc.example.com" {
			changed = true
		}
	}
	assert.True(t, changed)
}

func TestRespondRecheckKeepsCase(t *testing.T) {
	e, _ := newEngine(server.Modes{CaseCheck: true})

	res := e.Respond(query(t, 6, "RE_check_abc.Example.com.", dnsmessage.TypeA), client)
	assert.Equal(t, reqlog.Checking, res.Category)
	assert.Equal(t, "RE_check_abc.Example.com", res.ModifiedDomain)
	assert.Equal(t, res.Question.Name, res.Echoed)
}

func TestRespondCheckWithoutCaseMode(t *testing.T) {
	e, _ := newEngine(server.Modes{})

	res := e.Respond(query(t, 7, "Check_abc.example.com.", dnsmessage.TypeA), client)
	assert.Equal(t, reqlog.Checking, res.Category)
	assert.Empty(t, res.ModifiedDomain)
	assert.Equal(t, "Check_abc.example.com.", unpack(t, res.Payload).Question[0].Name)
}

func TestRespondSuppress(t *testing.T) {
	const name = "x.tor_dont_response.example.com."

	e, _ := newEngine(server.Modes{ForceNoResponse: true})
	res := e.Respond(query(t, 8, name, dnsmessage.TypeA), client)
	assert.False(t, res.Send)

	// still fully built
	m := unpack(t, res.Payload)
	assert.Len(t, m.Answer, 2)
	assert.Equal(t, uint16(8), m.Id)

	e, _ = newEngine(server.Modes{})
	assert.True(t, e.Respond(query(t, 8, name, dnsmessage.TypeA), client).Send)

	e, _ = newEngine(server.Modes{ForceNoResponse: true})
	assert.True(t, e.Respond(query(t, 8, "example.com.", dnsmessage.TypeA), client).Send)
}

func TestRespondCustomMarkers(t *testing.T) {
	e, _ := newEngine(server.Modes{
		ForceNoResponse: true,
		Markers:         server.Markers{Suppress: "Silent-"},
	})
	assert.False(t, e.Respond(query(t, 9, "silent-1.example.com.", dnsmessage.TypeA), client).Send)
	assert.True(t, e.Respond(query(t, 9, "tor_dont_response.example.com.", dnsmessage.TypeA), client).Send)
}

func TestRespondLegacyQuestion(t *testing.T) {
	e, _ := newEngine(server.Modes{LegacyQuestion: true})

	res := e.Respond(query(t, 10, "example.com.", dnsmessage.TypeMX), client)
	q := res.Payload[12:]
	assert.Equal(t, []byte{7, 'e', 'x', 'a', 'm', 'p', 'l', 'e', 3, 'c', 'o', 'm', 0, 0, 1}, q)
}

func TestRespondRequestLog(t *testing.T) {
	s := &sink{}
	e, _ := newEngine(server.Modes{CaseCheck: true}, server.WithRequestLog(s))

	e.Respond(query(t, 0xFFFF, "example.com.", dnsmessage.TypeA), client)
	e.Respond(query(t, 1, "check_1.example.com.", dnsmessage.TypeMX), client)

	require.Len(t, s.entries, 2)
	first := s.entries[0]
	assert.Equal(t, "OKAY", first.Status)
	assert.Equal(t, "65535", first.TransactionID)
	assert.Equal(t, "A", first.RecordType)
	assert.Equal(t, "198.51.100.7", first.SrcIP)
	assert.Equal(t, "40123", first.SrcPort)
	assert.Equal(t, "example.com", first.Domain)
	assert.Equal(t, reqlog.Normal, first.Category)

	second := s.entries[1]
	assert.Equal(t, "NOT_FOUND", second.Status)
	assert.Equal(t, reqlog.Checking, second.Category)
	assert.NotEmpty(t, second.ModifiedDomain)
}

func TestRespondRequestLogFailure(t *testing.T) {
	s := &sink{err: errors.New("disk full")}
	e, logs := newEngine(server.Modes{}, server.WithRequestLog(s))

	res := e.Respond(query(t, 1, "example.com.", dnsmessage.TypeA), client)
	assert.True(t, res.Send)
	assert.Len(t, unpack(t, res.Payload).Answer, 2)
	assert.Equal(t, []string{"request log"}, logs.messages(slog.LevelError))
}

func TestRespondStats(t *testing.T) {
	st := stats.NewStats()
	e, _ := newEngine(server.Modes{ForceNoResponse: true}, server.WithStats(st))

	e.Respond(query(t, 1, "Example.com.", dnsmessage.TypeA), client)
	e.Respond(query(t, 1, "tor_dont_response.example.com.", dnsmessage.TypeAAAA), client)

	snap := st.GetSnapshot()
	assert.Equal(t, int64(2), snap.TotalQueries)
	assert.Equal(t, int64(1), snap.QueriesByDomain["example.com"])
	assert.Equal(t, int64(1), snap.Suppressed)
	assert.Equal(t, int64(1), snap.ByStatus["OKAY"])
	assert.Equal(t, int64(1), snap.ByStatus["NOT_FOUND"])
}

func TestRespondConcurrent(t *testing.T) {
	e, _ := newEngine(server.Modes{CaseCheck: true}, server.WithRand(server.NewLockedRand(1)))
	msg := query(t, 1, "check_x.example.com.", dnsmessage.TypeA)

	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := e.Respond(msg, client)
			assert.True(t, res.Send)
		}()
	}
	wg.Wait()
	assert.Equal(t, uint64(50), e.Requests())
}
