package zone

import (
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"minidns/dns"
)

// Status is the outcome of a lookup.
type Status int

const (
	StatusOK Status = iota
	StatusNotFound
	StatusUnsupported
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OKAY"
	case StatusNotFound:
		return "NOT_FOUND"
	case StatusUnsupported:
		return "UNSUPPORTED"
	default:
		return "UNKNOWN"
	}
}

// Zone holds the records served for one origin.
type Zone struct {
	// Lowercase, fully qualified ("example.com.").
	Origin string

	// Records per type, in file order.
	Records map[dns.Type][]dns.ResourceRecord
}

// New returns an empty zone for origin.
func New(origin string) *Zone {
	return &Zone{
		Origin:  normalizeOrigin(origin),
		Records: make(map[dns.Type][]dns.ResourceRecord),
	}
}

// AddRecord adds a record to the zone
func (z *Zone) AddRecord(rr dns.ResourceRecord) {
	z.Records[rr.Type] = append(z.Records[rr.Type], rr)
}

// Answer is the result of Store.Lookup.
type Answer struct {
	Records []dns.ResourceRecord
	Type    dns.Type
	Status  Status

	// Origin the name was matched against.
	Origin string

	// ZoneFound is set when the origin exists even if the type does not.
	ZoneFound bool
}

// Expected reports a miss that is routine and not worth an error: a zone
// without AAAA records asked for AAAA.
func (a Answer) Expected() bool {
	return a.Status == StatusNotFound && a.ZoneFound && a.Type == dns.TypeAAAA
}

// Store is a read-only set of zones keyed by origin. It must not be
// modified after construction; lookups are then safe from any goroutine.
type Store struct {
	zones map[string]*Zone
}

// NewStore indexes zones by origin. A later zone replaces an earlier one
// with the same origin.
func NewStore(zones ...*Zone) *Store {
	s := &Store{zones: make(map[string]*Zone, len(zones))}
	for _, z := range zones {
		s.zones[z.Origin] = z
	}
	return s
}

// Origins returns the sorted list of served origins.
func (s *Store) Origins() []string {
	origins := make([]string, 0, len(s.zones))
	for origin := range s.zones {
		origins = append(origins, origin)
	}
	slices.Sort(origins)
	return origins
}

// Zone returns the zone registered for origin.
func (s *Store) Zone(origin string) (*Zone, bool) {
	z, ok := s.zones[normalizeOrigin(origin)]
	return z, ok
}

// Lookup finds the records of type t for name. The zone is chosen by the
// last two labels of name, so "www.example.com" and "example.com" share
// the records of origin "example.com.".
func (s *Store) Lookup(name dns.Name, t dns.Type) Answer {
	ans := Answer{Type: t, Origin: name.Origin()}
	if !t.Supported() {
		ans.Status = StatusUnsupported
		return ans
	}

	z, ok := s.zones[ans.Origin]
	if !ok {
		ans.Status = StatusNotFound
		return ans
	}
	ans.ZoneFound = true

	records, ok := z.Records[t]
	if !ok && t == dns.TypeANY {
		for _, typ := range dns.Types {
			records = append(records, z.Records[typ]...)
		}
		ok = len(records) > 0
	}
	if !ok {
		ans.Status = StatusNotFound
		return ans
	}

	ans.Records = records
	ans.Status = StatusOK
	return ans
}

var ErrNoOrigin = errors.New("zone has no $origin")

type fileRecord struct {
	Type       string  `yaml:"type"`
	TTL        *uint32 `yaml:"ttl"`
	Value      string  `yaml:"value"`
	Host       string  `yaml:"host"`
	Preference uint16  `yaml:"preference"`
}

// LoadFile reads a zone file, see Load.
func LoadFile(path string) (*Zone, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	z, err := Load(file)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return z, nil
}

// Load parses a zone description. The format is a JSON or YAML mapping
// with a "$origin" key, an optional "$ttl" default and one list per
// record type:
//
//	{
//	  "$origin": "example.com.",
//	  "$ttl": 3600,
//	  "A": [{"ttl": 400, "value": "192.0.2.1"}],
//	  "MX": [{"preference": 10, "host": "mail.example.com."}]
//	}
//
// Keys that are not record types (soa, ...) are ignored. The "ANY" list is
// served verbatim to ANY questions and needs an explicit "type" per entry.
func Load(r io.Reader) (*Zone, error) {
	var raw map[string]yaml.Node
	err := yaml.NewDecoder(r).Decode(&raw)
	if err != nil {
		return nil, fmt.Errorf("decode zone: %w", err)
	}

	var origin string
	if node, ok := raw["$origin"]; ok {
		err = node.Decode(&origin)
		if err != nil {
			return nil, fmt.Errorf("$origin: %w", err)
		}
	}
	if strings.TrimSpace(origin) == "" {
		return nil, ErrNoOrigin
	}

	var defaultTTL uint32
	if node, ok := raw["$ttl"]; ok {
		err = node.Decode(&defaultTTL)
		if err != nil {
			return nil, fmt.Errorf("$ttl: %w", err)
		}
	}

	z := New(origin)
	for key, node := range raw {
		typ, ok := dns.ParseType(key)
		if !ok {
			continue
		}

		var entries []fileRecord
		err = node.Decode(&entries)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}

		records := make([]dns.ResourceRecord, 0, len(entries))
		for i, e := range entries {
			rr, err := e.record(typ, defaultTTL)
			if err != nil {
				return nil, fmt.Errorf("%s[%d]: %w", key, i, err)
			}
			records = append(records, rr)
		}
		z.Records[typ] = records
	}

	return z, nil
}

func (e fileRecord) record(typ dns.Type, defaultTTL uint32) (dns.ResourceRecord, error) {
	rr := dns.ResourceRecord{
		Type:       typ,
		TTL:        defaultTTL,
		Value:      e.Value,
		Preference: e.Preference,
	}
	if e.TTL != nil {
		rr.TTL = *e.TTL
	}
	if rr.Value == "" {
		rr.Value = e.Host
	}

	if typ == dns.TypeANY {
		t, ok := dns.ParseType(e.Type)
		if !ok || t == dns.TypeANY {
			return rr, fmt.Errorf("entry type %q: %w", e.Type, dns.ErrUnsupportedType)
		}
		rr.Type = t
	}

	err := dns.ValidateRecord(rr)
	if err != nil {
		return rr, err
	}
	return rr, nil
}

func normalizeOrigin(origin string) string {
	origin = strings.ToLower(strings.TrimSpace(origin))
	if !strings.HasSuffix(origin, ".") {
		origin += "."
	}
	return origin
}
