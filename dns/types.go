package dns

import (
	"strconv"
	"strings"
)

// Type is a DNS record / question type.
type Type uint16

// DNS record types
const (
	TypeA     Type = 1   // IPv4 address
	TypeNS    Type = 2   // Authoritative name server
	TypeCNAME Type = 5   // Canonical name
	TypeMX    Type = 15  // Mail exchange
	TypeTXT   Type = 16  // Text string
	TypeAAAA  Type = 28  // IPv6 address
	TypeANY   Type = 255 // Any record
)

// ClassINET is the Internet class, the only class this server speaks.
const ClassINET uint16 = 1

var typeNames = map[Type]string{
	TypeA:     "A",
	TypeNS:    "NS",
	TypeCNAME: "CNAME",
	TypeMX:    "MX",
	TypeTXT:   "TXT",
	TypeAAAA:  "AAAA",
	TypeANY:   "ANY",
}

// Types lists the supported types in the order zone answers are assembled for ANY.
var Types = []Type{TypeA, TypeAAAA, TypeCNAME, TypeMX, TypeNS, TypeTXT}

// Supported reports whether t is one of the types the server answers.
func (t Type) Supported() bool {
	_, ok := typeNames[t]
	return ok
}

func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return "TYPE" + strconv.Itoa(int(t))
}

// ParseType converts a type mnemonic such as "aaaa" to its code.
func ParseType(s string) (Type, bool) {
	s = strings.ToUpper(strings.TrimSpace(s))
	for t, name := range typeNames {
		if name == s {
			return t, true
		}
	}
	return 0, false
}

// Opcode is the 4 bit kind-of-query field.
type Opcode uint8

// DNS opcodes
const (
	OpcodeQuery  Opcode = 0 // Standard query
	OpcodeIQuery Opcode = 1 // Inverse query (obsolete)
	OpcodeStatus Opcode = 2 // Server status request
	OpcodeNotify Opcode = 4 // Zone change notification
	OpcodeUpdate Opcode = 5 // Dynamic update
)

func (o Opcode) valid() bool {
	switch o {
	case OpcodeQuery, OpcodeIQuery, OpcodeStatus, OpcodeNotify, OpcodeUpdate:
		return true
	}
	return false
}

// DNS response codes
const (
	RcodeNoError  = 0 // No error
	RcodeNXDomain = 3 // Name does not exist
)

// DNS message flags
const (
	FlagQR       = 0x8000 // Query/Response
	FlagAA       = 0x0400 // Authoritative Answer
	FlagTC       = 0x0200 // Truncated
	FlagRD       = 0x0100 // Recursion Desired
	FlagRA       = 0x0080 // Recursion Available
	FlagResponse = FlagQR | FlagAA
)

const (
	headerLen = 12
	maxLabel  = 63
	maxName   = 255

	// Owner name of every answer record: pointer to the question name at offset 12.
	questionPointer = 0xC000 | headerLen
)

// MessageHeader represents a DNS message header
type MessageHeader struct {
	ID      uint16 // Query identifier
	Flags   uint16 // Message flags
	QdCount uint16 // Number of questions
	AnCount uint16 // Number of answers
	NsCount uint16 // Number of authority records
	ArCount uint16 // Number of additional records
}

// Response reports the QR bit.
func (h MessageHeader) Response() bool { return h.Flags&FlagQR != 0 }

// Opcode returns bits 1-4 of the first flag byte.
func (h MessageHeader) Opcode() Opcode { return Opcode(h.Flags>>11) & 0x0F }

// Authoritative reports the AA bit.
func (h MessageHeader) Authoritative() bool { return h.Flags&FlagAA != 0 }

// Truncated reports the TC bit.
func (h MessageHeader) Truncated() bool { return h.Flags&FlagTC != 0 }

// RecursionDesired reports the RD bit.
func (h MessageHeader) RecursionDesired() bool { return h.Flags&FlagRD != 0 }

// RecursionAvailable reports the RA bit.
func (h MessageHeader) RecursionAvailable() bool { return h.Flags&FlagRA != 0 }

// Z returns the three reserved bits.
func (h MessageHeader) Z() uint8 { return uint8(h.Flags>>4) & 0x07 }

// Rcode returns the response code.
func (h MessageHeader) Rcode() uint8 { return uint8(h.Flags) & 0x0F }

// Question represents a DNS question
type Question struct {
	Name  Name   // Domain name
	Type  Type   // Record type
	Class uint16 // Class (usually 1 for IN)
}

// ResourceRecord is one answer to be encoded behind the question pointer.
type ResourceRecord struct {
	Type       Type   // Record type
	TTL        uint32 // Time to live
	Value      string // Dotted address for A/AAAA, domain name or text otherwise
	Preference uint16 // MX only
}
