package dns

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
)

var (
	ErrTruncated       = errors.New("message truncated")
	ErrPointer         = errors.New("compression pointer in question name")
	ErrUnsupportedType = errors.New("unsupported record type")
	ErrBadValue        = errors.New("invalid record value")
)

// Message is a response ready to be encoded: one question and its answers.
type Message struct {
	Header   MessageHeader
	Question Question
	Answers  []ResourceRecord

	// LegacyQuestion selects the asymmetric question trailer: only A and AAAA
	// questions carry a type field before the class.
	LegacyQuestion bool
}

// ParseQuery decodes the header and the single question of a query.
// The returned values are usable even when err is not nil.
func ParseQuery(data []byte) (MessageHeader, Question, error) {
	h := DecodeHeader(data)
	if len(data) < headerLen {
		return h, Question{Name: Root, Class: ClassINET}, ErrTruncated
	}
	q, _, err := DecodeQuestion(data[headerLen:])
	return h, q, err
}

// DecodeHeader reads the fixed 12 byte header. Missing bytes read as zero.
func DecodeHeader(data []byte) MessageHeader {
	var raw [headerLen]byte
	copy(raw[:], data)

	return MessageHeader{
		ID:      binary.BigEndian.Uint16(raw[0:]),
		Flags:   binary.BigEndian.Uint16(raw[2:]),
		QdCount: binary.BigEndian.Uint16(raw[4:]),
		AnCount: binary.BigEndian.Uint16(raw[6:]),
		NsCount: binary.BigEndian.Uint16(raw[8:]),
		ArCount: binary.BigEndian.Uint16(raw[10:]),
	}
}

// ResponseFlags derives the flags of an authoritative answer to query:
// QR=1, AA=1, TC=0, RD=0, RA=0, Z=0, RCODE=0 and the query opcode. Opcodes
// that are not defined fall back to a standard query.
func ResponseFlags(query MessageHeader) uint16 {
	op := query.Opcode()
	if !op.valid() {
		op = OpcodeQuery
	}
	return FlagResponse | uint16(op)<<11
}

type nameState int

const (
	readingLength nameState = iota
	readingLabel
	nameDone
)

// DecodeQuestion walks the length-prefixed labels at the start of data
// (the byte after the header) up to the zero terminator, then reads QTYPE
// and QCLASS. It returns the question and the number of bytes consumed.
//
// Malformed input never causes a read past data: decoding stops and the
// labels gathered so far are returned, terminated by the root label,
// together with the error.
func DecodeQuestion(data []byte) (Question, int, error) {
	q := Question{Class: ClassINET}

	var (
		state nameState
		pos   int
		want  int
		size  = 1 // terminating zero byte
		label []byte
		err   error
	)

walk:
	for state != nameDone {
		if pos >= len(data) {
			err = ErrTruncated
			break
		}
		b := data[pos]
		pos++

		switch state {
		case readingLength:
			switch {
			case b == 0:
				state = nameDone
			case b&0xC0 == 0xC0:
				err = ErrPointer
				break walk
			case b > maxLabel:
				err = ErrLabelTooLong
				break walk
			default:
				size += 1 + int(b)
				if size > maxName {
					err = ErrNameTooLong
					break walk
				}
				want = int(b)
				label = label[:0]
				state = readingLabel
			}
		case readingLabel:
			label = append(label, b)
			if len(label) == want {
				q.Name = append(q.Name, string(label))
				state = readingLength
			}
		}
	}
	q.Name = append(q.Name, "")

	if err != nil {
		return q, pos, err
	}

	if len(data)-pos < 2 {
		return q, pos, ErrTruncated
	}
	q.Type = Type(binary.BigEndian.Uint16(data[pos:]))
	pos += 2

	if len(data)-pos >= 2 {
		q.Class = binary.BigEndian.Uint16(data[pos:])
		pos += 2
	}
	return q, pos, nil
}

// AppendHeader appends the 12 byte header.
func AppendHeader(buf []byte, h MessageHeader) []byte {
	buf = binary.BigEndian.AppendUint16(buf, h.ID)
	buf = binary.BigEndian.AppendUint16(buf, h.Flags)
	buf = binary.BigEndian.AppendUint16(buf, h.QdCount)
	buf = binary.BigEndian.AppendUint16(buf, h.AnCount)
	buf = binary.BigEndian.AppendUint16(buf, h.NsCount)
	return binary.BigEndian.AppendUint16(buf, h.ArCount)
}

// AppendQuestion appends name, the type and class IN.
func AppendQuestion(buf []byte, name Name, t Type) []byte {
	buf = appendName(buf, name)
	buf = binary.BigEndian.AppendUint16(buf, uint16(t))
	return binary.BigEndian.AppendUint16(buf, ClassINET)
}

// AppendQuestionLegacy appends name followed by the historic trailer:
// 00 01 00 01 for A and AAAA questions and a lone 00 01 for the rest.
func AppendQuestionLegacy(buf []byte, name Name, t Type) []byte {
	buf = appendName(buf, name)
	if t == TypeA || t == TypeAAAA {
		buf = binary.BigEndian.AppendUint16(buf, ClassINET)
	}
	return binary.BigEndian.AppendUint16(buf, ClassINET)
}

// AppendAnswer appends rr with its owner name compressed to a pointer at
// the question (offset 12). On error buf is returned unchanged.
func AppendAnswer(buf []byte, rr ResourceRecord) ([]byte, error) {
	rdata, err := appendRdata(nil, rr)
	if err != nil {
		return buf, err
	}
	if len(rdata) > 0xFFFF {
		return buf, fmt.Errorf("%s %q: rdata too long: %w", rr.Type, rr.Value, ErrBadValue)
	}

	buf = binary.BigEndian.AppendUint16(buf, questionPointer)
	buf = binary.BigEndian.AppendUint16(buf, uint16(rr.Type))
	buf = binary.BigEndian.AppendUint16(buf, ClassINET)
	buf = binary.BigEndian.AppendUint32(buf, rr.TTL)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(rdata)))
	return append(buf, rdata...), nil
}

// ValidateRecord reports whether rr can be encoded.
func ValidateRecord(rr ResourceRecord) error {
	_, err := appendRdata(nil, rr)
	return err
}

func appendRdata(buf []byte, rr ResourceRecord) ([]byte, error) {
	switch rr.Type {
	case TypeA:
		ip, err := netip.ParseAddr(rr.Value)
		if err != nil || !ip.Unmap().Is4() {
			return nil, fmt.Errorf("A %q: %w", rr.Value, ErrBadValue)
		}
		a4 := ip.Unmap().As4()
		return append(buf, a4[:]...), nil
	case TypeAAAA:
		ip, err := netip.ParseAddr(rr.Value)
		if err != nil {
			return nil, fmt.Errorf("AAAA %q: %w", rr.Value, ErrBadValue)
		}
		a16 := ip.As16()
		return append(buf, a16[:]...), nil
	case TypeCNAME, TypeNS:
		target, err := ParseName(rr.Value)
		if err != nil {
			return nil, fmt.Errorf("%s %q: %w", rr.Type, rr.Value, err)
		}
		return appendName(buf, target), nil
	case TypeMX:
		target, err := ParseName(rr.Value)
		if err != nil {
			return nil, fmt.Errorf("MX %q: %w", rr.Value, err)
		}
		buf = binary.BigEndian.AppendUint16(buf, rr.Preference)
		return appendName(buf, target), nil
	case TypeTXT:
		text := rr.Value
		for {
			chunk := text
			if len(chunk) > 255 {
				chunk = chunk[:255]
			}
			buf = append(buf, byte(len(chunk)))
			buf = append(buf, chunk...)
			text = text[len(chunk):]
			if text == "" {
				return buf, nil
			}
		}
	default:
		return nil, fmt.Errorf("%s: %w", rr.Type, ErrUnsupportedType)
	}
}

// BuildResponse builds the authoritative response to query for question q.
func BuildResponse(query MessageHeader, q Question, answers []ResourceRecord) *Message {
	return &Message{
		Header: MessageHeader{
			ID:      query.ID,
			Flags:   ResponseFlags(query),
			QdCount: 1,
			AnCount: uint16(len(answers)),
		},
		Question: q,
		Answers:  answers,
	}
}

// ToBytes converts a DNS message to bytes. Answers that cannot be encoded
// are left out and ANCOUNT counts only the ones written; the skipped
// records are reported through the returned error while the bytes remain
// a valid message.
func (m *Message) ToBytes() ([]byte, error) {
	var (
		body []byte
		errs []error
		n    uint16
	)
	for _, rr := range m.Answers {
		var err error
		body, err = AppendAnswer(body, rr)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		n++
	}

	h := m.Header
	h.QdCount = 1
	h.AnCount = n

	buf := make([]byte, 0, headerLen+m.Question.Name.wireLen()+4+len(body))
	buf = AppendHeader(buf, h)
	if m.LegacyQuestion {
		buf = AppendQuestionLegacy(buf, m.Question.Name, m.Question.Type)
	} else {
		buf = AppendQuestion(buf, m.Question.Name, m.Question.Type)
	}
	buf = append(buf, body...)

	return buf, errors.Join(errs...)
}
