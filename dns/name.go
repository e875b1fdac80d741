package dns

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrEmptyLabel   = errors.New("empty label")
	ErrLabelTooLong = errors.New("label longer than 63 bytes")
	ErrNameTooLong  = errors.New("name longer than 255 bytes")
)

// Name is a domain name as a sequence of labels. A well-formed Name always
// ends with the empty root label.
type Name []string

// Root is the root domain.
var Root = Name{""}

// ParseName splits a dotted domain name into labels and appends the root.
// A trailing dot is accepted.
func ParseName(s string) (Name, error) {
	s = strings.TrimSuffix(s, ".")
	if s == "" {
		return Name{""}, nil
	}

	parts := strings.Split(s, ".")
	name := make(Name, 0, len(parts)+1)
	for _, part := range parts {
		if part == "" {
			return nil, fmt.Errorf("%q: %w", s, ErrEmptyLabel)
		}
		if len(part) > maxLabel {
			return nil, fmt.Errorf("%q: %w", part, ErrLabelTooLong)
		}
		name = append(name, part)
	}
	name = append(name, "")

	if name.wireLen() > maxName {
		return nil, fmt.Errorf("%q: %w", s, ErrNameTooLong)
	}
	return name, nil
}

// MustParseName is ParseName for constants; it panics on error.
func MustParseName(s string) Name {
	n, err := ParseName(s)
	if err != nil {
		panic(err)
	}
	return n
}

// String joins the non-empty labels with dots.
func (n Name) String() string {
	var b strings.Builder
	for _, label := range n {
		if label == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('.')
		}
		b.WriteString(label)
	}
	return b.String()
}

// Origin returns the lowercased zone key for n: its last three labels,
// root label included, joined with dots. "www.Example.com" yields "example.com.".
func (n Name) Origin() string {
	tail := n
	if len(tail) > 3 {
		tail = tail[len(tail)-3:]
	}
	return strings.ToLower(strings.Join(tail, "."))
}

// wireLen is the number of bytes n occupies as length-prefixed labels.
func (n Name) wireLen() int {
	size := 0
	for _, label := range n {
		size += 1 + len(label)
	}
	if len(n) == 0 || n[len(n)-1] != "" {
		size++
	}
	return size
}

// appendName writes n as length-prefixed labels followed by the zero byte.
func appendName(buf []byte, n Name) []byte {
	for _, label := range n {
		if label == "" {
			break
		}
		buf = append(buf, byte(len(label)))
		buf = append(buf, label...)
	}
	return append(buf, 0)
}
