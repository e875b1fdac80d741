package dns_test

import (
	"math/rand/v2"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"minidns/dns"
)

func TestParseName(t *testing.T) {
	tests := []struct {
		in      string
		want    dns.Name
		wantErr error
	}{
		{in: "", want: dns.Root},
		{in: ".", want: dns.Root},
		{in: "example.com", want: dns.Name{"example", "com", ""}},
		{in: "example.com.", want: dns.Name{"example", "com", ""}},
		{in: "a..b", wantErr: dns.ErrEmptyLabel},
		{in: strings.Repeat("x", 64) + ".com", wantErr: dns.ErrLabelTooLong},
		{in: strings.Repeat(strings.Repeat("x", 63)+".", 4) + "com", wantErr: dns.ErrNameTooLong},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := dns.ParseName(tt.in)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNameString(t *testing.T) {
	assert.Equal(t, "", dns.Root.String())
	assert.Equal(t, "www.Example.com", dns.Name{"www", "Example", "com", ""}.String())
}

func TestNameOrigin(t *testing.T) {
	tests := map[string]string{
		"":                       "",
		"com":                    "com.",
		"Example.COM":            "example.com.",
		"www.example.com":        "example.com.",
		"a.b.check_.example.org": "example.org.",
	}
	for in, want := range tests {
		assert.Equal(t, want, dns.MustParseName(in).Origin(), in)
	}
}

func TestSwapCaseExample(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))

	const in = "Example"
	var flipped, total int
	for range 10000 {
		out := dns.SwapCase(in, rng)
		require.Len(t, out, len(in))
		require.Equal(t, "example", strings.ToLower(out))

		for i := range len(in) {
			if out[i] != in[i] {
				flipped++
			}
			total++
		}
	}

	rate := float64(flipped) / float64(total)
	assert.InDelta(t, 0.5, rate, 0.05, "flip rate %.3f", rate)
}

func TestSwapCaseNonLetters(t *testing.T) {
	const in = "check_42-x.9"
	for range 100 {
		out := dns.SwapCase(in, nil)
		assert.Equal(t, strings.ToLower(in), strings.ToLower(out))
		for i := range len(in) {
			c := in[i]
			if (c < 'a' || c > 'z') && (c < 'A' || c > 'Z') {
				assert.Equal(t, c, out[i])
			}
		}
	}
}

func TestRandomizeCase(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 7))
	in := dns.MustParseName("CHECK_abc.www.example.com")

	changed := false
	for range 50 {
		out := dns.RandomizeCase(in, rng)
		require.Len(t, out, len(in))
		assert.Equal(t, "CHECK_abc", out[0])
		assert.Equal(t, "www", out[1])
		assert.Equal(t, "", out[4])
		assert.True(t, strings.EqualFold(in.String(), out.String()))
		if out.String() != in.String() {
			changed = true
		}
	}
	assert.True(t, changed)

	// input untouched
	assert.Equal(t, "CHECK_abc.www.example.com", in.String())
}

func TestRandomizeCaseDeterministic(t *testing.T) {
	in := dns.MustParseName("check_1.example.com")
	a := dns.RandomizeCase(in, rand.New(rand.NewPCG(3, 4)))
	b := dns.RandomizeCase(in, rand.New(rand.NewPCG(3, 4)))
	assert.Equal(t, a, b)
}

func TestRandomizeCaseShortName(t *testing.T) {
	out := dns.RandomizeCase(dns.MustParseName("com"), nil)
	assert.Len(t, out, 2)
	assert.Equal(t, "com", strings.ToLower(out[0]))
}

func TestParseType(t *testing.T) {
	typ, ok := dns.ParseType("aaaa")
	assert.True(t, ok)
	assert.Equal(t, dns.TypeAAAA, typ)

	_, ok = dns.ParseType("SOA")
	assert.False(t, ok)

	assert.Equal(t, "MX", dns.TypeMX.String())
	assert.Equal(t, "TYPE6", dns.Type(6).String())
	assert.False(t, dns.Type(6).Supported())
	assert.True(t, dns.TypeANY.Supported())
}
