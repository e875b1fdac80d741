package dns

import "math/rand/v2"

// Rand is the randomness used for case permutation.
// *rand.Rand from math/rand/v2 satisfies it.
type Rand interface {
	IntN(n int) int
}

type globalRand struct{}

func (globalRand) IntN(n int) int { return rand.IntN(n) }

// SwapCase flips the case of every ASCII letter of s with probability 1/2.
// Other bytes are copied as is, so the result has the length of s and the
// same lowercase form.
func SwapCase(s string, rng Rand) string {
	if rng == nil {
		rng = globalRand{}
	}

	b := []byte(s)
	for i, c := range b {
		if rng.IntN(2) == 0 {
			continue
		}
		switch {
		case 'a' <= c && c <= 'z':
			b[i] = c - ('a' - 'A')
		case 'A' <= c && c <= 'Z':
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

// RandomizeCase returns a copy of n whose last three labels (the root label
// included, so the zone part of the name) have their letters randomly
// case-swapped. Leading labels are kept untouched.
func RandomizeCase(n Name, rng Rand) Name {
	out := make(Name, len(n))
	copy(out, n)

	start := max(len(out)-3, 0)
	for i := start; i < len(out); i++ {
		out[i] = SwapCase(out[i], rng)
	}
	return out
}
