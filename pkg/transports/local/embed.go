package local

import (
	"math"
	"strings"
	"unicode"
)

// Dimensions is the length of every local embedding. It must be a power of
// two so a hash can be reduced with a mask.
const Dimensions = 256

const (
	fnvOffset = 1469598103934665603
	fnvPrime  = 1099511628211
)

// Embed hashes each whitespace-separated token into one of Dimensions
// buckets with FNV-1a and returns the L2-normalised counts. The same text
// always yields the same vector.
func Embed(text string) []float64 {
	v := make([]float64, Dimensions)
	for _, tok := range strings.Fields(text) {
		h := uint64(fnvOffset)
		for i := 0; i < len(tok); i++ {
			h ^= uint64(tok[i])
			h *= fnvPrime
		}
		v[h&(Dimensions-1)]++
	}

	var sum float64
	for _, x := range v {
		sum += x * x
	}
	norm := math.Max(math.Sqrt(sum), 1e-6)
	for i := range v {
		v[i] /= norm
	}
	return v
}

func dot(a, b []float64) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var s float64
	for i := 0; i < n; i++ {
		s += a[i] * b[i]
	}
	return s
}

// splitTokens splits s into words and single whitespace runes, so joining
// the parts reproduces s exactly.
func splitTokens(s string) []string {
	var (
		out []string
		buf strings.Builder
	)
	for _, r := range s {
		if unicode.IsSpace(r) {
			if buf.Len() > 0 {
				out = append(out, buf.String())
				buf.Reset()
			}
			out = append(out, string(r))
			continue
		}
		buf.WriteRune(r)
	}
	if buf.Len() > 0 {
		out = append(out, buf.String())
	}
	return out
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + "…"
}
