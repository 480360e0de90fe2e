package market

import "math"

// SplitMix64 is the portable PRNG behind every seeded market path. The
// state is the seed itself; each draw adds the golden gamma and mixes.
// Any implementation of the same three constants reproduces the stream.
type SplitMix64 struct {
	state uint64
}

// NewSplitMix64 seeds the generator. Negative seeds use their two's
// complement bit pattern.
func NewSplitMix64(seed int64) *SplitMix64 {
	return &SplitMix64{state: uint64(seed)}
}

// Uint64 returns the next 64 random bits.
func (r *SplitMix64) Uint64() uint64 {
	r.state += 0x9E3779B97F4A7C15
	z := r.state
	z = (z ^ (z >> 30)) * 0xBF58476D1CE4E5B9
	z = (z ^ (z >> 27)) * 0x94D049BB133111EB
	return z ^ (z >> 31)
}

// Float64 returns a uniform draw in [0, 1) from the top 53 bits.
func (r *SplitMix64) Float64() float64 {
	return float64(r.Uint64()>>11) * (1.0 / (1 << 53))
}

// Intn returns a uniform integer in [0, n). n must be positive.
func (r *SplitMix64) Intn(n int) int {
	return int(r.Uint64() % uint64(n))
}

// NormFloat64 returns a standard normal draw using the Box-Muller cosine
// branch. It always consumes exactly two uniforms.
func (r *SplitMix64) NormFloat64() float64 {
	u1 := 1.0 - r.Float64() // (0, 1]
	u2 := r.Float64()
	return math.Sqrt(-2*math.Log(u1)) * math.Cos(2*math.Pi*u2)
}
