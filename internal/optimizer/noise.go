package optimizer

import (
	crand "crypto/rand"
	"encoding/binary"

	"golang.org/x/exp/rand"
)

// Randomness sources for the Gaussian noise draws. The secure source reads
// from the operating system's CSPRNG and cannot be seeded; the seeded source
// is a deterministic PRNG for tests and simulations.

// cryptoSource adapts crypto/rand to the rand.Source interface used by the
// gonum distributions.
type cryptoSource struct{}

func (cryptoSource) Uint64() uint64 {
	var buf [8]byte
	if _, err := crand.Read(buf[:]); err != nil {
		panic("dptrain: crypto randomness unavailable: " + err.Error())
	}
	return binary.LittleEndian.Uint64(buf[:])
}

// Seed is a no-op: the CSPRNG is not seedable.
func (cryptoSource) Seed(uint64) {}

// NewSecureRand returns a generator backed by crypto/rand.
func NewSecureRand() *rand.Rand {
	return rand.New(cryptoSource{})
}

// NewSeededRand returns a deterministic generator for the given seed.
func NewSeededRand(seed uint64) *rand.Rand {
	return rand.New(rand.NewSource(seed))
}
