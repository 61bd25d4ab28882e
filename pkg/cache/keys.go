package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
)

// ErrInvalidInput is returned when a cache key cannot be derived from the
// caller's input. It indicates a programming error at the call site and is
// the only cache error that propagates; nothing is cached on this path.
var ErrInvalidInput = errors.New("invalid cache key input")

const (
	// vectorSampleSize is how many leading and trailing components of a
	// query vector participate in the key. Sampling bounds key-generation
	// cost for high-dimensional vectors; vectors that differ only outside
	// the sample (or below the rounding precision) may share a key, which
	// is an accepted approximation for query result caching.
	vectorSampleSize = 8

	// vectorKeyPrecision is the number of decimals each sampled component
	// is rounded to.
	vectorKeyPrecision = 4

	// digestKeyVersion prefixes every digest key. Bumping it (for example
	// when changing the hash algorithm) deliberately invalidates every
	// previously stored digest key.
	digestKeyVersion = "v1"
)

// DeriveVectorKey builds a cache key from a sample of the query vector and a
// canonical serialization of the filter set. Bit-identical vectors with
// logically equal filters always derive the same key, regardless of the
// order in which the filter map was constructed.
func DeriveVectorKey(vector []float32, filters map[string]any) (string, error) {
	if len(vector) == 0 {
		return "", fmt.Errorf("%w: empty vector", ErrInvalidInput)
	}
	for i, v := range vector {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return "", fmt.Errorf("%w: non-finite component at index %d", ErrInvalidInput, i)
		}
	}

	var b strings.Builder
	b.WriteString("q:")
	writeSample(&b, vector[:sampleLen(vector)])
	b.WriteByte('|')
	writeSample(&b, vector[len(vector)-sampleLen(vector):])
	b.WriteByte('|')
	fmt.Fprintf(&b, "d%d", len(vector))

	if len(filters) > 0 {
		// encoding/json serializes map keys in sorted order, so logically
		// equal filter sets always produce identical bytes.
		raw, err := json.Marshal(filters)
		if err != nil {
			return "", fmt.Errorf("%w: filters not serializable: %v", ErrInvalidInput, err)
		}
		b.WriteByte('|')
		b.Write(raw)
	}

	return b.String(), nil
}

func sampleLen(vector []float32) int {
	if len(vector) < vectorSampleSize {
		return len(vector)
	}
	return vectorSampleSize
}

func writeSample(b *strings.Builder, components []float32) {
	for i, v := range components {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(b, "%.*f", vectorKeyPrecision, v)
	}
}

// DeriveDigestKey returns the versioned SHA-256 digest of the payload. It is
// used wherever exact byte identity must be guaranteed, such as embedding
// de-duplication.
func DeriveDigestKey(data []byte) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("%w: empty payload", ErrInvalidInput)
	}
	sum := sha256.Sum256(data)
	return digestKeyVersion + ":" + hex.EncodeToString(sum[:]), nil
}
