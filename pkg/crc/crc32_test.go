package crc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func TestChecksumKnownVectors(t *testing.T) {
	assert.Equal(t, uint32(0), Checksum(nil))
	// Standard CRC-32 ("reflected", poly 0xEDB88320) check value for "123456789".
	assert.Equal(t, uint32(0xCBF43926), Checksum([]byte("123456789")))
}

func TestChecksumDeterministic(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		data := rapid.SliceOfN(rapid.Byte(), 0, 256).Draw(t, "data")
		assert.Equal(t, Checksum(data), Checksum(append([]byte(nil), data...)))
	})
}

func TestChecksumDetectsSingleByteFlip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		data := rapid.SliceOfN(rapid.Byte(), 1, 64).Draw(t, "data")
		idx := rapid.IntRange(0, len(data)-1).Draw(t, "idx")
		bit := uint(rapid.IntRange(0, 7).Draw(t, "bit"))

		original := Checksum(data)
		flipped := append([]byte(nil), data...)
		flipped[idx] ^= 1 << bit

		assert.NotEqual(t, original, Checksum(flipped))
	})
}
