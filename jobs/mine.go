package jobs

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/minio/sha256-simd"

	"github.com/cryptopool/golang"
)

// nonceOffset is where the nonce sits in a serialized block header.
const nonceOffset = 76

// checkEvery is how many nonces are tried between context checks.
const checkEvery = 1 << 16

// Hash256 returns the double SHA-256 of b.
func Hash256(b []byte) [32]byte {
	first := sha256.Sum256(b)
	return sha256.Sum256(first[:])
}

// Mine searches nonces in [lo, hi) for a header whose double SHA-256, read as a
// little-endian number, is at or below target.
func Mine(ctx context.Context, header, target []byte, lo, hi uint32) (uint32, bool, error) {
	if len(header) != cryptopool.HeaderSize {
		return 0, false, fmt.Errorf("header must be %d bytes, got %d", cryptopool.HeaderSize, len(header))
	}
	if len(target) != cryptopool.TargetSize {
		return 0, false, fmt.Errorf("target must be %d bytes, got %d", cryptopool.TargetSize, len(target))
	}

	raw := make([]byte, len(header))
	copy(raw, header)

	for nonce := lo; nonce < hi; nonce++ {
		if (nonce-lo)%checkEvery == checkEvery-1 {
			if err := ctx.Err(); err != nil {
				return 0, false, err
			}
		}
		binary.LittleEndian.PutUint32(raw[nonceOffset:], nonce)
		hash := Hash256(raw)
		if compareLE(hash[:], target) <= 0 {
			return nonce, true, nil
		}
	}
	return 0, false, nil
}

// compareLE compares two equal-length little-endian numbers.
func compareLE(a, b []byte) int {
	for i := len(a) - 1; i >= 0; i-- {
		switch {
		case a[i] < b[i]:
			return -1
		case a[i] > b[i]:
			return 1
		}
	}
	return 0
}
