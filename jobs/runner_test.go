package jobs

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"testing"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cryptopool/golang"
)

type fakeEngine struct {
	checkErr error
}

func (e *fakeEngine) Check(_ context.Context, tx, _ []byte, _ uint32) error {
	return e.checkErr
}

func (e *fakeEngine) Sign(_ context.Context, _ []byte, rings [][]byte, _ uint8) (*cryptopool.SignResultPacket, error) {
	return &cryptopool.SignResultPacket{Total: uint32(len(rings))}, nil
}

func (e *fakeEngine) CheckInput(_ context.Context, _ []byte, index uint32, _ []byte, _ uint32) error {
	if index > 0 {
		return errors.New("input out of range")
	}
	return nil
}

func (e *fakeEngine) SignInput(_ context.Context, _ []byte, _ uint32, _, _ []byte, _ uint8) (*cryptopool.SignInputResultPacket, error) {
	return &cryptopool.SignInputResultPacket{Value: true, Witness: []byte{1}}, nil
}

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	require.NoError(t, err)
	return b
}

func TestSignVerify(t *testing.T) {
	key := bytes.Repeat([]byte{0x11}, 32)
	pub := secp256k1.PrivKeyFromBytes(key).PubKey().SerializeCompressed()
	msg := bytes.Repeat([]byte{0xab}, 32)

	sig, err := Sign(msg, key)
	require.NoError(t, err)
	assert.True(t, Verify(msg, sig, pub))

	t.Run("other message", func(t *testing.T) {
		other := bytes.Repeat([]byte{0xcd}, 32)
		assert.False(t, Verify(other, sig, pub))
	})

	t.Run("malformed input", func(t *testing.T) {
		assert.False(t, Verify(msg, []byte{0x30, 0x01}, pub))
		assert.False(t, Verify(msg, sig, []byte{0x02}))
	})

	t.Run("bad key", func(t *testing.T) {
		_, err := Sign(msg, make([]byte, 32))
		assert.Error(t, err)
		_, err = Sign(msg, key[:31])
		assert.Error(t, err)
		_, err = Sign(msg, bytes.Repeat([]byte{0xff}, 32))
		assert.Error(t, err)
	})
}

func TestScrypt(t *testing.T) {
	key, err := Scrypt(nil, nil, 16, 1, 1, 64)
	require.NoError(t, err)
	assert.Equal(t, mustHex(t,
		"77d6576238657b203b19ca42c18a0497f16b4844e3074ae8dfdffa3fede21442"+
			"fcd0069ded0948f8326a753a0fc81f17e8d3e0fb2e0d3628cf35e20c38d18906"), key)

	_, err = Scrypt(nil, nil, 15, 1, 1, 64)
	assert.Error(t, err, "cost must be a power of two")
}

func TestHash256(t *testing.T) {
	h := Hash256(nil)
	assert.Equal(t, mustHex(t, "5df6e0e2761359d30a8275058e299fcc0381534545f55cf43e41983f5d4c9456"), h[:])
}

func TestMine(t *testing.T) {
	ctx := context.Background()
	header := make([]byte, cryptopool.HeaderSize)

	t.Run("easy target", func(t *testing.T) {
		target := bytes.Repeat([]byte{0xff}, cryptopool.TargetSize)
		nonce, found, err := Mine(ctx, header, target, 7, 100)
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, uint32(7), nonce)
	})

	t.Run("impossible target", func(t *testing.T) {
		target := make([]byte, cryptopool.TargetSize)
		_, found, err := Mine(ctx, header, target, 0, 1000)
		require.NoError(t, err)
		assert.False(t, found)
	})

	t.Run("half target", func(t *testing.T) {
		target := bytes.Repeat([]byte{0xff}, cryptopool.TargetSize)
		target[31] = 0x7f
		nonce, found, err := Mine(ctx, header, target, 0, 1000)
		require.NoError(t, err)
		require.True(t, found)

		raw := append([]byte(nil), header...)
		raw[76] = byte(nonce)
		raw[77] = byte(nonce >> 8)
		hash := Hash256(raw)
		assert.LessOrEqual(t, hash[31], byte(0x7f))
	})

	t.Run("empty range", func(t *testing.T) {
		target := bytes.Repeat([]byte{0xff}, cryptopool.TargetSize)
		_, found, err := Mine(ctx, header, target, 5, 5)
		require.NoError(t, err)
		assert.False(t, found)
	})

	t.Run("bad sizes", func(t *testing.T) {
		_, _, err := Mine(ctx, header[:79], make([]byte, 32), 0, 1)
		assert.Error(t, err)
		_, _, err = Mine(ctx, header, make([]byte, 31), 0, 1)
		assert.Error(t, err)
	})

	t.Run("cancelled", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, _, err := Mine(cctx, header, make([]byte, 32), 0, 1<<20)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestRunnerRunJob(t *testing.T) {
	ctx := context.Background()

	t.Run("ec sign", func(t *testing.T) {
		r := NewRunner(nil)
		res, err := r.RunJob(ctx, &cryptopool.ECSignPacket{
			Msg: bytes.Repeat([]byte{1}, 32),
			Key: bytes.Repeat([]byte{2}, 32),
		})
		require.NoError(t, err)
		require.IsType(t, &cryptopool.ECSignResultPacket{}, res)
		assert.NotEmpty(t, res.(*cryptopool.ECSignResultPacket).Sig)
	})

	t.Run("scrypt", func(t *testing.T) {
		r := NewRunner(nil)
		res, err := r.RunJob(ctx, &cryptopool.ScryptPacket{N: 16, R: 1, P: 1, KeyLen: 16})
		require.NoError(t, err)
		assert.Len(t, res.(*cryptopool.ScryptResultPacket).Key, 16)
	})

	t.Run("check without engine carries error", func(t *testing.T) {
		r := NewRunner(nil)
		res, err := r.RunJob(ctx, &cryptopool.CheckPacket{Tx: []byte{1}})
		require.NoError(t, err)
		carried := res.(*cryptopool.CheckResultPacket).Err
		require.NotNil(t, carried)
		assert.Contains(t, carried.Message, "transaction engine not configured")
	})

	t.Run("sign without engine fails", func(t *testing.T) {
		r := NewRunner(nil)
		_, err := r.RunJob(ctx, &cryptopool.SignPacket{Tx: []byte{1}})
		assert.ErrorIs(t, err, ErrNoTxEngine)
	})

	t.Run("engine", func(t *testing.T) {
		r := NewRunner(&fakeEngine{checkErr: errors.New("bad script")})

		res, err := r.RunJob(ctx, &cryptopool.CheckPacket{Tx: []byte{1}})
		require.NoError(t, err)
		assert.Equal(t, "bad script", res.(*cryptopool.CheckResultPacket).Err.Message)

		res, err = r.RunJob(ctx, &cryptopool.CheckInputPacket{Index: 0})
		require.NoError(t, err)
		assert.Nil(t, res.(*cryptopool.CheckInputResultPacket).Err)

		res, err = r.RunJob(ctx, &cryptopool.SignPacket{Rings: [][]byte{{1}, {2}}})
		require.NoError(t, err)
		assert.Equal(t, uint32(2), res.(*cryptopool.SignResultPacket).Total)

		res, err = r.RunJob(ctx, &cryptopool.SignInputPacket{})
		require.NoError(t, err)
		assert.True(t, res.(*cryptopool.SignInputResultPacket).Value)
	})

	t.Run("unsupported", func(t *testing.T) {
		r := NewRunner(nil)
		_, err := r.RunJob(ctx, &cryptopool.LogPacket{Text: "x"})
		assert.Error(t, err)
	})
}
