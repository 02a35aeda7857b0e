// Package jobs implements the job bodies executed inside a worker process.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"go.uber.org/zap"
	"golang.org/x/crypto/scrypt"

	"github.com/cryptopool/golang"
)

// ErrNoTxEngine is reported by transaction jobs when the runner has no TxEngine.
var ErrNoTxEngine = errors.New("transaction engine not configured")

// TxEngine verifies and signs serialized transactions. Transactions, coin views, coins and
// key rings are opaque to the pool; only the engine decodes them.
type TxEngine interface {
	Check(ctx context.Context, tx, view []byte, flags uint32) error
	Sign(ctx context.Context, tx []byte, rings [][]byte, sigHash uint8) (*cryptopool.SignResultPacket, error)
	CheckInput(ctx context.Context, tx []byte, index uint32, coin []byte, flags uint32) error
	SignInput(ctx context.Context, tx []byte, index uint32, coin, ring []byte, sigHash uint8) (*cryptopool.SignInputResultPacket, error)
}

// Runner executes every job kind of the protocol.
type Runner struct {
	tx TxEngine
}

var _ cryptopool.JobRunner = (*Runner)(nil)

// NewRunner creates a Runner. tx may be nil, in which case transaction jobs fail with
// ErrNoTxEngine.
func NewRunner(tx TxEngine) *Runner {
	return &Runner{tx: tx}
}

// RunJob implements cryptopool.JobRunner.
func (r *Runner) RunJob(ctx context.Context, job cryptopool.Packet) (cryptopool.Packet, error) {
	log := cryptopool.JobLogger(ctx)

	switch p := job.(type) {
	case *cryptopool.CheckPacket:
		return &cryptopool.CheckResultPacket{Err: carried(r.check(ctx, p))}, nil

	case *cryptopool.CheckInputPacket:
		return &cryptopool.CheckInputResultPacket{Err: carried(r.checkInput(ctx, p))}, nil

	case *cryptopool.SignPacket:
		if r.tx == nil {
			return nil, ErrNoTxEngine
		}
		res, err := r.tx.Sign(ctx, p.Tx, p.Rings, p.SigHash)
		if err != nil {
			return nil, err
		}
		if res == nil {
			res = &cryptopool.SignResultPacket{}
		}
		return res, nil

	case *cryptopool.SignInputPacket:
		if r.tx == nil {
			return nil, ErrNoTxEngine
		}
		res, err := r.tx.SignInput(ctx, p.Tx, p.Index, p.Coin, p.Ring, p.SigHash)
		if err != nil {
			return nil, err
		}
		if res == nil {
			res = &cryptopool.SignInputResultPacket{}
		}
		return res, nil

	case *cryptopool.ECVerifyPacket:
		return &cryptopool.ECVerifyResultPacket{Value: Verify(p.Msg, p.Sig, p.Key)}, nil

	case *cryptopool.ECSignPacket:
		sig, err := Sign(p.Msg, p.Key)
		if err != nil {
			return nil, err
		}
		return &cryptopool.ECSignResultPacket{Sig: sig}, nil

	case *cryptopool.MinePacket:
		nonce, found, err := Mine(ctx, p.Header, p.Target, p.Min, p.Max)
		if err != nil {
			return nil, err
		}
		log.Debug("mine finished", zap.Bool("found", found), zap.Uint32("nonce", nonce))
		return &cryptopool.MineResultPacket{Found: found, Nonce: nonce}, nil

	case *cryptopool.ScryptPacket:
		key, err := Scrypt(p.Passwd, p.Salt, p.N, p.R, p.P, p.KeyLen)
		if err != nil {
			return nil, err
		}
		return &cryptopool.ScryptResultPacket{Key: key}, nil
	}

	return nil, fmt.Errorf("unsupported job %s", job.Kind())
}

func (r *Runner) check(ctx context.Context, p *cryptopool.CheckPacket) error {
	if r.tx == nil {
		return ErrNoTxEngine
	}
	return r.tx.Check(ctx, p.Tx, p.View, p.Flags)
}

func (r *Runner) checkInput(ctx context.Context, p *cryptopool.CheckInputPacket) error {
	if r.tx == nil {
		return ErrNoTxEngine
	}
	return r.tx.CheckInput(ctx, p.Tx, p.Index, p.Coin, p.Flags)
}

func carried(err error) *cryptopool.PacketError {
	if err == nil {
		return nil
	}
	return cryptopool.NewPacketError(err)
}

// Sign returns the DER-encoded secp256k1 signature of the 32-byte hash msg.
func Sign(msg, key []byte) ([]byte, error) {
	if len(msg) != 32 {
		return nil, fmt.Errorf("message hash must be 32 bytes, got %d", len(msg))
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("private key must be 32 bytes, got %d", len(key))
	}
	var k secp256k1.ModNScalar
	if overflow := k.SetByteSlice(key); overflow || k.IsZero() {
		return nil, errors.New("invalid private key")
	}
	priv := secp256k1.NewPrivateKey(&k)
	return ecdsa.Sign(priv, msg).Serialize(), nil
}

// Verify checks a DER signature against a serialized public key. Malformed input is not an
// error, it simply does not verify.
func Verify(msg, sig, key []byte) bool {
	pub, err := secp256k1.ParsePubKey(key)
	if err != nil {
		return false
	}
	s, err := ecdsa.ParseDERSignature(sig)
	if err != nil {
		return false
	}
	return s.Verify(msg, pub)
}

// Scrypt derives a key of keyLen bytes.
func Scrypt(passwd, salt []byte, n uint64, r, p, keyLen uint32) ([]byte, error) {
	if n > math.MaxInt32 {
		return nil, fmt.Errorf("scrypt cost %d too large", n)
	}
	return scrypt.Key(passwd, salt, int(n), int(r), int(p), int(keyLen))
}
