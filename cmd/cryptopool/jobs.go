package main

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cryptopool/golang"
)

var (
	scryptSalt   string
	scryptN      uint64
	scryptR      uint32
	scryptP      uint32
	scryptKeyLen uint32

	mineTarget string
	mineMin    uint32
	mineMax    uint32
)

var scryptCmd = &cobra.Command{
	Use:   "scrypt [password]",
	Short: "Derive a key with scrypt on a worker",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		return withPool(func(ctx context.Context, pool *cryptopool.Pool) error {
			key, err := pool.Scrypt(ctx, []byte(args[0]), []byte(scryptSalt), scryptN, scryptR, scryptP, scryptKeyLen)
			if err != nil {
				return err
			}
			fmt.Println(hex.EncodeToString(key))
			return nil
		})
	},
}

var mineCmd = &cobra.Command{
	Use:   "mine [header-hex]",
	Short: "Search a nonce range for a block header hash below the target",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		header, err := hex.DecodeString(args[0])
		if err != nil {
			return fmt.Errorf("invalid header: %w", err)
		}
		if len(header) != cryptopool.HeaderSize {
			return fmt.Errorf("header must be %d bytes, got %d", cryptopool.HeaderSize, len(header))
		}
		target, err := hex.DecodeString(mineTarget)
		if err != nil {
			return fmt.Errorf("invalid target: %w", err)
		}
		if len(target) != cryptopool.TargetSize {
			return fmt.Errorf("target must be %d bytes, got %d", cryptopool.TargetSize, len(target))
		}

		return withPool(func(ctx context.Context, pool *cryptopool.Pool) error {
			nonce, found, err := pool.Mine(ctx, header, target, mineMin, mineMax)
			if err != nil {
				return err
			}
			if !found {
				fmt.Println("no nonce found")
				return nil
			}
			fmt.Println(nonce)
			return nil
		})
	},
}

func init() {
	scryptCmd.Flags().StringVar(&scryptSalt, "salt", "", "salt")
	scryptCmd.Flags().Uint64Var(&scryptN, "n", 16384, "CPU/memory cost, a power of two")
	scryptCmd.Flags().Uint32Var(&scryptR, "r", 8, "block size")
	scryptCmd.Flags().Uint32Var(&scryptP, "p", 1, "parallelization")
	scryptCmd.Flags().Uint32Var(&scryptKeyLen, "key-len", 32, "derived key length")

	mineCmd.Flags().StringVar(&mineTarget, "target",
		"ffffffffffffffffffffffffffffffffffffffffffffffffffffffffffff0000",
		"256-bit little-endian target, hex")
	mineCmd.Flags().Uint32Var(&mineMin, "min", 0, "first nonce")
	mineCmd.Flags().Uint32Var(&mineMax, "max", 1<<32-1, "end of the nonce range, exclusive")
}
