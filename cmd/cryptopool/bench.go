package main

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cryptopool/golang"
)

var (
	benchJobs        int
	benchParallel    int
	benchMetricsAddr string
)

var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "Sign and verify random messages through the pool and report metrics",
	RunE: func(*cobra.Command, []string) error {
		metrics := cryptopool.NewMetrics(benchJobs)

		if benchMetricsAddr != "" {
			reg := prometheus.NewRegistry()
			reg.MustRegister(cryptopool.NewCollector(metrics, "cryptopool"))
			srv := &http.Server{
				Addr:              benchMetricsAddr,
				Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
				ReadHeaderTimeout: 5 * time.Second,
			}
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("metrics server failed", zap.Error(err))
				}
			}()
			defer srv.Close()
			logger.Info("serving metrics", zap.String("addr", benchMetricsAddr))
		}

		priv, err := secp256k1.GeneratePrivateKey()
		if err != nil {
			return err
		}
		key := priv.Serialize()
		pub := priv.PubKey().SerializeCompressed()

		err = withPool(func(ctx context.Context, pool *cryptopool.Pool) error {
			g, ctx := errgroup.WithContext(ctx)
			g.SetLimit(benchParallel)
			for i := 0; i < benchJobs; i++ {
				g.Go(func() error {
					msg := make([]byte, 32)
					if _, err := rand.Read(msg); err != nil {
						return err
					}
					sig, err := pool.ECSign(ctx, msg, key)
					if err != nil {
						return err
					}
					ok, err := pool.ECVerify(ctx, msg, sig, pub)
					if err != nil {
						return err
					}
					if !ok {
						return fmt.Errorf("signature %x did not verify", sig)
					}
					return nil
				})
			}
			return g.Wait()
		}, cryptopool.WithMetrics(metrics))
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(metrics.Snapshot())
	},
}

func init() {
	benchCmd.Flags().IntVar(&benchJobs, "jobs", 1000, "number of sign+verify pairs")
	benchCmd.Flags().IntVar(&benchParallel, "parallel", 32, "jobs in flight at once")
	benchCmd.Flags().StringVar(&benchMetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
}
