package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cryptopool/golang"
	"github.com/cryptopool/golang/jobs"
)

var (
	envFile string
	debug   bool
	size    int
	inline  bool

	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:           "cryptopool",
	Short:         "Run crypto jobs on a pool of worker processes",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(*cobra.Command, []string) error {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to load %s: %w", envFile, err)
		}
		l, err := cryptopool.NewLogger(debug || os.Getenv("CRYPTOPOOL_DEBUG") == "true")
		if err != nil {
			return fmt.Errorf("failed to create logger: %w", err)
		}
		logger = l
		return nil
	},
	PersistentPostRun: func(*cobra.Command, []string) {
		_ = logger.Sync()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file to load")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
	rootCmd.PersistentFlags().IntVar(&size, "size", 0, "number of worker processes (default: CRYPTOPOOL_SIZE or CPU count)")
	rootCmd.PersistentFlags().BoolVar(&inline, "inline", false, "run jobs in this process")

	rootCmd.AddCommand(workerCmd, scryptCmd, mineCmd, benchCmd, versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(*cobra.Command, []string) {
		fmt.Println(cryptopool.Version)
	},
}

// newPool builds a pool whose children are this binary running the worker command.
func newPool(registry *cryptopool.ProcessRegistry, opts ...cryptopool.Option) (*cryptopool.Pool, error) {
	cfg := cryptopool.LoadConfig()
	if size > 0 {
		cfg.Size = size
	}
	if inline {
		cfg.Enabled = false
	}
	if cfg.Executable == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("failed to locate executable: %w", err)
		}
		cfg.Executable = exe
		cfg.Args = []string{"worker"}
		if debug {
			cfg.Args = append(cfg.Args, "--debug")
		}
	}

	opts = append([]cryptopool.Option{
		cryptopool.WithLogger(logger),
		cryptopool.WithRegistry(registry),
		cryptopool.WithRunner(jobs.NewRunner(nil)),
		cryptopool.WithHooks(cryptopool.Hooks{
			OnLog: func(text string, w *cryptopool.Worker) {
				fmt.Fprintf(os.Stderr, "[worker %d] %s\n", w.Slot(), text)
			},
		}),
	}, opts...)
	return cryptopool.NewPool(cfg, opts...), nil
}

// withPool runs fn with a pool and reaps every child on return or on SIGINT/SIGTERM.
func withPool(fn func(ctx context.Context, pool *cryptopool.Pool) error, opts ...cryptopool.Option) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := cryptopool.NewProcessRegistry()
	defer func() {
		if err := registry.Shutdown(); err != nil {
			logger.Warn("failed to stop worker processes", zap.Error(err))
		}
	}()

	pool, err := newPool(registry, opts...)
	if err != nil {
		return err
	}
	defer pool.Close()

	go func() {
		<-ctx.Done()
		pool.Close()
	}()

	return fn(ctx, pool)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "cryptopool failed: %v\n", err)
		os.Exit(1)
	}
}
