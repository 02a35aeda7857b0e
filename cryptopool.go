// Package cryptopool runs CPU-bound cryptographic jobs in a pool of child processes.
//
// # Architecture
//
// Parent and child talk over the child's stdin and stdout with a small binary protocol:
//   - every frame is a 9-byte header (correlation id, packet kind, payload size), the
//     payload and a 0x0A sentinel
//   - a Worker owns one child and multiplexes concurrent jobs over its pipe by correlation id
//   - a Pool spreads jobs round-robin over a fixed number of lazily spawned workers
//   - a Master is the child side: it reads jobs, runs them through a JobRunner and writes
//     the results back
//
// A corrupt stream is fatal to the worker that observed it. Every pending job on that
// worker is rejected and the slot is respawned on the next allocation.
//
// # Quick Start
//
// Child process:
//
//	func main() {
//	    master := cryptopool.NewMaster(os.Stdin, os.Stdout, cryptopool.MasterConfig{
//	        Runner: jobs.NewRunner(nil),
//	    })
//	    if err := master.Run(context.Background()); err != nil {
//	        os.Exit(1)
//	    }
//	}
//
// Parent process:
//
//	cfg := cryptopool.DefaultConfig()
//	cfg.Executable = "/usr/local/bin/cryptopool"
//	cfg.Args = []string{"worker"}
//
//	registry := cryptopool.NewProcessRegistry()
//	defer registry.Shutdown()
//
//	pool := cryptopool.NewPool(cfg, cryptopool.WithRegistry(registry))
//	defer pool.Close()
//
//	key, err := pool.Scrypt(ctx, []byte("password"), []byte("salt"), 16384, 8, 1, 32)
//
// When Config.Enabled is false or no executable is configured, jobs run inline through the
// runner passed with WithRunner.
package cryptopool

// Version is the current library version
const Version = "1.0.0"
