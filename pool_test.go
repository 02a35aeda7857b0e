package cryptopool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPool(t *testing.T, size int, spawner *fakeSpawner, opts ...Option) *Pool {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Size = size
	p := NewPool(cfg, append([]Option{WithSpawner(spawner.Spawn)}, opts...)...)
	t.Cleanup(func() { p.Close() })
	return p
}

func TestPool_RoundRobin(t *testing.T) {
	spawner := &fakeSpawner{respond: answer}
	p := newTestPool(t, 4, spawner)

	const rounds = 5
	var slots []int
	for i := 0; i < 4*rounds; i++ {
		w, err := p.Allocate()
		require.NoError(t, err)
		slots = append(slots, w.Slot())
	}

	for i, slot := range slots {
		assert.Equal(t, i%4, slot)
	}
	assert.Len(t, spawner.spawned(), 4, "slots are spawned once, lazily")
	assert.Len(t, p.Workers(), 4)
}

func TestPool_LazySpawn(t *testing.T) {
	spawner := &fakeSpawner{respond: answer}
	p := newTestPool(t, 8, spawner)

	assert.Empty(t, spawner.spawned())
	_, err := p.ECSign(context.Background(), []byte("m"), []byte("k"))
	require.NoError(t, err)
	assert.Len(t, spawner.spawned(), 1)
}

func TestPool_Execute(t *testing.T) {
	spawner := &fakeSpawner{respond: answer}
	metrics := NewMetrics(100)
	p := newTestPool(t, 2, spawner, WithMetrics(metrics))
	ctx := context.Background()

	t.Run("typed ops", func(t *testing.T) {
		sig, err := p.ECSign(ctx, []byte("m"), []byte("k"))
		require.NoError(t, err)
		assert.Equal(t, []byte("sig:m"), sig)

		key, err := p.Scrypt(ctx, []byte("pw"), nil, 16, 1, 1, 8)
		require.NoError(t, err)
		assert.Equal(t, []byte("key:pw"), key)

		ok, err := p.ECVerify(ctx, []byte("m"), sig, []byte("pub"))
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("carried check error", func(t *testing.T) {
		require.NoError(t, p.Check(ctx, []byte{1}, nil, 0))

		err := p.Check(ctx, nil, nil, 0)
		var pe *PacketError
		require.ErrorAs(t, err, &pe)
		assert.Equal(t, "empty tx", pe.Message)
	})

	t.Run("error result", func(t *testing.T) {
		_, _, err := p.Mine(ctx, make([]byte, HeaderSize), make([]byte, TargetSize), 0, 1)
		var pe *PacketError
		require.ErrorAs(t, err, &pe)
		assert.Contains(t, pe.Message, "unsupported MINE")
	})

	t.Run("metrics", func(t *testing.T) {
		s := metrics.Snapshot()
		assert.Equal(t, 6, s.JobsTotal)
		assert.Equal(t, 5, s.JobsSuccess)
		assert.Equal(t, 1, s.JobsFailed)
		assert.Equal(t, 2, s.WorkersSpawned)
		assert.Equal(t, 0, s.InFlight)
	})
}

// Two jobs go to one worker; the child answers in reverse order and each caller still
// gets its own result.
func TestPool_ReverseOrderScenario(t *testing.T) {
	spawner := &fakeSpawner{}
	p := newTestPool(t, 2, spawner)

	w, err := p.Allocate()
	require.NoError(t, err)
	require.Equal(t, 0, w.Slot())

	first := w.Go(&ECSignPacket{Msg: []byte("first"), Key: []byte("k")}, NoTimeout)
	second := w.Go(&ECSignPacket{Msg: []byte("second"), Key: []byte("k")}, NoTimeout)
	assert.Equal(t, first.ID()+1, second.ID())

	ft := spawner.spawned()[0]
	ft.waitSent(t, 3)
	ft.reply(t, second.ID(), &ECSignResultPacket{Sig: []byte("for second")})
	ft.reply(t, first.ID(), &ECSignResultPacket{Sig: []byte("for first")})

	ctx := context.Background()
	r1, err := first.Wait(ctx)
	require.NoError(t, err)
	r2, err := second.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("for first"), r1.(*ECSignResultPacket).Sig)
	assert.Equal(t, []byte("for second"), r2.(*ECSignResultPacket).Sig)

	assert.Equal(t, 2, p.Size())
	assert.Len(t, spawner.spawned(), 1, "slot 1 is never touched")
	assert.Zero(t, w.Pending())
}

func TestPool_Timeout(t *testing.T) {
	spawner := &fakeSpawner{}
	cfg := DefaultConfig()
	cfg.Size = 1
	cfg.Timeout = 20 * time.Millisecond
	p := NewPool(cfg, WithSpawner(spawner.Spawn))
	defer p.Close()

	t.Run("zero uses the pool default", func(t *testing.T) {
		_, err := p.Execute(context.Background(), &ECSignPacket{}, 0)
		assert.ErrorIs(t, err, ErrJobTimedOut)
	})

	t.Run("no timeout waits for ctx", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
		defer cancel()
		_, err := p.Execute(ctx, &ECSignPacket{}, NoTimeout)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func TestPool_Inline(t *testing.T) {
	runner := JobRunnerFunc(func(_ context.Context, job Packet) (Packet, error) {
		switch p := job.(type) {
		case *ECSignPacket:
			return &ECSignResultPacket{Sig: p.Msg}, nil
		case *ScryptPacket:
			return &ECSignResultPacket{}, nil
		case *MinePacket:
			panic("boom")
		case *CheckPacket:
			return &ErrorResultPacket{Err: &PacketError{Message: "nope"}}, nil
		}
		return nil, errors.New("unsupported")
	})
	ctx := context.Background()

	t.Run("disabled pool", func(t *testing.T) {
		spawner := &fakeSpawner{respond: answer}
		cfg := DefaultConfig()
		cfg.Enabled = false
		metrics := NewMetrics(10)
		p := NewPool(cfg, WithSpawner(spawner.Spawn), WithRunner(runner), WithMetrics(metrics))
		defer p.Close()

		assert.True(t, p.Inline())
		sig, err := p.ECSign(ctx, []byte("m"), nil)
		require.NoError(t, err)
		assert.Equal(t, []byte("m"), sig)
		assert.Empty(t, spawner.spawned())
		assert.Equal(t, 1, metrics.Snapshot().JobsInline)
	})

	t.Run("no executable", func(t *testing.T) {
		p := NewPool(DefaultConfig(), WithRunner(runner))
		defer p.Close()
		assert.True(t, p.Inline())

		sig, err := p.ECSign(ctx, []byte("x"), nil)
		require.NoError(t, err)
		assert.Equal(t, []byte("x"), sig)
	})

	t.Run("same result contract", func(t *testing.T) {
		p := NewPool(Config{Enabled: false}, WithRunner(runner))
		defer p.Close()

		_, err := p.Scrypt(ctx, nil, nil, 16, 1, 1, 8)
		var unexpected *UnexpectedResultError
		assert.ErrorAs(t, err, &unexpected)

		_, _, err = p.Mine(ctx, make([]byte, HeaderSize), make([]byte, TargetSize), 0, 1)
		var pe *PacketError
		require.ErrorAs(t, err, &pe)
		assert.Equal(t, "panic", pe.Type)

		err = p.Check(ctx, []byte{1}, nil, 0)
		require.ErrorAs(t, err, &pe)
		assert.Equal(t, "nope", pe.Message)
	})

	t.Run("inline timeout", func(t *testing.T) {
		slow := JobRunnerFunc(func(ctx context.Context, job Packet) (Packet, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		})
		p := NewPool(Config{Enabled: false}, WithRunner(slow))
		defer p.Close()

		_, err := p.Execute(ctx, &ECSignPacket{}, 10*time.Millisecond)
		assert.ErrorIs(t, err, ErrJobTimedOut)
	})

	t.Run("no runner", func(t *testing.T) {
		p := NewPool(Config{Enabled: false})
		defer p.Close()
		_, err := p.Execute(ctx, &ECSignPacket{}, NoTimeout)
		assert.ErrorIs(t, err, ErrNoRunner)
	})
}

func TestPool_EvictAndRespawn(t *testing.T) {
	spawner := &fakeSpawner{respond: answer}
	exits := make(chan *Worker, 4)
	p := newTestPool(t, 1, spawner, WithHooks(Hooks{
		OnExit: func(_ int, w *Worker) { exits <- w },
	}))

	w1, err := p.Allocate()
	require.NoError(t, err)

	// The child dies: its reader reports exit and the slot is emptied.
	require.NoError(t, spawner.spawned()[0].Terminate())
	assert.Same(t, w1, <-exits)
	require.Eventually(t, func() bool { return len(p.Workers()) == 0 }, time.Second, time.Millisecond)

	w2, err := p.Allocate()
	require.NoError(t, err)
	assert.NotSame(t, w1, w2)
	assert.True(t, w2.Usable())
	assert.Len(t, spawner.spawned(), 2)

	t.Run("stale eviction keeps the new worker", func(t *testing.T) {
		p.evict(w1)
		assert.Equal(t, []*Worker{w2}, p.Workers())
	})
}

func TestPool_SpawnError(t *testing.T) {
	var hookErr error
	spawner := &fakeSpawner{err: errors.New("exec format error")}
	p := newTestPool(t, 2, spawner, WithHooks(Hooks{
		OnError: func(err error, w *Worker) {
			assert.Nil(t, w)
			hookErr = err
		},
	}))

	_, err := p.Execute(context.Background(), &ECSignPacket{}, NoTimeout)
	assert.ErrorContains(t, err, "exec format error")
	assert.ErrorContains(t, hookErr, "exec format error")
	assert.Empty(t, p.Workers())
}

func TestPool_ConcurrentAllocate(t *testing.T) {
	spawner := &fakeSpawner{respond: answer}
	p := newTestPool(t, 3, spawner)

	var wg sync.WaitGroup
	errs := make(chan error, 300)
	for i := 0; i < 300; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			msg := []byte(fmt.Sprintf("m%d", i))
			sig, err := p.ECSign(context.Background(), msg, nil)
			if err == nil && string(sig) != "sig:"+string(msg) {
				err = fmt.Errorf("job %d got %q", i, sig)
			}
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	assert.Len(t, spawner.spawned(), 3, "each slot spawned exactly once")
}

func TestPool_Close(t *testing.T) {
	spawner := &fakeSpawner{}
	p := newTestPool(t, 2, spawner)

	calls := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := p.Execute(context.Background(), &ScryptPacket{}, NoTimeout)
			calls <- err
		}()
	}
	require.Eventually(t, func() bool {
		total := 0
		for _, w := range p.Workers() {
			total += w.Pending()
		}
		return total == 2
	}, time.Second, time.Millisecond)

	require.NoError(t, p.Close())

	for i := 0; i < 2; i++ {
		assert.ErrorIs(t, <-calls, ErrWorkerDestroyed)
	}
	for _, ft := range spawner.spawned() {
		assert.True(t, ft.isTerminated())
	}
	assert.Empty(t, p.Workers())

	_, err := p.Execute(context.Background(), &ScryptPacket{}, NoTimeout)
	assert.ErrorIs(t, err, ErrPoolClosed)
	_, err = p.Allocate()
	assert.ErrorIs(t, err, ErrPoolClosed)
	assert.NoError(t, p.Close(), "close is idempotent")
}

func TestPool_BroadcastEvent(t *testing.T) {
	spawner := &fakeSpawner{respond: answer}
	p := newTestPool(t, 3, spawner)

	for i := 0; i < 3; i++ {
		_, err := p.Allocate()
		require.NoError(t, err)
	}

	ev := NewEvent("tip", Int(840000))
	require.NoError(t, p.BroadcastEvent(ev))

	for _, ft := range spawner.spawned() {
		frames := ft.waitSent(t, 2)
		assert.Equal(t, KindEvent, frames[1].Kind)
		assert.Equal(t, &EventPacket{Event: ev}, frames[1].Packet)
	}

	t.Run("reports send failures", func(t *testing.T) {
		w := p.Workers()[0]
		w.Destroy()
		// Destroy evicts the slot, so only live workers are addressed.
		require.NoError(t, p.BroadcastEvent(ev))

		spawner.spawned()[1].failSends(errors.New("broken pipe"))
		err := p.BroadcastEvent(ev)
		assert.ErrorContains(t, err, "broken pipe")
	})
}

func TestPool_EnvCarriesPoolID(t *testing.T) {
	spawner := &fakeSpawner{respond: answer}
	cfg := DefaultConfig()
	cfg.Size = 1
	cfg.Network = "testnet"
	p := NewPool(cfg, WithSpawner(spawner.Spawn))
	defer p.Close()

	_, err := p.Allocate()
	require.NoError(t, err)

	env := spawner.spawned()[0].waitSent(t, 1)[0].Packet.(*EnvPacket)
	assert.Equal(t, "testnet", env.Network)
	assert.Equal(t, p.ID(), env.Vars["CRYPTOPOOL_POOL_ID"])
	assert.Len(t, p.ID(), 36)
}
