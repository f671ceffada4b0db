package kernel

import (
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"
)

func testConfig() Config {
	return Config{
		Harts:          2,
		MemoryMiB:      8,
		TickIntervalUs: 1000,
		Init:           "init",
		LogLevel:       "error",
	}
}

// newTestKernel builds a kernel and runs the boot sequence on hart 0,
// but starts no schedulers and no clock.
func newTestKernel(t *testing.T, cfg Config) *Kernel {
	t.Helper()
	k, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c0 := &k.cpus[0]
	initlock(&k.pr.lock, "cons")
	k.kinit(c0)
	k.kvminit(c0)
	k.procinit(c0)
	k.trapinit(c0)
	k.diskinit(c0)
	return k
}

// auxCPU hands out hart slots from the top of the table, which the
// schedulers under test never use. Every concurrently running test
// goroutine needs its own.
func auxCPU(k *Kernel, i int) *CPU {
	return &k.cpus[NCPU-1-i]
}

// runSchedulers starts one scheduler goroutine per hart. The caller
// stops them with k.mach.halt() and then waits.
func runSchedulers(k *Kernel, harts int) *errgroup.Group {
	var g errgroup.Group
	for i := 0; i < harts; i++ {
		c := &k.cpus[i]
		g.Go(func() error {
			k.scheduler(c)
			return nil
		})
	}
	return &g
}

func waitTrue(t *testing.T, what string, f func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !f() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func waitBool(t *testing.T, what string, b *atomic.Bool) {
	t.Helper()
	waitTrue(t, what, b.Load)
}

// expectPanic runs f and checks it dies with a kernel panic containing
// want.
func expectPanic(t *testing.T, want string, f func()) {
	t.Helper()
	defer func() {
		r := recover()
		if r == nil {
			t.Fatalf("expected panic %q, got none", want)
		}
		msg, ok := r.(string)
		if !ok || !strings.Contains(msg, want) {
			t.Fatalf("expected panic containing %q, got %v", want, r)
		}
	}()
	f()
}
