package kernel

import (
	"bytes"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestMappagesWalkRoundtrip(t *testing.T) {
	k := newTestKernel(t, testConfig())
	c := auxCPU(k, 0)

	pt := k.uvmcreate(c)
	pa := k.kalloc(c)
	if err := k.mappages(c, pt, 0x1000, PGSIZE, pa, PTE_R|PTE_W|PTE_U); err != nil {
		t.Fatalf("mappages: %v", err)
	}

	if got := k.walkaddr(pt, 0x1000); got != pa {
		t.Errorf("walkaddr = %#x, want %#x", got, pa)
	}
	if got := k.walkaddr(pt, 0x1800); got != pa {
		t.Errorf("walkaddr mid-page = %#x, want %#x", got, pa)
	}

	pte := k.walk(c, pt, 0x1000, false).get()
	if want := PA2PTE(pa) | PTE_R | PTE_W | PTE_U | PTE_V; pte != want {
		t.Errorf("pte = %#x, want %#x", pte, want)
	}

	k.uvmunmap(c, pt, 0x1000, 1, true)
	k.freewalk(c, pt)
}

func TestMappagesRemapPanics(t *testing.T) {
	k := newTestKernel(t, testConfig())
	c := auxCPU(k, 0)

	pt := k.uvmcreate(c)
	pa := k.kalloc(c)
	if err := k.mappages(c, pt, 0, PGSIZE, pa, PTE_R|PTE_U); err != nil {
		t.Fatalf("mappages: %v", err)
	}
	expectPanic(t, "mappages: remap", func() {
		k.mappages(c, pt, 0, PGSIZE, pa, PTE_R|PTE_U)
	})
}

func TestWalkHugeVAPanics(t *testing.T) {
	k := newTestKernel(t, testConfig())
	c := auxCPU(k, 0)
	pt := k.uvmcreate(c)

	expectPanic(t, "walk", func() {
		k.walk(c, pt, MAXVA, false)
	})
}

func TestUvmunmapChecks(t *testing.T) {
	k := newTestKernel(t, testConfig())
	c := auxCPU(k, 0)
	pt := k.uvmcreate(c)

	expectPanic(t, "uvmunmap: not aligned", func() {
		k.uvmunmap(c, pt, 0x10, 1, false)
	})
	expectPanic(t, "uvmunmap", func() {
		k.uvmunmap(c, pt, 0x1000, 1, false) // nothing mapped there
	})
}

func TestCopyoutCopyinAcrossPages(t *testing.T) {
	k := newTestKernel(t, testConfig())
	c := auxCPU(k, 0)

	pt := k.uvmcreate(c)
	sz, err := k.uvmalloc(c, pt, 0, 3*PGSIZE, PTE_W)
	if err != nil {
		t.Fatalf("uvmalloc: %v", err)
	}

	src := make([]byte, 300)
	for i := range src {
		src[i] = byte(i)
	}
	// Straddle the first page boundary.
	va := PGSIZE - 100
	if err := k.copyout(pt, va, src); err != nil {
		t.Fatalf("copyout: %v", err)
	}

	got := make([]byte, len(src))
	if err := k.copyin(pt, got, va); err != nil {
		t.Fatalf("copyin: %v", err)
	}
	if diff := cmp.Diff(src, got); diff != "" {
		t.Errorf("copyin round trip mismatch (-want +got):\n%s", diff)
	}

	// The two physical pages behind the boundary are distinct frames.
	if k.walkaddr(pt, 0) == k.walkaddr(pt, PGSIZE) {
		t.Error("adjacent virtual pages share a frame")
	}

	k.uvmfree(c, pt, sz)
}

func TestCopyoutUnmappedFails(t *testing.T) {
	k := newTestKernel(t, testConfig())
	c := auxCPU(k, 0)
	pt := k.uvmcreate(c)

	if err := k.copyout(pt, 0x5000, []byte("x")); !errors.Is(err, ErrBadAddress) {
		t.Errorf("copyout to unmapped va: err = %v, want ErrBadAddress", err)
	}
	if err := k.copyin(pt, make([]byte, 1), 0x5000); !errors.Is(err, ErrBadAddress) {
		t.Errorf("copyin from unmapped va: err = %v, want ErrBadAddress", err)
	}
	k.freewalk(c, pt)
}

func TestCopyoutReadOnlyFails(t *testing.T) {
	k := newTestKernel(t, testConfig())
	c := auxCPU(k, 0)

	pt := k.uvmcreate(c)
	pa := k.kalloc(c)
	if err := k.mappages(c, pt, 0, PGSIZE, pa, PTE_R|PTE_U); err != nil {
		t.Fatalf("mappages: %v", err)
	}
	if err := k.copyout(pt, 0, []byte("x")); !errors.Is(err, ErrBadAddress) {
		t.Errorf("copyout to read-only page: err = %v, want ErrBadAddress", err)
	}
	// Reading still works.
	if err := k.copyin(pt, make([]byte, 8), 0); err != nil {
		t.Errorf("copyin from read-only page: %v", err)
	}
	k.uvmunmap(c, pt, 0, 1, true)
	k.freewalk(c, pt)
}

func TestCopyinstr(t *testing.T) {
	k := newTestKernel(t, testConfig())
	c := auxCPU(k, 0)

	pt := k.uvmcreate(c)
	sz, err := k.uvmalloc(c, pt, 0, 2*PGSIZE, PTE_W)
	if err != nil {
		t.Fatalf("uvmalloc: %v", err)
	}

	// A string straddling the page boundary.
	va := PGSIZE - 3
	if err := k.copyout(pt, va, []byte("hello\x00")); err != nil {
		t.Fatalf("copyout: %v", err)
	}
	s, err := k.copyinstr(pt, va, 32)
	if err != nil {
		t.Fatalf("copyinstr: %v", err)
	}
	if s != "hello" {
		t.Errorf("copyinstr = %q, want %q", s, "hello")
	}

	// No NUL within max.
	if err := k.copyout(pt, 0, bytes.Repeat([]byte{'a'}, 16)); err != nil {
		t.Fatalf("copyout: %v", err)
	}
	if _, err := k.copyinstr(pt, 0, 8); !errors.Is(err, ErrTooLong) {
		t.Errorf("copyinstr without NUL: err = %v, want ErrTooLong", err)
	}

	// Unmapped source.
	if _, err := k.copyinstr(pt, 4*PGSIZE, 8); !errors.Is(err, ErrBadAddress) {
		t.Errorf("copyinstr unmapped: err = %v, want ErrBadAddress", err)
	}

	k.uvmfree(c, pt, sz)
}

func TestUvmallocDeallocSymmetry(t *testing.T) {
	k := newTestKernel(t, testConfig())
	c := auxCPU(k, 0)

	before := k.freepages(c)
	pt := k.uvmcreate(c)

	sz, err := k.uvmalloc(c, pt, 0, 5*PGSIZE, PTE_W)
	if err != nil {
		t.Fatalf("uvmalloc: %v", err)
	}
	if sz != 5*PGSIZE {
		t.Fatalf("uvmalloc sz = %#x, want %#x", sz, 5*PGSIZE)
	}

	sz = k.uvmdealloc(c, pt, sz, 2*PGSIZE)
	if sz != 2*PGSIZE {
		t.Fatalf("uvmdealloc sz = %#x, want %#x", sz, 2*PGSIZE)
	}
	if k.walkaddr(pt, 2*PGSIZE) != 0 {
		t.Error("page still mapped after shrink")
	}
	if k.walkaddr(pt, PGSIZE) == 0 {
		t.Error("kept page unmapped after shrink")
	}

	k.uvmfree(c, pt, sz)
	if got := k.freepages(c); got != before {
		t.Errorf("freepages = %d after uvmfree, want %d", got, before)
	}
}

func TestUvmallocRollbackOnExhaustion(t *testing.T) {
	cfg := testConfig()
	cfg.MemoryMiB = 1
	k := newTestKernel(t, cfg)
	c := auxCPU(k, 0)

	pt := k.uvmcreate(c)
	sz, err := k.uvmalloc(c, pt, 0, 2*PGSIZE, PTE_W)
	if err != nil {
		t.Fatalf("uvmalloc: %v", err)
	}

	// Ask for far more than the machine has.
	huge := uint64(k.freepages(c)+16) * PGSIZE
	got, err := k.uvmalloc(c, pt, sz, sz+huge, PTE_W)
	if !errors.Is(err, ErrNoMem) {
		t.Fatalf("uvmalloc err = %v, want ErrNoMem", err)
	}
	if got != sz {
		t.Fatalf("failed uvmalloc returned sz %#x, want old size %#x", got, sz)
	}

	// The original pages survived the unwind.
	for va := uint64(0); va < sz; va += PGSIZE {
		if k.walkaddr(pt, va) == 0 {
			t.Errorf("page at %#x lost in rollback", va)
		}
	}
	k.uvmfree(c, pt, sz)
}

func TestUvmcopyIsolation(t *testing.T) {
	k := newTestKernel(t, testConfig())
	c := auxCPU(k, 0)

	parent := k.uvmcreate(c)
	sz, err := k.uvmalloc(c, parent, 0, 2*PGSIZE, PTE_W)
	if err != nil {
		t.Fatalf("uvmalloc: %v", err)
	}
	if err := k.copyout(parent, 0x100, []byte("parent data")); err != nil {
		t.Fatalf("copyout: %v", err)
	}

	child := k.uvmcreate(c)
	if err := k.uvmcopy(c, parent, child, sz); err != nil {
		t.Fatalf("uvmcopy: %v", err)
	}

	// Same contents, different frames.
	got := make([]byte, 11)
	if err := k.copyin(child, got, 0x100); err != nil {
		t.Fatalf("copyin: %v", err)
	}
	if string(got) != "parent data" {
		t.Errorf("child sees %q, want %q", got, "parent data")
	}
	if k.walkaddr(parent, 0) == k.walkaddr(child, 0) {
		t.Error("fork shares frames with parent")
	}

	// Writes to the child stay in the child.
	if err := k.copyout(child, 0x100, []byte("child data!")); err != nil {
		t.Fatalf("copyout: %v", err)
	}
	if err := k.copyin(parent, got, 0x100); err != nil {
		t.Fatalf("copyin: %v", err)
	}
	if string(got) != "parent data" {
		t.Errorf("parent sees %q after child write, want %q", got, "parent data")
	}

	k.uvmfree(c, parent, sz)
	k.uvmfree(c, child, sz)
}

func TestUvmcopyRollbackOnExhaustion(t *testing.T) {
	cfg := testConfig()
	cfg.MemoryMiB = 1
	k := newTestKernel(t, cfg)
	c := auxCPU(k, 0)

	parent := k.uvmcreate(c)
	// Take more than half of the remaining pages so the copy can't fit.
	n := uint64(k.freepages(c))/2 + 8
	sz, err := k.uvmalloc(c, parent, 0, n*PGSIZE, PTE_W)
	if err != nil {
		t.Fatalf("uvmalloc: %v", err)
	}

	child := k.uvmcreate(c)
	free := k.freepages(c)
	if err := k.uvmcopy(c, parent, child, sz); !errors.Is(err, ErrNoMem) {
		t.Fatalf("uvmcopy err = %v, want ErrNoMem", err)
	}
	// Every user page the partial copy took came back. Interior table
	// pages stay with the child's table until uvmfree.
	k.uvmfree(c, child, 0)
	if got := k.freepages(c); got < free-8 {
		t.Errorf("freepages = %d after unwind, want about %d", got, free)
	}
	k.uvmfree(c, parent, sz)
}

func TestTranslatePermissionChecks(t *testing.T) {
	k := newTestKernel(t, testConfig())
	c := auxCPU(k, 0)

	pt := k.uvmcreate(c)
	pa := k.kalloc(c)
	if err := k.mappages(c, pt, 0, PGSIZE, pa, PTE_R|PTE_X|PTE_U); err != nil {
		t.Fatalf("mappages: %v", err)
	}

	if _, ok := k.translate(pt, 0x10, PTE_R); !ok {
		t.Error("readable page failed PTE_R translate")
	}
	if _, ok := k.translate(pt, 0x10, PTE_X); !ok {
		t.Error("executable page failed PTE_X translate")
	}
	if _, ok := k.translate(pt, 0x10, PTE_W); ok {
		t.Error("read-only page passed PTE_W translate")
	}
	if _, ok := k.translate(pt, PGSIZE, PTE_R); ok {
		t.Error("unmapped page passed translate")
	}

	// Supervisor-only pages are invisible to user accesses.
	pa2 := k.kalloc(c)
	if err := k.mappages(c, pt, PGSIZE, PGSIZE, pa2, PTE_R); err != nil {
		t.Fatalf("mappages: %v", err)
	}
	if _, ok := k.translate(pt, PGSIZE, PTE_R); ok {
		t.Error("non-user page passed user translate")
	}

	k.uvmunmap(c, pt, 0, 2, true)
	k.freewalk(c, pt)
}

func TestUvmclearBlocksUserAccess(t *testing.T) {
	k := newTestKernel(t, testConfig())
	c := auxCPU(k, 0)

	pt := k.uvmcreate(c)
	sz, err := k.uvmalloc(c, pt, 0, PGSIZE, PTE_W)
	if err != nil {
		t.Fatalf("uvmalloc: %v", err)
	}
	k.uvmclear(c, pt, 0)
	if _, ok := k.translate(pt, 0, PTE_R); ok {
		t.Error("cleared page still user accessible")
	}
	if err := k.copyout(pt, 0, []byte("x")); !errors.Is(err, ErrBadAddress) {
		t.Errorf("copyout to guard page: err = %v, want ErrBadAddress", err)
	}
	k.uvmfree(c, pt, sz)
}
