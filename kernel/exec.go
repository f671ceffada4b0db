package kernel

import "errors"

var ErrNoImage = errors.New("no such image")

// Image is a linked user program: flat text+data loaded at address 0.
// There is no filesystem; images are registered by name before boot.
type Image struct {
	Name  string
	Entry uint64
	Text  []byte
}

// RegisterImage makes a program available to exec under its name.
func (k *Kernel) RegisterImage(img Image) {
	k.images[img.Name] = img
}

// exec replaces p's address space with the named image. On failure the
// old image remains intact and the process keeps running in it.
func (k *Kernel) exec(p *Proc, name string) error {
	img, ok := k.images[name]
	if !ok {
		return ErrNoImage
	}
	c := p.cpu

	pt := k.procPagetable(c, p)
	if pt == 0 {
		return ErrNoMem
	}

	// Load the program text and data.
	sz := uint64(0)
	sz, err := k.uvmalloc(c, pt, sz, uint64(len(img.Text)), PTE_W|PTE_X)
	if err != nil {
		k.procFreePagetable(c, pt, sz)
		return err
	}
	if err := k.copyout(pt, 0, img.Text); err != nil {
		k.procFreePagetable(c, pt, sz)
		return err
	}

	// Two more pages: the lower is a stack guard, made inaccessible to
	// user code, the upper the user stack.
	sz = PGROUNDUP(sz)
	sz, err = k.uvmalloc(c, pt, sz, sz+2*PGSIZE, PTE_W)
	if err != nil {
		k.procFreePagetable(c, pt, sz)
		return err
	}
	k.uvmclear(c, pt, sz-2*PGSIZE)
	sp := sz

	// Commit to the new image.
	oldpt := p.pagetable
	oldsz := p.sz
	p.pagetable = pt
	p.sz = sz
	p.tf.setEpc(img.Entry)
	p.tf.setReg(regSP, sp)
	p.name = img.Name
	k.procFreePagetable(c, oldpt, oldsz)

	return nil
}
