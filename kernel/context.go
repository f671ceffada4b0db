package kernel

import "runtime"

// Context is one saved kernel execution context. On the real machine
// this is ra, sp and the callee-saved registers; here the goroutine's
// own stack holds those, and the context is the parking spot a hart is
// handed through when the computation is resumed.
type Context struct {
	resume chan struct{}
}

func newContext() Context {
	return Context{resume: make(chan struct{}, 1)}
}

// swtch saves the current execution context as from and loads to,
// transferring control. It never inspects process state; callers are
// responsible for holding the relevant process lock across the call.
// A context retired while parked (see freeproc) ends its kernel thread
// right here.
func swtch(from, to *Context) {
	// Pin the park channel before handing the hart away: the moment the
	// send lands, a dying process's slot can be reaped and from.resume
	// reassigned for the slot's next occupant.
	ch := from.resume
	to.resume <- struct{}{}
	if _, ok := <-ch; !ok {
		runtime.Goexit()
	}
}

// enter parks a brand-new kernel thread until its context is first
// scheduled. Reports false if the context was retired before ever
// running.
func (ctx *Context) enter() bool {
	_, ok := <-ctx.resume
	return ok
}

// retire marks the context as never to run again, releasing any kernel
// thread parked on it.
func (ctx *Context) retire() {
	close(ctx.resume)
}
