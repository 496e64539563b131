package pack

import "golang.org/x/sync/errgroup"

// runner schedules the fan-out tasks of a single operation, either on
// the caller's shared Pool or, when none was injected, on a private
// bounded group. wait reaps the private goroutines; it must only be
// called once every scheduled task has signalled completion.
type runner interface {
	run(fn func())
	wait()
}

func newRunner(p Pool, transfers int) runner {
	if p != nil {
		return poolRunner{p: p}
	}
	g := &errgroup.Group{}
	g.SetLimit(transfers)
	return &groupRunner{g: g}
}

type poolRunner struct {
	p Pool
}

func (r poolRunner) run(fn func()) {
	r.p.Submit(fn)
}

func (r poolRunner) wait() {}

type groupRunner struct {
	g *errgroup.Group
}

// run blocks while the group is at its limit, which is fine here: the
// submitting goroutine has nothing else to do and task completion is
// tracked per task, not through the group error.
func (r *groupRunner) run(fn func()) {
	r.g.Go(func() error {
		fn()
		return nil
	})
}

func (r *groupRunner) wait() {
	_ = r.g.Wait()
}
