// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package scenario

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/cenkalti/backoff"
	"golang.org/x/sync/errgroup"

	"gvisor.dev/vmcore/pkg/cleanup"
	"gvisor.dev/vmcore/pkg/hostarch"
	"gvisor.dev/vmcore/pkg/log"
	"gvisor.dev/vmcore/pkg/memobj"
	"gvisor.dev/vmcore/pkg/metric"
	"gvisor.dev/vmcore/pkg/pagetables"
	"gvisor.dev/vmcore/pkg/pgalloc"
	"gvisor.dev/vmcore/pkg/vm"
	"gvisor.dev/vmcore/vmsim/config"
)

// faultRetryInterval is the delay between retries of a fault that ran out of
// memory.
const faultRetryInterval = time.Millisecond

// Runner holds the address space built for a scenario.
type Runner struct {
	conf *config.Config
	sc   *Scenario
	out  io.Writer

	alloc *pgalloc.Allocator
	pt    *pagetables.PageTables
	as    *vm.AddressSpace

	objects map[string]*memobj.Object
	regions map[string]vm.Region

	teardown func() error
}

// Result summarizes a run.
type Result struct {
	// Steps is the number of steps run.
	Steps int

	// Failures describes every step whose outcome did not match its
	// expectation, and any thread or invariant failure.
	Failures []string
}

// OK returns true if nothing failed.
func (r *Result) OK() bool {
	return len(r.Failures) == 0
}

// New builds the objects, areas and mappings of sc. Dumps and metrics
// requested by steps are written to out. The caller must call Close.
func New(conf *config.Config, sc *Scenario, out io.Writer) (*Runner, error) {
	conf, err := conf.WithOverrides(sc.Config)
	if err != nil {
		return nil, fmt.Errorf("scenario %q: %w", sc.Name, err)
	}
	alloc, err := pgalloc.New(pgalloc.Options{MaxFrames: conf.Frames})
	if err != nil {
		return nil, err
	}
	pt := pagetables.New(pagetables.Opts{})
	as, err := vm.NewAddressSpace(pt, vm.Options{
		Name:           sc.Name,
		MaxRegions:     conf.MaxRegions,
		CoalescerPages: conf.CoalescerPages,
	})
	if err != nil {
		return nil, err
	}
	r := &Runner{
		conf:    conf,
		sc:      sc,
		out:     out,
		alloc:   alloc,
		pt:      pt,
		as:      as,
		objects: make(map[string]*memobj.Object),
		regions: make(map[string]vm.Region),
	}

	cu := cleanup.Make(pt.Release)
	defer cu.Clean()
	cu.AddErr(r.destroyAddressSpace)

	for _, o := range sc.Objects {
		var (
			obj *memobj.Object
			err error
		)
		if o.CloneOf != "" {
			obj, err = r.objects[o.CloneOf].Clone(o.Name)
		} else {
			obj, err = memobj.New(alloc, o.Size, o.Name)
		}
		if err != nil {
			return nil, fmt.Errorf("object %q: %w", o.Name, err)
		}
		cu.Add(obj.DecRef)
		r.objects[o.Name] = obj
	}

	for _, a := range sc.Areas {
		parent, err := r.area(a.Parent)
		if err != nil {
			return nil, err
		}
		allowed, _ := parseAllowed(a.Allowed)
		sub, err := parent.CreateSubArea(a.Offset, a.Size, allowed, a.Name)
		if err != nil {
			return nil, fmt.Errorf("area %q: %w", a.Name, err)
		}
		r.regions[a.Name] = sub
	}

	for _, m := range sc.Mappings {
		parent, err := r.area(m.Area)
		if err != nil {
			return nil, err
		}
		flags, _ := mappingFlags(m)
		mapping, err := parent.CreateMapping(m.Offset, m.Size, flags, r.objects[m.Object], m.ObjectOffset, m.Name)
		if err != nil {
			return nil, fmt.Errorf("mapping %q: %w", m.Name, err)
		}
		if err := mapping.Activate(); err != nil {
			return nil, fmt.Errorf("mapping %q: %w", m.Name, err)
		}
		r.regions[m.Name] = mapping
	}

	r.teardown = cu.Release()
	log.Infof("scenario %q: %d objects, %d regions", sc.Name, len(r.objects), as.Regions())
	return r, nil
}

// AddressSpace returns the address space under test.
func (r *Runner) AddressSpace() *vm.AddressSpace {
	return r.as
}

// Allocator returns the frame allocator backing every object.
func (r *Runner) Allocator() *pgalloc.Allocator {
	return r.alloc
}

// Close destroys the address space and drops the objects.
func (r *Runner) Close() error {
	return r.teardown()
}

func (r *Runner) destroyAddressSpace() error {
	if err := r.as.Destroy(); err != nil && !errors.Is(err, vm.ErrBadState) {
		return err
	}
	return nil
}

// area returns the named area; empty names the root area.
func (r *Runner) area(name string) (*vm.Area, error) {
	if name == "" {
		return r.as.RootArea(), nil
	}
	a, ok := r.regions[name].(*vm.Area)
	if !ok {
		return nil, fmt.Errorf("%q is not an area", name)
	}
	return a, nil
}

func (r *Runner) mapping(name string) (*vm.Mapping, error) {
	m, ok := r.regions[name].(*vm.Mapping)
	if !ok {
		return nil, fmt.Errorf("%w: %q is not a mapping", vm.ErrInvalidArgument, name)
	}
	return m, nil
}

// target returns the named region; empty names the root area.
func (r *Runner) target(name string) vm.Region {
	if name == "" {
		return r.as.RootArea()
	}
	return r.regions[name]
}

// Run runs the steps in order, then the threads, then checks the region tree
// invariants. An error is returned only if ctx is cancelled; step failures
// are reported in the Result.
func (r *Runner) Run(ctx context.Context) (*Result, error) {
	res := &Result{}
	for i, st := range r.sc.Steps {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		err := r.step(ctx, &st)
		res.Steps++
		if msg := checkExpect(st.Expect, err); msg != "" {
			log.Warningf("scenario %q: step %d (%s): %s", r.sc.Name, i, st.Op, msg)
			res.Failures = append(res.Failures, fmt.Sprintf("step %d (%s): %s", i, st.Op, msg))
		}
	}
	if len(r.sc.Threads) > 0 {
		if err := r.runThreads(ctx); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return res, ctxErr
			}
			res.Failures = append(res.Failures, err.Error())
		}
	}
	if err := r.as.CheckInvariants(); err != nil {
		res.Failures = append(res.Failures, fmt.Sprintf("invariants: %v", err))
	}
	return res, nil
}

// checkExpect returns a description of the mismatch between err and the
// expected error kind, or "" if they match.
func checkExpect(expect string, err error) string {
	switch {
	case expect == "" && err == nil:
		return ""
	case expect == "":
		return fmt.Sprintf("unexpected error: %v", err)
	case err == nil:
		return fmt.Sprintf("succeeded, want %s error", expect)
	case !errors.Is(err, errorKinds[expect]):
		return fmt.Sprintf("got %v, want %s error", err, expect)
	}
	return ""
}

type protector interface {
	Protect(base hostarch.Addr, size uint64, flags hostarch.MMUFlags) error
}

type unmapper interface {
	Unmap(base hostarch.Addr, size uint64) error
}

type destroyer interface {
	Destroy() error
}

func (r *Runner) step(ctx context.Context, st *Step) error {
	switch st.Op {
	case "fault":
		ff, _ := vm.ParseFaultFlags(st.Flags)
		return r.fault(ctx, hostarch.Addr(st.Addr), ff)

	case "protect":
		flags, _ := hostarch.ParseMMUFlags(st.Flags)
		return r.target(st.Target).(protector).Protect(hostarch.Addr(st.Addr), st.Size, flags)

	case "unmap":
		return r.target(st.Target).(unmapper).Unmap(hostarch.Addr(st.Addr), st.Size)

	case "commit", "map":
		m, err := r.mapping(st.Target)
		if err != nil {
			return err
		}
		return m.MapRange(st.Offset, st.Size, st.Op == "commit")

	case "decommit":
		m, err := r.mapping(st.Target)
		if err != nil {
			return err
		}
		n, err := m.DecommitRange(st.Offset, st.Size)
		log.Debugf("scenario %q: decommitted %d pages of %q", r.sc.Name, n, st.Target)
		return err

	case "destroy":
		if st.Target == "" {
			return r.as.Destroy()
		}
		return r.regions[st.Target].(destroyer).Destroy()

	case "poke":
		return r.objects[st.Object].Poke(st.Offset, st.Value)

	case "peek":
		b, err := r.objects[st.Object].Peek(st.Offset)
		if err != nil {
			return err
		}
		if b != st.Value {
			return fmt.Errorf("object %q offset %#x holds %d, want %d", st.Object, st.Offset, b, st.Value)
		}
		return nil

	case "dump":
		return r.as.Dump(r.out)

	case "check":
		return r.as.CheckInvariants()

	case "metrics":
		return metric.WriteText(r.out, "/vm/")
	}
	return fmt.Errorf("unknown op %q", st.Op)
}

// fault resolves a fault at va, retrying up to conf.FaultRetries times while
// it fails for lack of memory.
func (r *Runner) fault(ctx context.Context, va hostarch.Addr, ff vm.FaultFlags) error {
	if r.conf.FaultRetries == 0 {
		return r.as.PageFault(va, ff)
	}
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(faultRetryInterval), uint64(r.conf.FaultRetries)), ctx)
	op := func() error {
		err := r.as.PageFault(va, ff)
		if err != nil && !errors.Is(err, vm.ErrNoMemory) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, next time.Duration) {
		log.Debugf("scenario %q: retrying fault at %v in %v: %v", r.sc.Name, va, next, err)
	}
	return backoff.RetryNotify(op, b, notify)
}

// runThreads runs every thread concurrently and returns the first failure.
func (r *Runner) runThreads(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, th := range r.sc.Threads {
		ff, _ := vm.ParseFaultFlags(th.Flags)
		g.Go(func() error {
			for i := 0; i < max(th.Repeat, 1); i++ {
				for _, a := range th.Addrs {
					if err := ctx.Err(); err != nil {
						return err
					}
					err := r.fault(ctx, hostarch.Addr(a), ff)
					if err != nil && !allowed(th.Allow, err) {
						return fmt.Errorf("thread %q: fault at %#x: %w", th.Name, a, err)
					}
				}
			}
			return nil
		})
	}
	return g.Wait()
}

func allowed(kinds []string, err error) bool {
	for _, k := range kinds {
		if errors.Is(err, errorKinds[k]) {
			return true
		}
	}
	return false
}
