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

// Package cleanup undoes partially completed work when a multi-step
// operation fails.
package cleanup

import "errors"

// Cleanup holds undo steps that run unless released. Usage:
//
//	cu := cleanup.Make(func() { obj.DecRef() })
//	defer cu.Clean() // failure before Release drops the reference.
//	...
//	cu.AddErr(as.Destroy) // teardown that can fail
//	...
//	teardown := cu.Release() // success: the caller owns the undo steps.
//
// Steps run in reverse order of registration.
type Cleanup struct {
	cleaners []func() error
}

// Make creates a Cleanup with f as its first step.
func Make(f func()) Cleanup {
	var c Cleanup
	c.Add(f)
	return c
}

// Add adds a step that cannot fail.
func (c *Cleanup) Add(f func()) {
	c.AddErr(func() error {
		f()
		return nil
	})
}

// AddErr adds a step that may fail. A failing step does not stop the steps
// registered before it.
func (c *Cleanup) AddErr(f func() error) {
	c.cleaners = append(c.cleaners, f)
}

// Clean runs all steps in reverse order and forgets them. It returns the
// errors of failed steps joined together.
func (c *Cleanup) Clean() error {
	cleaners := c.cleaners
	c.cleaners = nil
	return run(cleaners)
}

// Release detaches the registered steps from c, so that Clean does nothing,
// and returns a function that runs them.
func (c *Cleanup) Release() func() error {
	old := c.cleaners
	c.cleaners = nil
	return func() error { return run(old) }
}

func run(cleaners []func() error) error {
	var errs []error
	for i := len(cleaners) - 1; i >= 0; i-- {
		if err := cleaners[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
