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

package refs

import (
	"fmt"
	"sync/atomic"
)

// RefCounter is the interface to be implemented by objects that are
// reference counted.
type RefCounter interface {
	// IncRef increments the reference counter on the object.
	IncRef()

	// DecRef decrements the object's reference count. Users of refs.RefCounter
	// must call DecRef exactly once for every successful call to IncRef.
	DecRef()
}

// Refs implements RefCounter with an atomic counter. T is the type that owns
// the counter and is used only to name it in leak reports.
//
// The zero value is not usable; owners must call InitRefs.
type Refs[T any] struct {
	// refCount is composed of two fields:
	//
	//	[32-bit speculative references]:[32-bit real references]
	//
	// Speculative references are used for TryIncRef, to avoid a CompareAndSwap
	// loop.
	refCount atomic.Int64

	// logging enables per-event logging for this object.
	logging bool
}

// InitRefs initializes r with one reference and, if leak checking is
// enabled, registers r with the leak checker.
func (r *Refs[T]) InitRefs() {
	r.refCount.Store(1)
	Register(r)
}

// EnableLogging turns on reference event logging for r.
func (r *Refs[T]) EnableLogging() {
	r.logging = true
}

// RefType implements CheckedObject.RefType.
func (r *Refs[T]) RefType() string {
	return fmt.Sprintf("%T", (*T)(nil))[1:]
}

// LeakMessage implements CheckedObject.LeakMessage.
func (r *Refs[T]) LeakMessage() string {
	return fmt.Sprintf("[%s %p] reference count of %d instead of 0", r.RefType(), r, r.ReadRefs())
}

// LogRefs implements CheckedObject.LogRefs.
func (r *Refs[T]) LogRefs() bool {
	return r.logging
}

// ReadRefs returns the current number of references. The returned count is
// inherently racy and is unsafe to use without external synchronization.
func (r *Refs[T]) ReadRefs() int64 {
	return int64(int32(r.refCount.Load()))
}

// IncRef implements RefCounter.IncRef.
func (r *Refs[T]) IncRef() {
	v := r.refCount.Add(1)
	if r.logging {
		LogIncRef(r, v)
	}
	if int32(v) <= 1 {
		panic(fmt.Sprintf("Incrementing non-positive count %p on %s", r, r.RefType()))
	}
}

// TryIncRef implements a speculative increment. It returns false if the
// object has already been released.
func (r *Refs[T]) TryIncRef() bool {
	const speculativeRef = 1 << 32
	if v := r.refCount.Add(speculativeRef); int32(v) == 0 {
		// This object has already been freed.
		r.refCount.Add(-speculativeRef)
		return false
	}

	// Turn into a real reference.
	v := r.refCount.Add(-speculativeRef + 1)
	if r.logging {
		LogIncRef(r, v)
	}
	return true
}

// DecRef drops a reference and calls destroy, if not nil, when the count
// reaches zero.
func (r *Refs[T]) DecRef(destroy func()) {
	v := r.refCount.Add(-1)
	if r.logging {
		LogDecRef(r, v)
	}
	switch {
	case int32(v) < 0:
		panic(fmt.Sprintf("Decrementing non-positive ref count %p, owned by %s", r, r.RefType()))

	case int32(v) == 0:
		Unregister(r)
		// Call the destructor.
		if destroy != nil {
			destroy()
		}
	}
}
