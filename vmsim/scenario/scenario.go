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

// Package scenario loads and runs vmsim scenario files.
//
// A scenario declares memory objects, sub-areas and mappings of a fresh
// address space, then a list of steps run in order and optional threads
// that fault concurrently once the steps are done. Scenarios are written in
// TOML or YAML:
//
//	name = "protect"
//
//	[[objects]]
//	name = "anon"
//	size = 0x8000
//
//	[[mappings]]
//	name = "m"
//	object = "anon"
//	offset = 0x1000
//	size = 0x4000
//	object_offset = 0x2000
//	flags = "rwu"
//
//	[[steps]]
//	op = "protect"
//	target = "m"
//	addr = 0x2000
//	size = 0x1000
//	flags = "ru"
package scenario

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"gvisor.dev/vmcore/pkg/hostarch"
	"gvisor.dev/vmcore/pkg/vm"
)

// Scenario is a parsed scenario file.
type Scenario struct {
	Name string `toml:"name" yaml:"name"`

	// Config overrides vmsim flags for this scenario only.
	Config map[string]string `toml:"config" yaml:"config"`

	Objects  []Object  `toml:"objects" yaml:"objects"`
	Areas    []Area    `toml:"areas" yaml:"areas"`
	Mappings []Mapping `toml:"mappings" yaml:"mappings"`
	Steps    []Step    `toml:"steps" yaml:"steps"`
	Threads  []Thread  `toml:"threads" yaml:"threads"`
}

// Object declares a memory object, or a copy-on-write clone of an object
// declared before it.
type Object struct {
	Name    string `toml:"name" yaml:"name"`
	Size    uint64 `toml:"size" yaml:"size"`
	CloneOf string `toml:"clone_of" yaml:"clone_of"`
}

// Area declares a sub-area. Parent names an earlier area; empty means the
// root area.
type Area struct {
	Name    string `toml:"name" yaml:"name"`
	Parent  string `toml:"parent" yaml:"parent"`
	Offset  uint64 `toml:"offset" yaml:"offset"`
	Size    uint64 `toml:"size" yaml:"size"`
	Allowed string `toml:"allowed" yaml:"allowed"`
}

// Mapping declares an activated mapping of Object in Area.
type Mapping struct {
	Name         string `toml:"name" yaml:"name"`
	Area         string `toml:"area" yaml:"area"`
	Object       string `toml:"object" yaml:"object"`
	Offset       uint64 `toml:"offset" yaml:"offset"`
	Size         uint64 `toml:"size" yaml:"size"`
	ObjectOffset uint64 `toml:"object_offset" yaml:"object_offset"`
	Flags        string `toml:"flags" yaml:"flags"`
	Cache        string `toml:"cache" yaml:"cache"`
}

// Step is a single operation. Which fields are used depends on Op:
//
//	fault     Addr, Flags (fault flags such as "write|user")
//	protect   Target (mapping or area, default root), Addr, Size, Flags
//	unmap     Target (mapping or area, default root), Addr, Size
//	commit    Target mapping, Offset, Size
//	map       Target mapping, Offset, Size; maps committed pages only
//	decommit  Target mapping, Offset, Size
//	destroy   Target (mapping or area); empty destroys the address space
//	poke      Object, Offset, Value
//	peek      Object, Offset, Value (expected)
//	dump, check, metrics
//
// Expect names the error kind the step must fail with; empty means the step
// must succeed.
type Step struct {
	Op     string `toml:"op" yaml:"op"`
	Target string `toml:"target" yaml:"target"`
	Object string `toml:"object" yaml:"object"`
	Addr   uint64 `toml:"addr" yaml:"addr"`
	Size   uint64 `toml:"size" yaml:"size"`
	Offset uint64 `toml:"offset" yaml:"offset"`
	Flags  string `toml:"flags" yaml:"flags"`
	Value  uint8  `toml:"value" yaml:"value"`
	Expect string `toml:"expect" yaml:"expect"`
}

// Thread faults on Addrs, in order, Repeat times. Errors of the kinds listed
// in Allow are tolerated.
type Thread struct {
	Name   string   `toml:"name" yaml:"name"`
	Addrs  []uint64 `toml:"addrs" yaml:"addrs"`
	Flags  string   `toml:"flags" yaml:"flags"`
	Repeat int      `toml:"repeat" yaml:"repeat"`
	Allow  []string `toml:"allow" yaml:"allow"`
}

// errorKinds maps the names used by Expect and Allow to error kinds.
var errorKinds = map[string]error{
	"invalid":      vm.ErrInvalidArgument,
	"out_of_range": vm.ErrOutOfRange,
	"denied":       vm.ErrAccessDenied,
	"bad_state":    vm.ErrBadState,
	"no_memory":    vm.ErrNoMemory,
	"not_present":  vm.ErrNotPresent,
	"internal":     vm.ErrInternal,
}

var ops = map[string]bool{
	"fault": true, "protect": true, "unmap": true, "commit": true,
	"map": true, "decommit": true, "destroy": true, "poke": true,
	"peek": true, "dump": true, "check": true, "metrics": true,
}

// Load reads a scenario file. The format is chosen by extension: .toml,
// .yaml or .yml.
func Load(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	sc, err := Parse(data, strings.TrimPrefix(filepath.Ext(path), "."))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if sc.Name == "" {
		sc.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return sc, nil
}

// Parse parses and validates a scenario in the given format.
func Parse(data []byte, format string) (*Scenario, error) {
	var sc Scenario
	switch format {
	case "toml":
		md, err := toml.Decode(string(data), &sc)
		if err != nil {
			return nil, err
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("unknown keys %v", undecoded)
		}
	case "yaml", "yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&sc); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown scenario format %q", format)
	}
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	return &sc, nil
}

// Validate checks names, references, flags and error kinds. It does not
// check addresses; those are validated by the operations themselves.
func (sc *Scenario) Validate() error {
	objects := make(map[string]bool)
	for _, o := range sc.Objects {
		if o.Name == "" || objects[o.Name] {
			return fmt.Errorf("object name %q is empty or repeated", o.Name)
		}
		if o.CloneOf != "" && !objects[o.CloneOf] {
			return fmt.Errorf("object %q clones unknown object %q", o.Name, o.CloneOf)
		}
		objects[o.Name] = true
	}

	regions := make(map[string]bool)
	areas := make(map[string]bool)
	for _, a := range sc.Areas {
		if a.Name == "" || regions[a.Name] {
			return fmt.Errorf("area name %q is empty or repeated", a.Name)
		}
		if a.Parent != "" && !areas[a.Parent] {
			return fmt.Errorf("area %q has unknown parent %q", a.Name, a.Parent)
		}
		if _, err := parseAllowed(a.Allowed); err != nil {
			return fmt.Errorf("area %q: %w", a.Name, err)
		}
		regions[a.Name] = true
		areas[a.Name] = true
	}
	for _, m := range sc.Mappings {
		if m.Name == "" || regions[m.Name] {
			return fmt.Errorf("mapping name %q is empty or repeated", m.Name)
		}
		if m.Area != "" && !areas[m.Area] {
			return fmt.Errorf("mapping %q is in unknown area %q", m.Name, m.Area)
		}
		if !objects[m.Object] {
			return fmt.Errorf("mapping %q maps unknown object %q", m.Name, m.Object)
		}
		if _, err := mappingFlags(m); err != nil {
			return fmt.Errorf("mapping %q: %w", m.Name, err)
		}
		regions[m.Name] = true
	}

	for i, st := range sc.Steps {
		if err := st.validate(regions, objects); err != nil {
			return fmt.Errorf("step %d (%s): %w", i, st.Op, err)
		}
	}
	for _, th := range sc.Threads {
		if _, err := vm.ParseFaultFlags(th.Flags); err != nil {
			return fmt.Errorf("thread %q: %w", th.Name, err)
		}
		for _, k := range th.Allow {
			if _, ok := errorKinds[k]; !ok {
				return fmt.Errorf("thread %q: unknown error kind %q", th.Name, k)
			}
		}
	}
	return nil
}

func (st *Step) validate(regions, objects map[string]bool) error {
	if !ops[st.Op] {
		return errors.New("unknown op")
	}
	if st.Expect != "" {
		if _, ok := errorKinds[st.Expect]; !ok {
			return fmt.Errorf("unknown error kind %q", st.Expect)
		}
	}
	if st.Target != "" && !regions[st.Target] {
		return fmt.Errorf("unknown target %q", st.Target)
	}
	switch st.Op {
	case "fault":
		if _, err := vm.ParseFaultFlags(st.Flags); err != nil {
			return err
		}
	case "protect":
		if _, err := hostarch.ParseMMUFlags(st.Flags); err != nil {
			return err
		}
	case "commit", "map", "decommit":
		if st.Target == "" {
			return errors.New("needs a target mapping")
		}
	case "poke", "peek":
		if !objects[st.Object] {
			return fmt.Errorf("unknown object %q", st.Object)
		}
	}
	return nil
}

// parseAllowed parses the permission ceiling of an area. Empty means every
// permission. Areas never restrict the cache policy.
func parseAllowed(s string) (hostarch.MMUFlags, error) {
	if s == "" {
		return hostarch.MMUFlagsPermMask | hostarch.MMUFlagPermUser, nil
	}
	return hostarch.ParseMMUFlags(s)
}

// mappingFlags returns the MMU flags of m including its cache policy.
func mappingFlags(m Mapping) (hostarch.MMUFlags, error) {
	f, err := hostarch.ParseMMUFlags(m.Flags)
	if err != nil {
		return 0, err
	}
	var cp hostarch.CachePolicy
	switch strings.ToLower(m.Cache) {
	case "", "wb", "cached":
		cp = hostarch.CachePolicyCached
	case "wc", "write-combining":
		cp = hostarch.CachePolicyWriteCombining
	case "uc", "uncached":
		cp = hostarch.CachePolicyUncached
	case "ud", "uncached-device":
		cp = hostarch.CachePolicyUncachedDevice
	default:
		return 0, fmt.Errorf("unknown cache policy %q", m.Cache)
	}
	return f.WithCachePolicy(cp), nil
}
