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

// Package config holds the vmsim configuration and its flags.
package config

import (
	"flag"
	"fmt"
	"reflect"

	"github.com/BurntSushi/toml"
	"github.com/mohae/deepcopy"

	"gvisor.dev/vmcore/pkg/log"
	"gvisor.dev/vmcore/pkg/refs"
)

// Config holds the configuration of a simulation. Fields tagged with "flag"
// are populated from the flag of that name.
type Config struct {
	// Debug enables debug logging.
	Debug bool `flag:"debug"`

	// LogFilename is the file logs are appended to. Empty means stderr.
	LogFilename string `flag:"log"`

	// LogFormat is the format of log messages: text, json or logrus.
	LogFormat string `flag:"log-format"`

	// Frames is the number of physical frames available to memory objects,
	// including the zero page. Zero means unlimited.
	Frames uint64 `flag:"frames"`

	// CoalescerPages is the number of pages committed per hardware call.
	CoalescerPages int `flag:"coalescer-pages"`

	// MaxRegions limits the number of regions in the address space. Zero
	// means unlimited.
	MaxRegions int `flag:"max-regions"`

	// ReferenceLeak sets the reference leak check mode.
	ReferenceLeak refs.LeakMode `flag:"ref-leak-mode"`

	// FaultRetries is the number of times a fault that ran out of memory is
	// retried.
	FaultRetries int `flag:"fault-retries"`
}

func (c *Config) validate() error {
	switch c.LogFormat {
	case "text", "json", "logrus":
	default:
		return fmt.Errorf("invalid log format %q, must be 'text', 'json' or 'logrus'", c.LogFormat)
	}
	if c.Frames == 1 {
		return fmt.Errorf("--frames=1 leaves no frame beyond the zero page")
	}
	if c.CoalescerPages < 0 {
		return fmt.Errorf("--coalescer-pages must not be negative, got %d", c.CoalescerPages)
	}
	if c.MaxRegions < 0 {
		return fmt.Errorf("--max-regions must not be negative, got %d", c.MaxRegions)
	}
	if c.FaultRetries < 0 {
		return fmt.Errorf("--fault-retries must not be negative, got %d", c.FaultRetries)
	}
	return nil
}

// Log logs every flag-backed field at info level.
func (c *Config) Log() {
	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		name, ok := f.Tag.Lookup("flag")
		if !ok {
			continue
		}
		log.Infof("Config.%s (--%s): %s", f.Name, name, getVal(obj.Field(i)))
	}
}

// WithOverrides returns a copy of c with flags applied to it. c is not
// modified.
func (c *Config) WithOverrides(flags map[string]string) (*Config, error) {
	cp := deepcopy.Copy(c).(*Config)
	if len(flags) == 0 {
		return cp, nil
	}
	flagSet := flag.NewFlagSet("overrides", flag.ContinueOnError)
	RegisterFlags(flagSet)
	if err := cp.Apply(flagSet, flags); err != nil {
		return nil, err
	}
	return cp, nil
}

// File is the contents of a configuration file. Flags maps flag names to
// values, applied as if they were given on the command line:
//
//	[flags]
//	debug = "true"
//	frames = "1024"
type File struct {
	Flags map[string]string `toml:"flags"`
}

// LoadFile reads a TOML configuration file.
func LoadFile(path string) (*File, error) {
	var f File
	md, err := toml.DecodeFile(path, &f)
	if err != nil {
		return nil, fmt.Errorf("reading config file %q: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("config file %q: unknown keys %v", path, undecoded)
	}
	return &f, nil
}
