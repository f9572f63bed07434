// Copyright 2018 The gVisor Authors.
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

// Package config holds the configuration of the defrag tool. Values come from
// flag defaults, then an optional TOML file, then flags set on the command
// line, in increasing order of precedence.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gvisor.dev/defrag/pkg/log"
	"gvisor.dev/defrag/pkg/tcpip/network/fragmentation"
)

// configFlag names the flag holding the path of the TOML file.
const configFlag = "config"

// Log formats.
const (
	LogFormatText = "text"
	LogFormatJSON = "json"
)

// ErrInvalid is returned by Validate.
var ErrInvalid = errors.New("invalid configuration")

// Config holds the tool configuration. Every field is bound to a flag through
// its "flag" tag and to a TOML key through its "toml" tag.
type Config struct {
	// Timeout is how long a reassembly may go without new fragments.
	Timeout time.Duration `flag:"timeout" toml:"timeout"`

	// MaxStreams is the number of reassemblies above which stale ones are
	// swept.
	MaxStreams int `flag:"max-streams" toml:"max-streams"`

	// Overlap selects which fragment wins when two share an offset.
	Overlap fragmentation.OverlapPolicy `flag:"overlap" toml:"overlap"`

	// LogFormat is the format of log messages: "text" or "json".
	LogFormat string `flag:"log-format" toml:"log-format"`

	// LogFile is a pattern for the log file. Empty logs to stderr.
	LogFile string `flag:"log-file" toml:"log-file"`

	// Debug enables debug logging.
	Debug bool `flag:"debug" toml:"debug"`

	// LogRateLimit is the minimum interval between reassembly warnings. Zero
	// disables rate limiting.
	LogRateLimit time.Duration `flag:"log-rate-limit" toml:"log-rate-limit"`
}

// RegisterFlags registers the configuration flags, and the flag naming the
// configuration file, in flagSet.
func RegisterFlags(flagSet *flag.FlagSet) {
	flagSet.String(configFlag, "", "path to a TOML configuration file. Flags set on the command line take precedence.")

	flagSet.Duration("timeout", fragmentation.DefaultTimeout, "discard a reassembly that received no fragment for this long.")
	flagSet.Int("max-streams", fragmentation.DefaultMaxStreams, "sweep stale reassemblies when more than this many are in progress.")
	overlap := fragmentation.OverlapNone
	flagSet.Var(&overlap, "overlap", "fragment kept when two share an offset: none (newest wins), first-wins, prefer-larger.")
	flagSet.String("log-format", LogFormatText, "log format: text (default) or json.")
	flagSet.String("log-file", "", "file pattern to log to; may contain %TIMESTAMP% and %COMMAND%. A trailing '/' names a directory.")
	flagSet.Bool("debug", false, "enable debug logging.")
	flagSet.Duration("log-rate-limit", 0, "minimum interval between reassembly warnings, 0 to disable.")
}

// Default returns the configuration built from flag defaults.
func Default() *Config {
	flagSet := flag.NewFlagSet("default", flag.ContinueOnError)
	RegisterFlags(flagSet)
	conf := &Config{}
	forEachFlag(conf, func(field reflect.Value, name string) {
		field.Set(reflect.ValueOf(flagSet.Lookup(name).Value.(flag.Getter).Get()))
	})
	return conf
}

// NewFromFlags creates a new Config from a parsed flagSet on which
// RegisterFlags has been called.
func NewFromFlags(flagSet *flag.FlagSet) (*Config, error) {
	conf := Default()
	if fl := flagSet.Lookup(configFlag); fl != nil && fl.Value.String() != "" {
		if err := conf.load(fl.Value.String()); err != nil {
			return nil, err
		}
	}

	set := make(map[string]bool)
	flagSet.Visit(func(fl *flag.Flag) { set[fl.Name] = true })
	forEachFlag(conf, func(field reflect.Value, name string) {
		if !set[name] {
			return
		}
		fl := flagSet.Lookup(name)
		if fl == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		field.Set(reflect.ValueOf(fl.Value.(flag.Getter).Get()))
	})

	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// forEachFlag calls fn for every field of conf bound to a flag.
func forEachFlag(conf *Config, fn func(field reflect.Value, name string)) {
	obj := reflect.ValueOf(conf).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		name, ok := st.Field(i).Tag.Lookup("flag")
		if !ok {
			continue
		}
		fn(obj.Field(i), name)
	}
}

// load merges the TOML file at path into c. Unknown keys are rejected.
func (c *Config) load(path string) error {
	md, err := toml.DecodeFile(path, c)
	if err != nil {
		return fmt.Errorf("decode config file %q: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return fmt.Errorf("config file %q: unknown keys %s", path, strings.Join(keys, ", "))
	}
	return nil
}

// Validate checks that c is usable.
func (c *Config) Validate() error {
	if c.Timeout <= 0 {
		return fmt.Errorf("%w: timeout must be positive, got %v", ErrInvalid, c.Timeout)
	}
	if c.MaxStreams <= 0 {
		return fmt.Errorf("%w: max-streams must be positive, got %d", ErrInvalid, c.MaxStreams)
	}
	if _, err := c.Overlap.MarshalText(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	switch c.LogFormat {
	case LogFormatText, LogFormatJSON:
	default:
		return fmt.Errorf("%w: unknown log format %q", ErrInvalid, c.LogFormat)
	}
	if c.LogRateLimit < 0 {
		return fmt.Errorf("%w: log-rate-limit must not be negative, got %v", ErrInvalid, c.LogRateLimit)
	}
	return nil
}

// WriteTOML writes c to w in TOML.
func (c *Config) WriteTOML(w io.Writer) error {
	return toml.NewEncoder(w).Encode(c)
}

// SetupLogging points the global logger at the target c describes. The
// returned function closes the log file, if any.
func (c *Config) SetupLogging(command string) (func(), error) {
	var (
		out    io.Writer = os.Stderr
		closer           = func() {}
	)
	f, err := log.OpenFile(c.LogFile, os.O_WRONLY|os.O_CREATE|os.O_APPEND, log.PatternOpts{Command: command, Timestamp: time.Now()})
	if err != nil {
		return nil, err
	}
	if f != nil {
		out = f
		closer = func() { f.Close() }
	}

	w := &log.Writer{Next: out}
	var e log.Emitter = log.GoogleEmitter{Emitter: w}
	if c.LogFormat == LogFormatJSON {
		e = log.JSONEmitter{Writer: w}
	}
	log.SetTarget(e)
	if c.Debug {
		log.SetLevel(log.Debug)
	} else {
		log.SetLevel(log.Info)
	}
	return closer, nil
}

// FragmentationOptions returns the reassembly options c describes, recording
// into stats.
func (c *Config) FragmentationOptions(stats *fragmentation.Stats) fragmentation.Options {
	return fragmentation.Options{
		Timeout:    c.Timeout,
		MaxStreams: c.MaxStreams,
		Overlap:    c.Overlap,
		Stats:      stats,
		Logger:     log.RateLimitedLogger(log.Log(), c.LogRateLimit, 1),
	}
}
