// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package engine

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/qgemm/internal/hwinfo"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ConfigEnvVar is the environment variable with the default engine configuration.
// See ParseConfig for its format.
const ConfigEnvVar = "QGEMM_CONFIG"

// SplitPolicy controls when split execution is used for dynamically quantized operators.
type SplitPolicy int

const (
	// SplitAuto uses split execution when the working set doesn't fit the fast-memory budget.
	SplitAuto SplitPolicy = iota
	// SplitNever disables split execution.
	SplitNever
	// SplitAlways uses split execution whenever there are enough threads for it.
	SplitAlways
)

var splitPolicyNames = []string{"auto", "never", "always"}

// String implements fmt.Stringer.
func (p SplitPolicy) String() string {
	if p >= 0 && int(p) < len(splitPolicyNames) {
		return splitPolicyNames[p]
	}
	return fmt.Sprintf("SplitPolicy(%d)", int(p))
}

// Config of the engine: how many threads to use, the fast-memory budget and which instruction sets
// the kernels may use.
type Config struct {
	// Threads is the number of threads an execution fans out to.
	Threads int

	// FastMemoryBytes is the budget one thread's working tiles must fit in.
	FastMemoryBytes int

	// ISAs the selector is allowed to use, on top of the ones the host supports.
	ISAs hwinfo.ISA

	Split SplitPolicy
}

// String implements fmt.Stringer, in the format accepted by ParseConfig.
func (c Config) String() string {
	return fmt.Sprintf("threads=%d,l2=%s,isa=%s,split=%s",
		c.Threads, humanize.IBytes(uint64(c.FastMemoryBytes)), c.ISAs, c.Split)
}

// HardwareConfig returns the configuration derived from the host hardware facts only.
func HardwareConfig() Config {
	facts := hwinfo.Get()
	return Config{
		Threads:         facts.NumCores,
		FastMemoryBytes: facts.FastMemoryBytes,
		ISAs:            facts.ISAs,
		Split:           SplitAuto,
	}
}

// DefaultConfig returns the hardware configuration, overridden by the contents of the environment
// variable QGEMM_CONFIG, if set. An invalid QGEMM_CONFIG is logged and ignored.
func DefaultConfig() Config {
	str, found := os.LookupEnv(ConfigEnvVar)
	if !found {
		return HardwareConfig()
	}
	cfg, err := ParseConfig(str)
	if err != nil {
		klog.Warningf("ignoring invalid $%s=%q: %+v", ConfigEnvVar, str, err)
		return HardwareConfig()
	}
	return cfg
}

// ParseConfig parses a comma separated list of "key=value" settings on top of HardwareConfig.
// Keys:
//
//   - threads: number of threads, > 0.
//   - l2 (or fastmem): the fast-memory budget, as a byte size, e.g. "2MiB" or "512K".
//   - isa: "|" separated list of instruction sets ("avx512vnni|amxint8"), "ref" or "all".
//   - split: "auto", "never" or "always".
//
// Example: "threads=8,l2=2MiB,isa=ref,split=auto".
func ParseConfig(str string) (Config, error) {
	cfg := HardwareConfig()
	for _, part := range strings.Split(str, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, found := strings.Cut(part, "=")
		if !found {
			return cfg, errors.Errorf("invalid config %q: setting %q is not in the form key=value", str, part)
		}
		key, value = strings.ToLower(strings.TrimSpace(key)), strings.TrimSpace(value)
		switch key {
		case "threads":
			threads, err := strconv.Atoi(value)
			if err != nil || threads <= 0 {
				return cfg, errors.Errorf("invalid config %q: threads must be a positive integer, got %q", str, value)
			}
			cfg.Threads = threads
		case "l2", "fastmem":
			size, err := humanize.ParseBytes(value)
			if err != nil || size == 0 {
				return cfg, errors.Errorf("invalid config %q: invalid fast-memory size %q", str, value)
			}
			cfg.FastMemoryBytes = int(size)
		case "isa":
			isas, err := hwinfo.ParseISA(value)
			if err != nil {
				return cfg, errors.WithMessagef(err, "invalid config %q", str)
			}
			cfg.ISAs = isas
		case "split":
			idx := -1
			for i, name := range splitPolicyNames {
				if strings.EqualFold(value, name) {
					idx = i
				}
			}
			if idx < 0 {
				return cfg, errors.Errorf("invalid config %q: split must be one of %v, got %q", str, splitPolicyNames, value)
			}
			cfg.Split = SplitPolicy(idx)
		default:
			return cfg, errors.Errorf("invalid config %q: unknown key %q", str, key)
		}
	}
	return cfg, nil
}
