// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package hwinfo detects the hardware facts the GEMM engine plans for: the instruction sets
// available to the micro-kernels, the number of cores and the size of the fast (L2) memory.
//
// Facts are detected once per process (see Get) and treated as immutable afterwards.
package hwinfo

import (
	"os"
	"runtime"
	"strings"
	"sync"

	"github.com/ajroetker/go-highway/hwy"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"golang.org/x/sys/cpu"
	"k8s.io/klog/v2"
)

// ISA is a set of instruction-set extensions, as a bitmask.
// The empty set (Reference) is what the portable reference kernels require.
type ISA uint32

const (
	AVX2 ISA = 1 << iota
	AVX512F
	AVX512VNNI
	AVXVNNI
	AMXINT8
	AMXBF16
	NEON
	DotProd

	// HWY marks that go-highway dispatches to a SIMD target (anything but its scalar fallback).
	HWY
)

// Reference is the empty ISA set: available everywhere.
const Reference ISA = 0

// All is the union of all known ISA extensions.
const All = AVX2 | AVX512F | AVX512VNNI | AVXVNNI | AMXINT8 | AMXBF16 | NEON | DotProd | HWY

var isaNames = []struct {
	isa  ISA
	name string
}{
	{AVX2, "avx2"},
	{AVX512F, "avx512f"},
	{AVX512VNNI, "avx512vnni"},
	{AVXVNNI, "avxvnni"},
	{AMXINT8, "amxint8"},
	{AMXBF16, "amxbf16"},
	{NEON, "neon"},
	{DotProd, "dotprod"},
	{HWY, "hwy"},
}

// Has returns whether all extensions in required are present in s.
func (s ISA) Has(required ISA) bool {
	return s&required == required
}

// String returns the "|" separated list of extension names, or "ref" for the empty set.
func (s ISA) String() string {
	if s == Reference {
		return "ref"
	}
	var parts []string
	for _, entry := range isaNames {
		if s&entry.isa != 0 {
			parts = append(parts, entry.name)
		}
	}
	return strings.Join(parts, "|")
}

// ParseISA parses a "|" separated list of extension names (as printed by ISA.String).
// "ref" (or an empty string) is the empty set and "all" is All.
func ParseISA(str string) (ISA, error) {
	str = strings.ToLower(strings.TrimSpace(str))
	switch str {
	case "", "ref", "reference":
		return Reference, nil
	case "all":
		return All, nil
	}
	var s ISA
	for _, part := range strings.Split(str, "|") {
		part = strings.TrimSpace(part)
		found := false
		for _, entry := range isaNames {
			if entry.name == part {
				s |= entry.isa
				found = true
				break
			}
		}
		if !found {
			return Reference, errors.Errorf("unknown instruction set %q in %q", part, str)
		}
	}
	return s, nil
}

// DefaultFastMemoryBytes is used when the L2 cache size cannot be detected.
const DefaultFastMemoryBytes = 2 << 20

// Facts about the host hardware.
type Facts struct {
	ISAs            ISA
	NumCores        int
	FastMemoryBytes int

	// SIMDName and SIMDWidth (in bytes) of the go-highway dispatch target.
	SIMDName  string
	SIMDWidth int
}

var (
	facts     Facts
	factsOnce sync.Once
)

// Get returns the hardware facts, detecting them on first use.
func Get() Facts {
	factsOnce.Do(func() {
		facts = Detect()
		klog.V(1).Infof("hwinfo: isa=%s cores=%d fast-memory=%s simd=%s/%d bytes",
			facts.ISAs, facts.NumCores, humanize.IBytes(uint64(facts.FastMemoryBytes)), facts.SIMDName, facts.SIMDWidth)
	})
	return facts
}

// Detect the hardware facts. Prefer Get, which caches the result.
func Detect() Facts {
	f := Facts{
		ISAs:            detectISAs(),
		NumCores:        runtime.NumCPU(),
		FastMemoryBytes: DefaultFastMemoryBytes,
		SIMDName:        hwy.CurrentName(),
		SIMDWidth:       hwy.CurrentWidth(),
	}
	if size, err := readCacheSize(l2CachePath); err == nil && size > 0 {
		f.FastMemoryBytes = size
	} else if err != nil {
		klog.V(2).Infof("hwinfo: using default fast-memory size: %v", err)
	}
	return f
}

func detectISAs() ISA {
	var s ISA
	switch runtime.GOARCH {
	case "amd64", "386":
		s |= flag(cpu.X86.HasAVX2, AVX2)
		s |= flag(cpu.X86.HasAVX512F, AVX512F)
		s |= flag(cpu.X86.HasAVX512F && cpu.X86.HasAVX512VNNI, AVX512VNNI)
		s |= flag(cpu.X86.HasAVXVNNI, AVXVNNI)
		s |= flag(cpu.X86.HasAMXTile && cpu.X86.HasAMXInt8, AMXINT8)
		s |= flag(cpu.X86.HasAMXTile && cpu.X86.HasAMXBF16, AMXBF16)
	case "arm64":
		s |= flag(cpu.ARM64.HasASIMD, NEON)
		s |= flag(cpu.ARM64.HasASIMD && cpu.ARM64.HasASIMDDP, DotProd)
	}
	if hwy.CurrentLevel() != hwy.DispatchScalar && hwy.MaxLanes[float32]() >= 4 {
		s |= HWY
	}
	return s
}

func flag(has bool, isa ISA) ISA {
	if has {
		return isa
	}
	return Reference
}

const l2CachePath = "/sys/devices/system/cpu/cpu0/cache/index2/size"

// readCacheSize parses the Linux sysfs cache size format, e.g. "2048K".
// The sysfs suffixes are binary units, so "K" is read as "KiB".
func readCacheSize(path string) (int, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		return 0, errors.Wrapf(err, "reading cache size from %q", path)
	}
	return parseCacheSize(string(contents))
}

func parseCacheSize(str string) (int, error) {
	str = strings.TrimSpace(str)
	if str == "" {
		return 0, errors.New("empty cache size")
	}
	if last := str[len(str)-1]; last == 'K' || last == 'M' || last == 'G' {
		str += "iB"
	}
	size, err := humanize.ParseBytes(str)
	if err != nil {
		return 0, errors.Wrapf(err, "parsing cache size %q", str)
	}
	return int(size), nil
}
