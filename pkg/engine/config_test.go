// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package engine

import (
	"testing"

	"github.com/gomlx/qgemm/internal/hwinfo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConfig(t *testing.T) {
	cfg, err := ParseConfig("threads=8, l2=2MiB, isa=avx512vnni|amxint8, split=always")
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Threads)
	assert.Equal(t, 2<<20, cfg.FastMemoryBytes)
	assert.Equal(t, hwinfo.AVX512VNNI|hwinfo.AMXINT8, cfg.ISAs)
	assert.Equal(t, SplitAlways, cfg.Split)

	cfg, err = ParseConfig("fastmem=512KiB,isa=ref,split=Never")
	require.NoError(t, err)
	assert.Equal(t, hwinfo.Get().NumCores, cfg.Threads)
	assert.Equal(t, 512<<10, cfg.FastMemoryBytes)
	assert.Equal(t, hwinfo.Reference, cfg.ISAs)
	assert.Equal(t, SplitNever, cfg.Split)

	// String round-trips.
	cfg = Config{Threads: 3, FastMemoryBytes: 1 << 20, ISAs: hwinfo.All, Split: SplitAuto}
	parsed, err := ParseConfig(cfg.String())
	require.NoError(t, err)
	assert.Equal(t, cfg, parsed)

	for _, invalid := range []string{"threads=0", "threads=x", "l2=", "isa=sse9", "split=sometimes", "cores=2", "threads"} {
		_, err = ParseConfig(invalid)
		assert.Error(t, err, "config %q", invalid)
	}
}

func TestDefaultConfig(t *testing.T) {
	t.Setenv(ConfigEnvVar, "threads=5,split=never")
	cfg := DefaultConfig()
	assert.Equal(t, 5, cfg.Threads)
	assert.Equal(t, SplitNever, cfg.Split)

	t.Setenv(ConfigEnvVar, "threads=-5")
	assert.Equal(t, HardwareConfig(), DefaultConfig())
}

func TestStrings(t *testing.T) {
	assert.Equal(t, "OpMatMulDynamicQuant", OpMatMulDynamicQuant.String())
	assert.Equal(t, "OpKind(99)", OpKind(99).String())
	assert.Equal(t, "split", ModeSplit.String())
	assert.Equal(t, "always", SplitAlways.String())
	op := OperatorDescriptor{Kind: OpMatMul, M: DynamicDim, N: 3, K: 2}
	assert.Equal(t, "OpMatMul[M=?, N=3, K=2, A=Float32, B=Float32, C=Float32, isa=ref, mode=auto]", op.String())
}
