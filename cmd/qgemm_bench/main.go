// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// qgemm_bench builds, runs and times GEMM kernels for a list of problem sizes, and compares their
// results with the reference implementation.
//
// Example:
//
//	qgemm_bench -m=1,32,128 -n=4096 -k=4096 -bits=4 -block=32 -threads=8
package main

import (
	"flag"
	"fmt"
	"math/rand/v2"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/qgemm/internal/hwinfo"
	"github.com/gomlx/qgemm/pkg/core/quant"
	"github.com/gomlx/qgemm/pkg/engine"
	"github.com/gomlx/qgemm/pkg/support/xslices"
	"github.com/janpfeifer/must"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

var (
	flagM = xslices.Flag("m", []int{1, 32, 128}, "Comma-separated list of number of rows (M) to benchmark.",
		strconv.Atoi)
	flagN     = flag.Int("n", 4096, "Number of output columns (N).")
	flagK     = flag.Int("k", 4096, "Length of the reduction axis (K).")
	flagBits  = flag.Int("bits", 4, "Bits of the weights quantization: 4 or 8. Use 0 for a float32 GEMM.")
	flagBlock = flag.Int("block", 32, "Quantization block size along K, or -1 for per-channel quantization.")
	flagAsym  = flag.Bool("asym", false, "Use asymmetric weights quantization.")
	flagMode  = flag.String("mode", "dynamic",
		"Quantized GEMM flavor: \"weight\" (weight-only, float compute), \"dynamic\" (barrier synchronized "+
			"activation quantization), \"split\" (split execution) or \"auto\".")
	flagThreads = flag.Int("threads", 0, "Number of threads. If 0, uses the configuration default.")
	flagISA     = flag.String("isa", "all", "Instruction sets the kernels may use, e.g. \"ref\", \"all\" or \"avx512vnni|amxint8\".")
	flagConfig  = flag.String("config", "", fmt.Sprintf("Engine configuration, overriding $%s. See engine.ParseConfig.",
		engine.ConfigEnvVar))
	flagReps    = flag.Int("reps", 20, "Number of timed executions per problem size.")
	flagCompare = flag.Bool("compare", true, "Compare results with the reference implementation.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	cfg := engine.DefaultConfig()
	if *flagConfig != "" {
		cfg = must.M1(engine.ParseConfig(*flagConfig))
	}
	if *flagThreads > 0 {
		cfg.Threads = *flagThreads
	}
	isa := must.M1(hwinfo.ParseISA(*flagISA))
	facts := hwinfo.Get()
	fmt.Println(titleStyle.Render(fmt.Sprintf("qgemm: %s, %d cores, fast memory %s, simd %s",
		facts.ISAs, facts.NumCores, humanize.IBytes(uint64(facts.FastMemoryBytes)), facts.SIMDName)))
	fmt.Printf("config: %s\n", cfg)

	table := newPlainTable(lipgloss.Left, lipgloss.Left, lipgloss.Right)
	table.Headers("M", "implementation", "workspace", "weights", "time/op", "GFLOP/s", "max rel. error")
	for _, m := range *flagM {
		if err := benchmark(table, cfg, isa, m); err != nil {
			klog.Errorf("M=%d: %+v", m, err)
			os.Exit(1)
		}
	}
	fmt.Println(table.Render())
}

// operator returns the descriptor of the benchmarked GEMM.
func operator(m int, isa hwinfo.ISA) engine.OperatorDescriptor {
	op := engine.OperatorDescriptor{Kind: engine.OpMatMul, M: m, N: *flagN, K: *flagK, ISA: isa}
	if *flagBits == 0 {
		return op
	}
	op.WeightQuant = &quant.Scheme{Bits: *flagBits, Asymmetric: *flagAsym, BlockSize: *flagBlock}
	switch strings.ToLower(*flagMode) {
	case "weight":
		op.Kind = engine.OpMatMulWeightQuant
	case "dynamic":
		op.Kind, op.Mode = engine.OpMatMulDynamicQuant, engine.ModeDynamicQuant
	case "split":
		op.Kind, op.Mode = engine.OpMatMulDynamicQuant, engine.ModeSplit
	case "auto":
		op.Kind = engine.OpMatMulDynamicQuant
	default:
		klog.Exitf("unknown -mode=%q", *flagMode)
	}
	return op
}

// run builds a kernel for op, and executes it once on a and b.
func run(op engine.OperatorDescriptor, cfg engine.Config, a, b []float32) (kernel *engine.Kernel, bufs engine.Buffers, err error) {
	kd, err := engine.BuildWithConfig(op, cfg)
	if err != nil {
		return
	}
	pw, err := kd.PackWeights(b)
	if err != nil {
		return
	}
	kernel = engine.Instantiate(kd)
	bufs = engine.Buffers{A: a, B: pw, C: make([]float32, op.M*op.N), Workspace: kernel.NewWorkspace()}
	err = kernel.Execute(bufs)
	return
}

func benchmark(table *lgtable.Table, cfg engine.Config, isa hwinfo.ISA, m int) error {
	n, k := *flagN, *flagK
	rng := rand.New(rand.NewPCG(uint64(m), 1))
	a := make([]float32, m*k)
	for i := range a {
		a[i] = rng.Float32()*2 - 1
	}
	b := make([]float32, k*n)
	for i := range b {
		b[i] = rng.Float32()*2 - 1
	}

	op := operator(m, isa)
	kernel, bufs, err := run(op, cfg, a, b)
	if err != nil {
		return err
	}
	defer kernel.Close()
	kd := kernel.Descriptor()
	klog.V(1).Infof("benchmarking %s", kd)

	bar := progressbar.NewOptions(*flagReps,
		progressbar.OptionSetDescription(fmt.Sprintf("M=%d", m)),
		progressbar.OptionSetTheme(progressbar.ThemeASCII),
		progressbar.OptionClearOnFinish())
	var elapsed time.Duration
	for range *flagReps {
		start := time.Now()
		if err := kernel.Execute(bufs); err != nil {
			return err
		}
		elapsed += time.Since(start)
		_ = bar.Add(1)
	}
	_ = bar.Finish()
	perOp := elapsed / time.Duration(max(1, *flagReps))
	gflops := 2 * float64(m) * float64(n) * float64(k) / perOp.Seconds() / 1e9

	relErr := "-"
	if *flagCompare {
		refOp := op
		refOp.ISA = hwinfo.Reference
		refKernel, refBufs, err := run(refOp, cfg, a, b)
		if err != nil {
			return err
		}
		refKernel.Close()
		relErr = fmt.Sprintf("%.2g", xslices.MaxRelError(bufs.C.([]float32), refBufs.C.([]float32), 1.0))
	}

	name := kd.Candidate.Name
	if kd.Split {
		name += fmt.Sprintf(" (split %d+%d)", kd.QuantCores, kd.ComputeCores)
	}
	table.Row(fmt.Sprint(m), name, humanize.IBytes(uint64(len(bufs.Workspace))), humanize.IBytes(uint64(bufs.B.Bytes())),
		perOp.String(), fmt.Sprintf("%.1f", gflops), relErr)
	return nil
}
