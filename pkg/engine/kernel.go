// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package engine

import (
	"sync"
	"sync/atomic"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/qgemm/internal/scratch"
	"github.com/gomlx/qgemm/pkg/core/dtypes"
	"github.com/gomlx/qgemm/pkg/core/dtypes/bfloat16"
	"github.com/gomlx/qgemm/pkg/engine/partition"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/x448/float16"
	"k8s.io/klog/v2"
)

// stacks is the process-wide pool of the per-thread scratch of executions.
var stacks scratch.Pool

// Kernel is an executable instance of a KernelDescriptor. It owns its micro-kernel instance.
//
// Execute can be called concurrently, as long as the calls use different workspaces (or let the
// kernel allocate them) and write to different outputs.
type Kernel struct {
	kd *KernelDescriptor
	id uuid.UUID

	subKernel  any
	partitions sync.Pool
	workspaces scratch.Pool
	closed     atomic.Bool
}

// Instantiate returns a new kernel for kd.
func Instantiate(kd *KernelDescriptor) *Kernel {
	k := &Kernel{
		kd:        kd,
		id:        uuid.New(),
		subKernel: kd.path.newSubKernel(),
	}
	k.partitions.New = func() any { return &partition.Parallel2D{} }
	klog.V(2).Infof("engine: instantiated kernel %s: %s", k.id, kd)
	return k
}

// ID uniquely identifies the kernel in logs.
func (k *Kernel) ID() uuid.UUID {
	return k.id
}

// Descriptor returns the descriptor the kernel was instantiated from.
func (k *Kernel) Descriptor() *KernelDescriptor {
	return k.kd
}

// Close releases the kernel's micro-kernel. Execute fails after Close. It must not be called
// concurrently with Execute.
func (k *Kernel) Close() {
	if k.closed.Swap(true) {
		return
	}
	k.subKernel = nil
}

// WorkspaceRequirement returns the workspace bytes an execution needs, for a static M. It returns 0 if
// M is dynamic: see WorkspaceRequirementFor.
func (k *Kernel) WorkspaceRequirement() int {
	if k.kd.Op.M == DynamicDim {
		return 0
	}
	return k.kd.path.workspaceBytes(k.kd.Op.M)
}

// WorkspaceRequirementFor returns the workspace bytes an execution with m rows needs.
func (k *Kernel) WorkspaceRequirementFor(m int) int {
	return k.kd.path.workspaceBytes(m)
}

// NewWorkspace allocates a workspace for the static M of the kernel, aligned for any of the values
// carved from it. It returns nil if none is needed.
func (k *Kernel) NewWorkspace() []byte {
	return scratch.Make(k.WorkspaceRequirement())
}

// Buffers of one execution.
type Buffers struct {
	// A is the flat activations matrix, with M rows of LDA values, of the operator's ADType.
	A   any
	LDA int

	// M is the number of rows for operators with a dynamic M. For a static M it must be 0 or match.
	M int

	// B are the packed weights, created by the same KernelDescriptor.
	B *PackedWeight

	// C is the flat output matrix, with M rows of LDC values, of the operator's CDType.
	C   any
	LDC int

	// Bias, if not nil, has N values added to every row of the output.
	Bias []float32

	// AScale and AZeroPoint are the quantization parameters of pre-quantized (Int8 or Uint8)
	// activations. The zero-point must be 0 for Int8 activations.
	AScale     float32
	AZeroPoint int32

	// Workspace for the execution, with at least WorkspaceRequirementFor(M) bytes, allocated with
	// NewWorkspace (or otherwise aligned to 8 bytes). If nil, one is taken from an internal pool.
	Workspace []byte

	// Threads overrides the number of threads of the configuration, if > 0. Split executions always
	// use the cores they were planned with.
	Threads int
}

// execution is the validated state of one Execute call.
type execution struct {
	bufs           *Buffers
	m, lda, ldc    int
	threads        int
	workspace      []byte
	weights        any
	subKernel      any
	ownedWorkspace *scratch.Buffer
}

// Execute runs the GEMM on bufs.
//
// Errors wrap ErrExecutionFailed: invalid buffers, a too small workspace, a closed kernel, or any
// runtime failure of the computation, in which case the contents of the output are undefined.
func (k *Kernel) Execute(bufs Buffers) error {
	if k.closed.Load() {
		return errors.Wrapf(ErrExecutionFailed, "kernel %s is closed", k.id)
	}
	ex, err := k.prepare(&bufs)
	if err != nil {
		return errors.WithMessagef(err, "kernel %s", k.id)
	}
	if ex.ownedWorkspace != nil {
		defer k.workspaces.Put(ex.ownedWorkspace)
	}
	exception := exceptions.Try(func() { k.kd.path.execute(k, ex) })
	if exception != nil {
		klog.Errorf("engine: kernel %s (%s) failed: %v", k.id, k.kd.Candidate.Name, exception)
		if e, ok := exception.(error); ok {
			return errors.Wrapf(ErrExecutionFailed, "kernel %s: %v", k.id, e)
		}
		return errors.Wrapf(ErrExecutionFailed, "kernel %s: %v", k.id, exception)
	}
	return nil
}

// prepare validates bufs and resolves the defaults of the execution.
func (k *Kernel) prepare(bufs *Buffers) (*execution, error) {
	op := &k.kd.Op
	ex := &execution{bufs: bufs, m: op.M, lda: op.K, ldc: op.N, threads: k.kd.Config.Threads, subKernel: k.subKernel}
	if op.M == DynamicDim {
		if bufs.M <= 0 {
			return nil, errors.Wrapf(ErrExecutionFailed, "operator has a dynamic M, and Buffers.M=%d is not positive", bufs.M)
		}
		ex.m = bufs.M
	} else if bufs.M != 0 && bufs.M != op.M {
		return nil, errors.Wrapf(ErrExecutionFailed, "Buffers.M=%d doesn't match the operator's M=%d", bufs.M, op.M)
	}
	if bufs.LDA != 0 {
		ex.lda = bufs.LDA
	}
	if bufs.LDC != 0 {
		ex.ldc = bufs.LDC
	}
	if bufs.Threads > 0 {
		ex.threads = bufs.Threads
	}
	if ex.lda < op.K || ex.ldc < op.N {
		return nil, errors.Wrapf(ErrExecutionFailed, "leading dimensions LDA=%d, LDC=%d must be at least K=%d, N=%d",
			ex.lda, ex.ldc, op.K, op.N)
	}

	if dtype := dtypes.FromAny(bufs.A); dtype != op.aDType() {
		return nil, errors.Wrapf(ErrExecutionFailed, "activations of type %T, the operator takes %s", bufs.A, op.aDType())
	}
	if n, want := flatLen(bufs.A), (ex.m-1)*ex.lda+op.K; n < want {
		return nil, errors.Wrapf(ErrExecutionFailed, "activations have %d values, M=%d rows of LDA=%d need %d", n, ex.m, ex.lda, want)
	}
	if dtype := dtypes.FromAny(bufs.C); dtype != op.cDType() {
		return nil, errors.Wrapf(ErrExecutionFailed, "output of type %T, the operator takes %s", bufs.C, op.cDType())
	}
	if n, want := flatLen(bufs.C), (ex.m-1)*ex.ldc+op.N; n < want {
		return nil, errors.Wrapf(ErrExecutionFailed, "output has %d values, M=%d rows of LDC=%d need %d", n, ex.m, ex.ldc, want)
	}
	if bufs.Bias != nil && len(bufs.Bias) < op.N {
		return nil, errors.Wrapf(ErrExecutionFailed, "bias has %d values, N=%d needed", len(bufs.Bias), op.N)
	}
	if bufs.B == nil || bufs.B.kd != k.kd {
		return nil, errors.Wrapf(ErrExecutionFailed, "weights must be packed by the kernel's descriptor")
	}
	ex.weights = bufs.B.store

	need := k.kd.path.workspaceBytes(ex.m)
	switch {
	case need == 0:
	case bufs.Workspace == nil:
		ex.ownedWorkspace = k.workspaces.Get(need)
		ex.workspace = ex.ownedWorkspace.Bytes[:need]
	case len(bufs.Workspace) < need:
		return nil, errors.Wrapf(ErrExecutionFailed, "workspace has %d bytes, %d required", len(bufs.Workspace), need)
	default:
		ex.workspace = bufs.Workspace
	}
	return ex, nil
}

// flatLen returns the length of one of the flat slices buffers can hold, or -1.
func flatLen(flat any) int {
	switch v := flat.(type) {
	case []float32:
		return len(v)
	case []float16.Float16:
		return len(v)
	case []bfloat16.BFloat16:
		return len(v)
	case []int8:
		return len(v)
	case []uint8:
		return len(v)
	}
	return -1
}

// parallel2D returns a partition from the kernel's cache, updated for problem.
func (k *Kernel) parallel2D(problem partition.Problem) *partition.Parallel2D {
	p := k.partitions.Get().(*partition.Parallel2D)
	p.Update(problem)
	return p
}
