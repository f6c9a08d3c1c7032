package goexec

import (
	"math"
	"sync"
	"unsafe"

	"github.com/chewxy/math32"
	"github.com/pkg/errors"

	"github.com/gomlx/gopjrt/dtypes"

	"github.com/cymqqqq/oneflow/backends"
	"github.com/cymqqqq/oneflow/types/xslices"
	"github.com/cymqqqq/oneflow/types/xsync"
)

// scalar are the Go element types goexec executes over.
type scalar interface {
	float32 | float64 | int32 | int64
}

// executeSlot evaluates the slot's expression into dst. The expression was
// validated at compile time, so evaluation itself cannot fail.
func executeSlot(slot *compiledSlot, dst backends.DeviceMemory, env map[string]backends.DeviceMemory) error {
	n := slot.shape.Size()
	switch slot.shape.DType {
	case dtypes.Float32:
		evalOp(slot.op, env, viewOf[float32](dst, n))
	case dtypes.Float64:
		evalOp(slot.op, env, viewOf[float64](dst, n))
	case dtypes.Int32:
		evalOp(slot.op, env, viewOf[int32](dst, n))
	case dtypes.Int64:
		evalOp(slot.op, env, viewOf[int64](dst, n))
	default:
		return errors.Errorf("no kernels for dtype %s", slot.shape.DType)
	}
	return nil
}

// viewOf reinterprets the memory region as a slice of n elements of type T.
func viewOf[T scalar](mem backends.DeviceMemory, n int) []T {
	return unsafe.Slice((*T)(mem.Opaque()), n)
}

// evalOp evaluates op element-wise into out. Entry operands are read in place;
// nested operands are evaluated into pooled temporaries.
//
// out may alias an entry buffer (aliased return slots write through their
// entry's memory): every kernel reads its operands at index i before writing
// out[i], so same-index aliasing is safe.
func evalOp[T scalar](op Op, env map[string]backends.DeviceMemory, out []T) {
	switch op.kind {
	case opEntry:
		copy(out, viewOf[T](env[op.entry], len(out)))
	case opCopy:
		evalOp(op.args[0], env, out)
	case opAdd, opMul:
		x, xTemp := operand[T](op.args[0], env, len(out))
		y, yTemp := operand[T](op.args[1], env, len(out))
		if op.kind == opAdd {
			for i := range out {
				out[i] = x[i] + y[i]
			}
		} else {
			for i := range out {
				out[i] = x[i] * y[i]
			}
		}
		releaseTemp(xTemp)
		releaseTemp(yTemp)
	case opAddScalar, opScale:
		x, xTemp := operand[T](op.args[0], env, len(out))
		c := T(op.scalar)
		if op.kind == opAddScalar {
			for i := range out {
				out[i] = x[i] + c
			}
		} else {
			for i := range out {
				out[i] = x[i] * c
			}
		}
		releaseTemp(xTemp)
	case opExp:
		x, xTemp := operand[T](op.args[0], env, len(out))
		expKernel(x, out)
		releaseTemp(xTemp)
	case opFill:
		xslices.Fill(out, T(op.scalar))
	}
}

// operand returns op's values: a direct view for entry references, a pooled
// temporary otherwise. The caller releases temp (possibly nil) when done.
func operand[T scalar](op Op, env map[string]backends.DeviceMemory, n int) (values, temp []T) {
	if op.kind == opEntry {
		return viewOf[T](env[op.entry], n), nil
	}
	temp = getTemp[T](n)
	evalOp(op, env, temp)
	return temp, temp
}

func expKernel[T scalar](x, out []T) {
	switch x := any(x).(type) {
	case []float32:
		out := any(out).([]float32)
		for i := range out {
			out[i] = math32.Exp(x[i])
		}
	case []float64:
		out := any(out).([]float64)
		for i := range out {
			out[i] = math.Exp(x[i])
		}
	default:
		// Integer dtypes are rejected at compile time.
	}
}

// Temporaries for nested expressions are pooled per dtype and length, since
// launches of the same executable recur with identical shapes.
type tempKey struct {
	dtype  dtypes.DType
	length int
}

var tempPools xsync.SyncMap[tempKey, *sync.Pool]

func getTemp[T scalar](n int) []T {
	key := tempKey{dtype: dtypes.FromGenericsType[T](), length: n}
	pool, found := tempPools.Load(key)
	if !found {
		pool, _ = tempPools.LoadOrStore(key, &sync.Pool{New: func() any { return make([]T, n) }})
	}
	return pool.Get().([]T)
}

func releaseTemp[T scalar](s []T) {
	if s == nil {
		return
	}
	key := tempKey{dtype: dtypes.FromGenericsType[T](), length: len(s)}
	if pool, found := tempPools.Load(key); found {
		pool.Put(s)
	}
}
