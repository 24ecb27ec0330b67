package logits

import (
	"math"
	"unsafe"

	bfloat16 "github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"

	"github.com/samcharles93/beamstate/internal/device"
	"github.com/samcharles93/beamstate/internal/dtype"
	"github.com/samcharles93/beamstate/internal/geometry"
)

const convertBlock = 256

// Float16ToFloat32 widens half-precision values. Every float16 is exactly representable.
func Float16ToFloat32(s *device.Stream, dst []float32, src []float16.Float16) error {
	return convert(s, "float16_to_float32", dst, src, float16.Float16.Float32)
}

// Float32ToFloat16 narrows with IEEE 754 round-to-nearest-even. Magnitudes past the
// float16 range become ±Inf and NaN stays NaN.
func Float32ToFloat16(s *device.Stream, dst []float16.Float16, src []float32) error {
	return convert(s, "float32_to_float16", dst, src, float16.Fromfloat32)
}

// BFloat16ToFloat32 widens bfloat16 values exactly.
func BFloat16ToFloat32(s *device.Stream, dst []float32, src []bfloat16.BF16) error {
	return convert(s, "bfloat16_to_float32", dst, src, bfloat16.ToFloat32)
}

// Float32ToBFloat16 narrows with round-to-nearest-even; overflow rounds to ±Inf and NaN
// stays NaN.
func Float32ToBFloat16(s *device.Stream, dst []bfloat16.BF16, src []float32) error {
	return convert(s, "float32_to_bfloat16", dst, src, bf16FromFloat32)
}

// ConvertIndexWidth converts between 32 and 64 bit index buffers. Widening is exact;
// narrowing saturates to the destination range instead of wrapping.
func ConvertIndexWidth[From, To dtype.Index](s *device.Stream, dst []To, src []From) error {
	lo, hi := indexBounds[To]()
	return convert(s, "convert_index_width", dst, src, func(v From) To {
		return To(min(max(int64(v), lo), hi))
	})
}

func convert[From, To any](s *device.Stream, name string, dst []To, src []From, fn func(From) To) error {
	if len(dst) != len(src) {
		geometry.Shapef("%s: destination holds %d elements, source %d", name, len(dst), len(src))
	}
	n := len(src)
	return s.Launch(name, device.D1(device.Ceil(n, convertBlock)), device.D1(convertBlock), func(t device.Thread) {
		if i := t.GlobalX(); i < n {
			dst[i] = fn(src[i])
		}
	})
}

func bf16FromFloat32(f float32) bfloat16.BF16 {
	u := math.Float32bits(f)
	if u&0x7FFFFFFF > 0x7F800000 {
		// NaN: truncate and set the quiet bit so the payload cannot round to Inf.
		return bfloat16.BF16(u>>16 | 0x0040)
	}
	rnd := uint32(0x7FFF + ((u >> 16) & 1))
	return bfloat16.BF16((u + rnd) >> 16)
}

func indexBounds[T dtype.Index]() (int64, int64) {
	var zero T
	if unsafe.Sizeof(zero) == 4 {
		return math.MinInt32, math.MaxInt32
	}
	return math.MinInt64, math.MaxInt64
}
