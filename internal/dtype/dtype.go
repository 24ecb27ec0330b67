package dtype

import (
	"fmt"

	bfloat16 "github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

// Index is the element constraint for position, mask, beam-id and indirection buffers.
type Index interface {
	~int32 | ~int64
}

// Float is the element constraint for score buffers.
type Float interface {
	~float32 | ~float64
}

// DType names the element type of a flat buffer.
type DType uint8

const (
	Invalid DType = iota
	Int32
	Int64
	Float16
	BFloat16
	Float32
	Float64
)

func (d DType) String() string {
	switch d {
	case Int32:
		return "int32"
	case Int64:
		return "int64"
	case Float16:
		return "float16"
	case BFloat16:
		return "bfloat16"
	case Float32:
		return "float32"
	case Float64:
		return "float64"
	default:
		return fmt.Sprintf("dtype(%d)", uint8(d))
	}
}

// Parse returns the DType named s.
func Parse(s string) (DType, error) {
	for d := Int32; d <= Float64; d++ {
		if d.String() == s {
			return d, nil
		}
	}
	return Invalid, fmt.Errorf("unknown dtype %q", s)
}

// MarshalText encodes d by name.
func (d DType) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *DType) UnmarshalText(text []byte) error {
	v, err := Parse(string(text))
	if err != nil {
		return err
	}
	*d = v
	return nil
}

// Size returns the element size in bytes, or 0 for Invalid.
func (d DType) Size() int {
	switch d {
	case Float16, BFloat16:
		return 2
	case Int32, Float32:
		return 4
	case Int64, Float64:
		return 8
	default:
		return 0
	}
}

// Of reports the DType of T. Types defined on top of a builtin (other than the two
// half-precision types) report Invalid.
func Of[T any]() DType {
	var zero T
	switch any(zero).(type) {
	case int32:
		return Int32
	case int64:
		return Int64
	case float16.Float16:
		return Float16
	case bfloat16.BF16:
		return BFloat16
	case float32:
		return Float32
	case float64:
		return Float64
	default:
		return Invalid
	}
}
