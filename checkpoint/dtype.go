package checkpoint

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"
)

// DType is a safetensors element type.
type DType string

const (
	DTypeF32  DType = "F32"
	DTypeF16  DType = "F16"
	DTypeBF16 DType = "BF16"
)

// ParseDType accepts safetensors names as well as the torch-style aliases
// used on the command line ("float16", "bfloat16", ...).
func ParseDType(s string) (DType, error) {
	switch strings.ToLower(s) {
	case "f32", "float32", "fp32":
		return DTypeF32, nil
	case "f16", "float16", "fp16", "half":
		return DTypeF16, nil
	case "bf16", "bfloat16":
		return DTypeBF16, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedDType, s)
}

// Size returns the number of bytes per element.
func (d DType) Size() int {
	switch d {
	case DTypeF32:
		return 4
	case DTypeF16, DTypeBF16:
		return 2
	}
	return 0
}

// decode converts raw little-endian element bytes into float32 values.
func decode(raw []byte, dtype DType, n int) ([]float32, error) {
	if dtype.Size() == 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedDType, dtype)
	}
	if len(raw) != n*dtype.Size() {
		return nil, fmt.Errorf("%w: %d bytes for %d %s elements", ErrMalformedHeader, len(raw), n, dtype)
	}

	out := make([]float32, n)
	switch dtype {
	case DTypeF32:
		for i := 0; i < n; i++ {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4 : (i+1)*4]))
		}
	case DTypeF16:
		for i := 0; i < n; i++ {
			out[i] = float32FromFloat16(binary.LittleEndian.Uint16(raw[i*2 : (i+1)*2]))
		}
	case DTypeBF16:
		for i := 0; i < n; i++ {
			out[i] = float32FromBFloat16(binary.LittleEndian.Uint16(raw[i*2 : (i+1)*2]))
		}
	}
	return out, nil
}

// Encode serializes a tensor's values in the given dtype.
func Encode(t *Tensor, dtype DType) ([]byte, error) {
	size := dtype.Size()
	if size == 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedDType, dtype)
	}

	out := make([]byte, len(t.Data)*size)
	switch dtype {
	case DTypeF32:
		for i, v := range t.Data {
			binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
		}
	case DTypeF16:
		for i, v := range t.Data {
			binary.LittleEndian.PutUint16(out[i*2:], float16FromFloat32(v))
		}
	case DTypeBF16:
		for i, v := range t.Data {
			binary.LittleEndian.PutUint16(out[i*2:], bfloat16FromFloat32(v))
		}
	}
	return out, nil
}

func float32FromFloat16(bits uint16) float32 {
	sign := uint32((bits >> 15) & 1)
	exp := uint32((bits >> 10) & 0x1F)
	frac := uint32(bits & 0x3FF)

	if exp == 0 {
		if frac == 0 {
			return math.Float32frombits(sign << 31)
		}
		// Subnormal
		exp = 127 - 14
		for (frac & 0x400) == 0 {
			frac <<= 1
			exp--
		}
		frac &= 0x3FF
	} else if exp == 0x1F {
		// Inf or NaN
		exp = 0xFF
	} else {
		// Normal
		exp += 127 - 15
	}

	return math.Float32frombits((sign << 31) | (exp << 23) | (frac << 13))
}

func float32FromBFloat16(bits uint16) float32 {
	// BF16 is just truncated FP32 (sign + 8-bit exp + 7-bit mantissa)
	return math.Float32frombits(uint32(bits) << 16)
}

// float16FromFloat32 rounds to nearest, ties to even.
func float16FromFloat32(f float32) uint16 {
	bits := math.Float32bits(f)
	sign := uint16((bits >> 16) & 0x8000)
	rawExp := (bits >> 23) & 0xFF
	frac := bits & 0x7FFFFF

	if rawExp == 0xFF {
		if frac != 0 {
			return sign | 0x7E00
		}
		return sign | 0x7C00
	}

	exp := int32(rawExp) - 127 + 15
	if exp >= 0x1F {
		return sign | 0x7C00
	}
	if exp <= 0 {
		if exp < -10 {
			return sign
		}
		frac |= 0x800000
		shift := uint32(14 - exp)
		half := frac >> shift
		rem := frac & ((1 << shift) - 1)
		halfway := uint32(1) << (shift - 1)
		if rem > halfway || (rem == halfway && half&1 == 1) {
			half++
		}
		return sign | uint16(half)
	}

	half := uint32(exp)<<10 | frac>>13
	rem := frac & 0x1FFF
	if rem > 0x1000 || (rem == 0x1000 && half&1 == 1) {
		// a carry into the exponent is the correctly rounded result
		half++
	}
	return sign | uint16(half)
}

func bfloat16FromFloat32(f float32) uint16 {
	bits := math.Float32bits(f)
	if math.IsNaN(float64(f)) {
		return uint16(bits>>16) | 0x40
	}
	rounding := uint32(0x7FFF) + (bits>>16)&1
	return uint16((bits + rounding) >> 16)
}
