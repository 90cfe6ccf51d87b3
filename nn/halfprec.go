package nn

import "math"

// Float16FromFloat32 encodes an FP32 value as IEEE 754 half precision with
// round-to-nearest-even, saturating overflow to infinity.
func Float16FromFloat32(f float32) uint16 {
	bits := math.Float32bits(f)
	sign := uint16((bits >> 16) & 0x8000)
	exp := int32((bits>>23)&0xFF) - 127 + 15
	mant := bits & 0x7FFFFF

	if (bits>>23)&0xFF == 0xFF {
		// Inf or NaN
		if mant != 0 {
			return sign | 0x7E00
		}
		return sign | 0x7C00
	}
	if exp >= 0x1F {
		// Overflow to infinity
		return sign | 0x7C00
	}
	if exp <= 0 {
		// Subnormal or underflow to zero
		if exp < -10 {
			return sign
		}
		mant |= 0x800000
		shift := uint32(14 - exp)
		half := uint32(1) << (shift - 1)
		rounded := (mant + half - 1 + ((mant >> shift) & 1)) >> shift
		return sign | uint16(rounded)
	}
	// Normal, round to nearest even on the dropped 13 bits
	rounded := mant + 0xFFF + ((mant >> 13) & 1)
	if rounded&0x800000 != 0 {
		rounded = 0
		exp++
		if exp >= 0x1F {
			return sign | 0x7C00
		}
	}
	return sign | uint16(exp)<<10 | uint16(rounded>>13)
}

// Float16ToFloat32 decodes an IEEE 754 half-precision value.
func Float16ToFloat32(h uint16) float32 {
	sign := uint32(h>>15) & 1
	exp := uint32(h>>10) & 0x1F
	mant := uint32(h & 0x3FF)

	var bits uint32
	switch {
	case exp == 0 && mant == 0:
		bits = sign << 31
	case exp == 0:
		// Subnormal: renormalize
		e := uint32(1)
		for mant&0x400 == 0 {
			mant <<= 1
			e--
		}
		mant &= 0x3FF
		bits = (sign << 31) | ((e + 127 - 15) << 23) | (mant << 13)
	case exp == 0x1F:
		bits = (sign << 31) | (0xFF << 23) | (mant << 13)
	default:
		bits = (sign << 31) | ((exp + 127 - 15) << 23) | (mant << 13)
	}
	return math.Float32frombits(bits)
}

// BFloat16FromFloat32 encodes an FP32 value as bfloat16 with
// round-to-nearest-even. NaNs are quieted rather than rounded.
func BFloat16FromFloat32(f float32) uint16 {
	bits := math.Float32bits(f)
	if bits&0x7F800000 == 0x7F800000 && bits&0x7FFFFF != 0 {
		return uint16(bits>>16) | 0x0040
	}
	rounded := bits + 0x7FFF + ((bits >> 16) & 1)
	return uint16(rounded >> 16)
}

// BFloat16ToFloat32 decodes a bfloat16 value: the top sixteen bits of the
// FP32 representation.
func BFloat16ToFloat32(b uint16) float32 {
	return math.Float32frombits(uint32(b) << 16)
}

// encodeLowp encodes v in the given storage dtype.
func encodeLowp(v float32, dtype KVDType) uint16 {
	if dtype == KVBF16 {
		return BFloat16FromFloat32(v)
	}
	return Float16FromFloat32(v)
}

// decodeLowp decodes a stored value of the given dtype.
func decodeLowp(u uint16, dtype KVDType) float32 {
	if dtype == KVBF16 {
		return BFloat16ToFloat32(u)
	}
	return Float16ToFloat32(u)
}
