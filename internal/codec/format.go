// Package codec converts between engineering units and the register
// encodings used by PMBus regulators and raw VID controllers.
package codec

import "math"

// DefaultExponent is the LINEAR16 exponent assumed when a board does
// not declare one (VOUT_MODE = 0x14 on most Infineon/TI parts).
const DefaultExponent = -12

// DecodeLinear11 decodes a PMBus LINEAR11 word: a 5-bit two's-complement
// exponent in bits 11-15 and an 11-bit two's-complement mantissa in
// bits 0-10.
func DecodeLinear11(raw uint16) float64 {
	exp := int((raw >> 11) & 0x1F)
	if exp > 15 {
		exp -= 32
	}
	mant := int(raw & 0x7FF)
	if mant > 1023 {
		mant -= 2048
	}
	return float64(mant) * math.Pow(2, float64(exp))
}

// EncodeLinear11 packs a mantissa in [-1024, 1023] and an exponent in
// [-16, 15] into a LINEAR11 word. Out-of-range inputs are truncated to
// their low bits.
func EncodeLinear11(mantissa, exponent int) uint16 {
	return uint16(exponent&0x1F)<<11 | uint16(mantissa&0x7FF)
}

// DecodeLinear16 decodes a LINEAR16 word whose exponent is fixed by the
// device rather than carried in the word.
func DecodeLinear16(raw uint16, exponent int) float64 {
	return float64(raw) * math.Pow(2, float64(exponent))
}

// DecodeScaled divides a raw register or sysfs value by its declared
// scale.
func DecodeScaled(raw, scale float64) float64 {
	return raw / scale
}

// EncodeScaled is the inverse of DecodeScaled, rounded to the nearest
// 16-bit register value.
func EncodeScaled(value, scale float64) uint16 {
	return clampUint(math.Round(value*scale), math.MaxUint16)
}

// Linear16Scale returns the scale factor equivalent to a fixed LINEAR16
// exponent, for use with EncodeScaled.
func Linear16Scale(exponent int) float64 {
	return math.Pow(2, float64(-exponent))
}

// EncodeVID maps a voltage to a VID code on a linear base+step ladder.
// Voltages below base map to code 0.
func EncodeVID(value, base, step float64) uint8 {
	if value < base {
		return 0
	}
	return uint8(clampUint(math.Round((value-base)/step), math.MaxUint8))
}

// DecodeVID returns the voltage represented by a VID code.
func DecodeVID(code uint8, base, step float64) float64 {
	return base + float64(code)*step
}

func clampUint(v float64, max uint64) uint16 {
	switch {
	case math.IsNaN(v) || v <= 0:
		return 0
	case v >= float64(max):
		return uint16(max)
	default:
		return uint16(v)
	}
}
