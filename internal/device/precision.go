package device

import "github.com/x448/float16"

func decodeHalf(src []uint16) []float32 {
	out := make([]float32, len(src))
	for i, h := range src {
		out[i] = float16.Frombits(h).Float32()
	}
	return out
}

func encodeHalf(dst []uint16, src []float32) {
	for i, v := range src {
		dst[i] = float16.Fromfloat32(v).Bits()
	}
}
