package simd

import "math"

// VecAdd performs dst += src
func VecAdd(dst, src []float32) {
	// Unrolled loop for better pipelining
	i := 0
	for ; i <= len(dst)-4; i += 4 {
		dst[i] += src[i]
		dst[i+1] += src[i+1]
		dst[i+2] += src[i+2]
		dst[i+3] += src[i+3]
	}
	for ; i < len(dst); i++ {
		dst[i] += src[i]
	}
}

// VecSub performs dst -= src
func VecSub(dst, src []float32) {
	for i := range dst {
		dst[i] -= src[i]
	}
}

// VecMul performs dst *= src element-wise
func VecMul(dst, src []float32) {
	i := 0
	for ; i <= len(dst)-4; i += 4 {
		dst[i] *= src[i]
		dst[i+1] *= src[i+1]
		dst[i+2] *= src[i+2]
		dst[i+3] *= src[i+3]
	}
	for ; i < len(dst); i++ {
		dst[i] *= src[i]
	}
}

// VecMax performs dst = max(dst, src) element-wise
func VecMax(dst, src []float32) {
	for i, v := range src {
		if v > dst[i] {
			dst[i] = v
		}
	}
}

// VecMin performs dst = min(dst, src) element-wise
func VecMin(dst, src []float32) {
	for i, v := range src {
		if v < dst[i] {
			dst[i] = v
		}
	}
}

// VecAddScaled performs dst += src * scale
func VecAddScaled(dst, src []float32, scale float32) {
	i := 0
	for ; i <= len(dst)-4; i += 4 {
		dst[i] += src[i] * scale
		dst[i+1] += src[i+1] * scale
		dst[i+2] += src[i+2] * scale
		dst[i+3] += src[i+3] * scale
	}
	for ; i < len(dst); i++ {
		dst[i] += src[i] * scale
	}
}

// VecScale performs dst *= scale
func VecScale(dst []float32, scale float32) {
	for i := range dst {
		dst[i] *= scale
	}
}

// DotProduct computes the dot product of two vectors, accumulating in float64.
func DotProduct(a, b []float32) float32 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return float32(sum)
}

// ReLU applies max(x, 0) in place.
func ReLU(data []float32) {
	for i, x := range data {
		if x < 0 {
			data[i] = 0
		}
	}
}

// LeakyReLU applies x for x>0 and alpha*x otherwise, in place.
func LeakyReLU(data []float32, alpha float32) {
	for i, x := range data {
		if x < 0 {
			data[i] = alpha * x
		}
	}
}

// ThresholdedReLU zeroes every value not above theta, in place.
func ThresholdedReLU(data []float32, theta float32) {
	for i, x := range data {
		if x <= theta {
			data[i] = 0
		}
	}
}

// ELU applies alpha*(exp(x)-1) to negative values, in place.
func ELU(data []float32, alpha float32) {
	for i, x := range data {
		if x < 0 {
			data[i] = alpha * float32(math.Expm1(float64(x)))
		}
	}
}

const (
	seluAlpha = 1.6732632423543772848170429916717
	seluScale = 1.0507009873554804934193349852946
)

// SELU applies the scaled exponential linear unit in place.
func SELU(data []float32) {
	for i, x := range data {
		if x < 0 {
			data[i] = float32(seluScale * seluAlpha * math.Expm1(float64(x)))
		} else {
			data[i] = float32(seluScale * float64(x))
		}
	}
}

// Sigmoid applies 1/(1+exp(-x)) in place.
func Sigmoid(data []float32) {
	for i, x := range data {
		data[i] = float32(1 / (1 + math.Exp(-float64(x))))
	}
}

// HardSigmoid applies clip(0.2x+0.5, 0, 1) in place.
func HardSigmoid(data []float32) {
	for i, x := range data {
		y := 0.2*x + 0.5
		if y < 0 {
			y = 0
		} else if y > 1 {
			y = 1
		}
		data[i] = y
	}
}

// Tanh applies tanh in place.
func Tanh(data []float32) {
	for i, x := range data {
		data[i] = float32(math.Tanh(float64(x)))
	}
}

// Softplus applies log(1+exp(x)) in place.
func Softplus(data []float32) {
	for i, x := range data {
		data[i] = float32(math.Log1p(math.Exp(float64(x))))
	}
}

// Softsign applies x/(1+|x|) in place.
func Softsign(data []float32) {
	for i, x := range data {
		data[i] = x / (1 + float32(math.Abs(float64(x))))
	}
}

// Softmax normalises a row in place.
func Softmax(row []float32) {
	if len(row) == 0 {
		return
	}
	max := row[0]
	for _, v := range row {
		if v > max {
			max = v
		}
	}

	var sum float64
	for i, v := range row {
		e := math.Exp(float64(v - max))
		row[i] = float32(e)
		sum += e
	}

	inv := float32(1 / sum)
	for i := range row {
		row[i] *= inv
	}
}
