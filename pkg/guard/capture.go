package guard

import "math"

// ChamberSpec pairs a chamber size with its pass threshold for capture
// analysis.
type ChamberSpec struct {
	Size      int
	Threshold int
}

// binomialTail computes P[X >= k] for X ~ Binomial(n, p) using log
// binomial coefficients, stable for chamber-scale n.
func binomialTail(n, k int, p float64) float64 {
	if k <= 0 {
		return 1
	}
	if k > n {
		return 0
	}
	if p <= 0 {
		return 0
	}
	if p >= 1 {
		return 1
	}
	lp := math.Log(p)
	lq := math.Log(1 - p)
	var sum float64
	for i := k; i <= n; i++ {
		logC := lgammaf(float64(n)+1) - lgammaf(float64(i)+1) - lgammaf(float64(n-i)+1)
		sum += math.Exp(logC + float64(i)*lp + float64(n-i)*lq)
	}
	if sum > 1 {
		return 1
	}
	return sum
}

func lgammaf(x float64) float64 {
	v, _ := math.Lgamma(x)
	return v
}

// CaptureBound computes the worst-case probability that an adversary
// controlling population share p passes all three chambers: the product
// of the right-tail binomial sums for each chamber's size and
// threshold. Used for calibration reports and as a regression oracle.
func CaptureBound(nP, kP, nR, kR, nC, kC int, p float64) float64 {
	return binomialTail(nP, kP, p) *
		binomialTail(nR, kR, p) *
		binomialTail(nC, kC, p)
}

// CaptureBoundFor evaluates the bound for a chamber configuration.
func CaptureBoundFor(specs [3]ChamberSpec, p float64) float64 {
	return CaptureBound(
		specs[0].Size, specs[0].Threshold,
		specs[1].Size, specs[1].Threshold,
		specs[2].Size, specs[2].Threshold,
		p,
	)
}
