package accounting

import (
	"math"
)

// Renyi divergence bounds for the subsampled Gaussian mechanism, computed in
// log space with the log-sum-exp trick to stay stable for large orders and
// small sample rates.

// computeRDP returns the order-alpha Renyi divergence of one step of the
// Poisson-subsampled Gaussian mechanism with sample rate q and noise
// multiplier sigma.
func computeRDP(q, sigma, alpha float64) float64 {
	if q == 0 {
		return 0
	}
	// No subsampling amplification at q = 1: plain Gaussian mechanism.
	if q == 1 {
		return alpha / (2 * sigma * sigma)
	}
	if math.IsInf(alpha, 1) {
		return math.Inf(1)
	}
	if alpha == math.Trunc(alpha) {
		return computeLogAInt(q, sigma, int(alpha)) / (alpha - 1)
	}
	return computeLogAFrac(q, sigma, alpha) / (alpha - 1)
}

// computeLogAInt computes log(A_alpha) for integer alpha via the binomial
// expansion of the subsampled Gaussian moment.
func computeLogAInt(q, sigma float64, alpha int) float64 {
	logA := math.Inf(-1)
	logQ := math.Log(q)
	log1Q := math.Log1p(-q)
	sigma2 := sigma * sigma

	for i := 0; i <= alpha; i++ {
		logCoef := logBinom(alpha, i) + float64(i)*logQ + float64(alpha-i)*log1Q
		s := logCoef + float64(i*i-i)/(2*sigma2)
		logA = logAdd(logA, s)
	}
	return logA
}

// computeLogAFrac computes log(A_alpha) for fractional alpha. The moment
// splits into two integrals at z0; each is expanded as an infinite series of
// generalized binomial terms weighted by Gaussian tail masses, summed until
// the terms fall below a fixed magnitude.
func computeLogAFrac(q, sigma, alpha float64) float64 {
	logA0 := math.Inf(-1)
	logA1 := math.Inf(-1)
	logQ := math.Log(q)
	log1Q := math.Log1p(-q)
	sigma2 := sigma * sigma
	z0 := sigma2*math.Log(1/q-1) + 0.5

	coef := 1.0 // generalized binomial coefficient binom(alpha, i)
	for i := 0; ; i++ {
		if i > 0 {
			coef = coef * (alpha - float64(i-1)) / float64(i)
		}
		logCoef := math.Log(math.Abs(coef))
		j := alpha - float64(i)

		logT0 := logCoef + float64(i)*logQ + j*log1Q
		logT1 := logCoef + j*logQ + float64(i)*log1Q

		logE0 := math.Log(0.5) + logErfc((float64(i)-z0)/(math.Sqrt2*sigma))
		logE1 := math.Log(0.5) + logErfc((z0-j)/(math.Sqrt2*sigma))

		logS0 := logT0 + (float64(i)*float64(i)-float64(i))/(2*sigma2) + logE0
		logS1 := logT1 + (j*j-j)/(2*sigma2) + logE1

		if coef > 0 {
			logA0 = logAdd(logA0, logS0)
			logA1 = logAdd(logA1, logS1)
		} else {
			logA0 = logSub(logA0, logS0)
			logA1 = logSub(logA1, logS1)
		}

		if math.Max(logS0, logS1) < -30 {
			break
		}
	}
	return logAdd(logA0, logA1)
}

// logBinom returns log(C(n, k)) via the log-gamma function.
func logBinom(n, k int) float64 {
	if k < 0 || k > n {
		return math.Inf(-1)
	}
	ln, _ := math.Lgamma(float64(n + 1))
	lk, _ := math.Lgamma(float64(k + 1))
	lnk, _ := math.Lgamma(float64(n - k + 1))
	return ln - lk - lnk
}

// logErfc returns log(erfc(x)), falling back to the asymptotic tail
// expansion when erfc underflows to zero.
func logErfc(x float64) float64 {
	r := math.Erfc(x)
	if r == 0 {
		// Laurent series at infinity for the erfc tail.
		x2 := x * x
		return -math.Log(math.Pi)/2 - math.Log(x) - x2 -
			0.5/x2 + 0.625/(x2*x2) -
			37.0/24.0/(x2*x2*x2) + 353.0/64.0/(x2*x2*x2*x2)
	}
	return math.Log(r)
}

// logAdd returns log(exp(a) + exp(b)) without overflowing.
func logAdd(a, b float64) float64 {
	if math.IsInf(a, -1) {
		return b
	}
	if math.IsInf(b, -1) {
		return a
	}
	hi := math.Max(a, b)
	lo := math.Min(a, b)
	return hi + math.Log1p(math.Exp(lo-hi))
}

// logSub returns log(exp(a) - exp(b)); a must not be smaller than b.
func logSub(a, b float64) float64 {
	if math.IsInf(b, -1) {
		return a
	}
	if a == b {
		return math.Inf(-1)
	}
	return a + math.Log1p(-math.Exp(b-a))
}
