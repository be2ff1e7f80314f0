package searcher

import (
	"math"
	"math/rand"
)

// distribution is the per-parameter sampling state of the cross-entropy method.
// Fit refits the distribution to an elite subset of observed values; Tighten
// decays the variance by the configured factor.
type distribution interface {
	Sample(r *rand.Rand) interface{}
	Fit(elite []interface{})
	Tighten(decay float64)
}

func newDistribution(d Domain) distribution {
	switch {
	case d.Const != nil:
		return &constDist{val: d.Const.Val}
	case d.Discrete != nil:
		return newDiscreteDist(d.Discrete.Vals)
	case d.TruncatedNormal != nil:
		return newTruncNormalDist(*d.TruncatedNormal)
	default:
		return nil
	}
}

// constDist pins a parameter; it never moves.
type constDist struct {
	val interface{}
}

func (d *constDist) Sample(*rand.Rand) interface{} { return d.val }
func (d *constDist) Fit([]interface{})             {}
func (d *constDist) Tighten(float64)               {}

// discreteDist is a categorical distribution over the declared values. Fit
// replaces the probabilities with smoothed elite frequencies; the smoothing
// keeps every category reachable so a lucky early elite cannot freeze the
// search.
type discreteDist struct {
	vals  []interface{}
	probs []float64
}

const discreteSmoothing = 1e-3

func newDiscreteDist(vals []interface{}) *discreteDist {
	probs := make([]float64, len(vals))
	for i := range probs {
		probs[i] = 1.0 / float64(len(vals))
	}
	return &discreteDist{vals: vals, probs: probs}
}

func (d *discreteDist) Sample(r *rand.Rand) interface{} {
	u := r.Float64()
	acc := 0.0
	for i, p := range d.probs {
		acc += p
		if u < acc {
			return d.vals[i]
		}
	}
	return d.vals[len(d.vals)-1]
}

func (d *discreteDist) Fit(elite []interface{}) {
	if len(elite) == 0 {
		return
	}
	counts := make([]float64, len(d.vals))
	for _, v := range elite {
		for i, dv := range d.vals {
			if scalarEqual(dv, v) {
				counts[i]++
				break
			}
		}
	}
	total := 0.0
	for i := range counts {
		counts[i] += discreteSmoothing
		total += counts[i]
	}
	for i := range counts {
		d.probs[i] = counts[i] / total
	}
}

// Tighten is a no-op: variance decay applies to the continuous domains.
func (d *discreteDist) Tighten(float64) {}

// truncNormalDist samples a normal truncated to the declared bounds. For log
// domains all arithmetic happens in ln-space; for integer domains samples are
// rounded after truncation.
type truncNormalDist struct {
	domain TruncatedNormalDomain

	mean   float64 // ln-space when domain.Log
	stddev float64
	lo, hi float64
}

// sigmaFloor keeps a degenerate elite subset (all identical values) from
// collapsing the distribution to a point mass.
const sigmaFloor = 1e-9

func newTruncNormalDist(d TruncatedNormalDomain) *truncNormalDist {
	t := &truncNormalDist{domain: d, stddev: d.Stddev}
	if d.Log {
		t.mean = math.Log(d.Mean)
		t.lo = math.Log(d.Minval)
		t.hi = math.Log(d.Maxval)
	} else {
		t.mean = d.Mean
		t.lo = d.Minval
		t.hi = d.Maxval
	}
	return t
}

func (d *truncNormalDist) Sample(r *rand.Rand) interface{} {
	x := d.mean
	for i := 0; i < 100; i++ {
		x = d.mean + d.stddev*r.NormFloat64()
		if x >= d.lo && x <= d.hi {
			break
		}
	}
	if x < d.lo {
		x = d.lo
	} else if x > d.hi {
		x = d.hi
	}
	if d.domain.Log {
		x = math.Exp(x)
	}
	if d.domain.Integer {
		v := int(math.Round(x))
		v = intClamp(v, int(math.Ceil(d.domain.Minval)), int(math.Floor(d.domain.Maxval)))
		return v
	}
	return x
}

func (d *truncNormalDist) Fit(elite []interface{}) {
	if len(elite) == 0 {
		return
	}
	xs := make([]float64, 0, len(elite))
	for _, v := range elite {
		x := mustFloat(v)
		if d.domain.Log {
			x = math.Log(x)
		}
		xs = append(xs, x)
	}
	mean := 0.0
	for _, x := range xs {
		mean += x
	}
	mean /= float64(len(xs))
	variance := 0.0
	for _, x := range xs {
		variance += (x - mean) * (x - mean)
	}
	variance /= float64(len(xs))

	d.mean = mean
	d.stddev = math.Max(math.Sqrt(variance), sigmaFloor)
}

func (d *truncNormalDist) Tighten(decay float64) {
	// decay applies to the variance, so the deviation shrinks by its root.
	d.stddev = math.Max(d.stddev*math.Sqrt(decay), sigmaFloor)
}

func intClamp(v, lo, hi int) int {
	switch {
	case v < lo:
		return lo
	case v > hi:
		return hi
	default:
		return v
	}
}
