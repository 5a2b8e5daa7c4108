// Public domain.

// Package afinv drives complete per-pixel inversions: initialization,
// solver invocation, retry with an alternate initial guess, and bounds
// validation of the final state.
package afinv

import (
	"math"

	"golang.org/x/exp/rand"

	"github.com/atmofit/atmofit/geom"
	"github.com/atmofit/atmofit/internal/afoe"
)

// Config holds driver tuning parameters.
type Config struct {
	// Retries is the number of alternate initializations tried after
	// an unconverged solve.
	Retries int

	// Perturb scales the prior standard deviation used to draw the
	// alternate initial guess.
	Perturb float64

	Settings afoe.Settings
}

// DefaultConfig returns the driver defaults: at most one retry.
func DefaultConfig() Config {
	return Config{
		Retries:  1,
		Perturb:  .3,
		Settings: afoe.DefaultSettings(),
	}
}

// Result is the externally visible outcome of one inversion.
type Result struct {
	*afoe.Result

	// BoundaryLimited is set when the final state had to be clamped
	// to its valid interval.  Reported, non-fatal.
	BoundaryLimited bool

	// Retried is set when the reported result came from a retry with
	// an alternate initial guess.
	Retried bool
}

// Inverter runs inversions against one forward model instance.  The
// forward model holds per-evaluation scratch, so an Inverter must not
// be shared between goroutines; create one per worker.
type Inverter struct {
	fm  afoe.Forward
	cfg Config
	rnd *rand.Rand
}

// New creates an inverter.  rnd supplies the retry perturbations; it
// may be nil when cfg.Retries is zero.
func New(fm afoe.Forward, cfg Config, rnd *rand.Rand) *Inverter {
	return &Inverter{fm: fm, cfg: cfg, rnd: rnd}
}

// Invert runs one full per-pixel inversion.  A nil x0 starts from the
// prior mean.  Invert always returns a result; solver failures are
// reported in its phase, never raised.
func (iv *Inverter) Invert(obs *afoe.Observation, g *geom.Geometry,
	pr *afoe.Prior, x0 []float64) *Result {

	if x0 == nil {
		x0 = pr.Mean
	}
	best, err := afoe.Solve(iv.fm, obs, pr, x0, g, iv.cfg.Settings)
	if err != nil {
		// structural failure: report as a diverged pixel
		return &Result{Result: &afoe.Result{
			State: append([]float64(nil), x0...),
			Phase: afoe.Diverged,
			Err:   err,
		}}
	}
	retried := false
	for r := 0; r < iv.cfg.Retries && !best.Converged; r++ {
		alt, err := afoe.Solve(iv.fm, obs, pr, iv.perturbed(pr), g,
			iv.cfg.Settings)
		if err != nil {
			break
		}
		if alt.Converged || alt.Cost < best.Cost {
			best = alt
			retried = true
		}
	}
	res := &Result{Result: best, Retried: retried}
	lo, hi := iv.fm.Bounds()
	res.BoundaryLimited = clamp(best.State, lo, hi)
	return res
}

// perturbed draws an alternate initial guess around the prior mean,
// scaled by the prior standard deviation and projected into bounds.
func (iv *Inverter) perturbed(pr *afoe.Prior) []float64 {
	x := make([]float64, len(pr.Mean))
	for i := range x {
		sd := math.Sqrt(pr.Cov.At(i, i))
		x[i] = pr.Mean[i] + iv.cfg.Perturb*sd*iv.rnd.NormFloat64()
	}
	lo, hi := iv.fm.Bounds()
	clamp(x, lo, hi)
	return x
}

func clamp(x, lo, hi []float64) bool {
	moved := false
	for i := range x {
		if x[i] < lo[i] {
			x[i] = lo[i]
			moved = true
		} else if x[i] > hi[i] {
			x[i] = hi[i]
			moved = true
		}
	}
	return moved
}
