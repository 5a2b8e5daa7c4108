// Public domain.

// Package afoe implements the optimal estimation solver: iterative
// maximum a posteriori inversion of a forward model against an observed
// radiance spectrum under a Gaussian prior.
//
// Each iteration evaluates the forward model, then takes a damped
// Gauss-Newton (Levenberg-Marquardt) step on the combined cost
//
//	χ²(x) = (y−F(x))ᵀ Se⁻¹ (y−F(x)) + (x−xa)ᵀ Sa⁻¹ (x−xa)
//
// with Se the observation noise covariance and (xa, Sa) the prior.
// The damping factor is adjusted from the outcome of each trial step.
// Solve is purely functional over its inputs; concurrent inversions
// need only distinct forward model instances.
package afoe

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/atmofit/atmofit/geom"
	"github.com/atmofit/atmofit/internal/affm"
)

// Forward is the forward operator inverted by the solver.
// *affm.Model implements it.
type Forward interface {
	Evaluate(x []float64, g *geom.Geometry) (*affm.Evaluation, error)

	// Bounds returns the inclusive valid interval of each state
	// element.  Steps leaving the interval are projected back, never
	// silently accepted.
	Bounds() (lo, hi []float64)
}

// Observation is a measured radiance spectrum with noise statistics.
type Observation struct {
	Radiance []float64

	// NoiseDiag is the diagonal of the observation noise covariance,
	// used when Noise is nil.
	NoiseDiag []float64

	// Noise optionally holds a full noise covariance.
	Noise *mat.SymDense
}

// Prior is the Gaussian prior over the state vector.
type Prior struct {
	Mean []float64
	Cov  *mat.SymDense
}

// Settings holds solver tuning parameters.
type Settings struct {
	MaxIterations int

	// CostTol is the relative cost change between consecutive
	// accepted iterations below which the solver converges.
	CostTol float64

	// StateTol is the relative step magnitude below which the solver
	// converges.
	StateTol float64

	// Lambda0 is the initial Levenberg-Marquardt damping factor.
	// Zero starts with plain Gauss-Newton steps.
	Lambda0 float64

	// LambdaUp scales the damping factor after a rejected step,
	// LambdaDown after an accepted one.
	LambdaUp   float64
	LambdaDown float64

	// MaxBadSteps is the number of consecutive rejected trial steps
	// allowed within one iteration before declaring divergence.
	MaxBadSteps int
}

// DefaultSettings returns the solver defaults.
func DefaultSettings() Settings {
	return Settings{
		MaxIterations: 30,
		CostTol:       1e-4,
		StateTol:      1e-6,
		Lambda0:       0,
		LambdaUp:      10,
		LambdaDown:    .1,
		MaxBadSteps:   6,
	}
}

// Result is the terminal output of one solve.  It is created once and
// not mutated afterward.
type Result struct {
	// State is the last accepted iterate.
	State []float64

	// Covariance is the linearized Gauss-Newton posterior covariance
	// at the final state, (Jᵀ Se⁻¹ J + Sa⁻¹)⁻¹.  Nil if the normal
	// matrix could not be factored.
	Covariance *mat.SymDense

	Phase      Phase
	Converged  bool
	Iterations int
	Cost       float64

	// BoundaryHit is set when any accepted step was projected back
	// into the valid state interval.
	BoundaryHit bool

	// Degraded is set when any forward evaluation reported degraded
	// Jacobian quality or a clamped table query.
	Degraded bool

	// Err records a forward model failure that ended iteration; the
	// result is still returned with Phase Diverged.
	Err error
}

// fit is the solve workspace.  Inputs are read-only; everything else is
// private scratch.
type fit struct {
	fm  Forward
	obs *Observation
	pr  *Prior
	set Settings

	n, m int

	saInv     *mat.SymDense // prior precision
	noiseChol *mat.Cholesky // nil when noise is diagonal
	wInv      []float64     // inverse diagonal noise

	lo, hi []float64
}

// Solve runs the optimal estimation iteration from initial guess x0.
// The returned error is non-nil only for structural problems
// (dimension mismatches, non positive definite inputs); numeric
// outcomes including divergence are reported in the result phase.
func Solve(fm Forward, obs *Observation, pr *Prior, x0 []float64,
	g *geom.Geometry, set Settings) (*Result, error) {

	w, err := newFit(fm, obs, pr, set)
	if err != nil {
		return nil, err
	}
	if len(x0) != w.n {
		return nil, fmt.Errorf("afoe: initial guess length %d, state length %d",
			len(x0), w.n)
	}
	return w.run(x0, g), nil
}

func newFit(fm Forward, obs *Observation, pr *Prior, set Settings) (*fit, error) {
	w := &fit{fm: fm, obs: obs, pr: pr, set: set}
	w.m = len(obs.Radiance)
	if w.m == 0 {
		return nil, fmt.Errorf("afoe: empty observation")
	}
	w.n = len(pr.Mean)
	if pr.Cov == nil || pr.Cov.SymmetricDim() != w.n {
		return nil, fmt.Errorf("afoe: prior covariance does not match mean")
	}
	var ch mat.Cholesky
	if !ch.Factorize(pr.Cov) {
		return nil, fmt.Errorf("afoe: prior covariance not positive definite")
	}
	w.saInv = mat.NewSymDense(w.n, nil)
	if err := ch.InverseTo(w.saInv); err != nil {
		return nil, fmt.Errorf("afoe: inverting prior covariance: %v", err)
	}
	if obs.Noise != nil {
		if obs.Noise.SymmetricDim() != w.m {
			return nil, fmt.Errorf("afoe: noise covariance does not match radiance")
		}
		w.noiseChol = new(mat.Cholesky)
		if !w.noiseChol.Factorize(obs.Noise) {
			return nil, fmt.Errorf("afoe: noise covariance not positive definite")
		}
	} else {
		if len(obs.NoiseDiag) != w.m {
			return nil, fmt.Errorf("afoe: noise diagonal length %d for %d channels",
				len(obs.NoiseDiag), w.m)
		}
		w.wInv = make([]float64, w.m)
		for i, v := range obs.NoiseDiag {
			if v <= 0 {
				return nil, fmt.Errorf("afoe: non-positive noise variance in channel %d", i)
			}
			w.wInv[i] = 1 / v
		}
	}
	w.lo, w.hi = fm.Bounds()
	if len(w.lo) != w.n || len(w.hi) != w.n {
		return nil, fmt.Errorf("afoe: forward model bounds length %d, state length %d",
			len(w.lo), w.n)
	}
	return w, nil
}

const lambdaFloor = 1e-12

func (w *fit) run(x0 []float64, g *geom.Geometry) *Result {
	res := &Result{Phase: Initialized}
	x := append([]float64(nil), x0...)
	clampState(x, w.lo, w.hi)

	ev, err := w.fm.Evaluate(x, g)
	if err != nil {
		res.Phase = Diverged
		res.State = x
		res.Err = err
		return res
	}
	cost := w.cost(x, ev.Radiance)
	res.Degraded = ev.Degraded() || ev.Clamped

	lambda := w.set.Lambda0
	res.Phase = Iterating
	for iter := 1; iter <= w.set.MaxIterations; iter++ {
		H, grad := w.normal(x, ev)

		var xt []float64
		var evt *affm.Evaluation
		var ct float64
		accepted, stepBounded := false, false
		var ferr error
		for bad := 0; bad <= w.set.MaxBadSteps; bad++ {
			delta, ok := w.solveStep(H, grad, lambda)
			if !ok {
				lambda = bump(lambda, w.set)
				continue
			}
			xt = make([]float64, w.n)
			for i := range xt {
				xt[i] = x[i] + delta.AtVec(i)
			}
			stepBounded = clampState(xt, w.lo, w.hi)
			var evTry *affm.Evaluation
			evTry, ferr = w.fm.Evaluate(xt, g)
			if ferr != nil {
				lambda = bump(lambda, w.set)
				continue
			}
			if c := w.cost(xt, evTry.Radiance); c <= cost {
				evt, ct, accepted = evTry, c, true
				break
			}
			lambda = bump(lambda, w.set)
		}
		if !accepted {
			res.Phase = Diverged
			res.Err = ferr
			break
		}

		res.Iterations = iter
		if stepBounded {
			res.BoundaryHit = true
		}
		res.Degraded = res.Degraded || evt.Degraded() || evt.Clamped

		relCost := math.Abs(cost-ct) / math.Max(ct, 1e-12)
		var ss, xx float64
		for i := range x {
			d := xt[i] - x[i]
			ss += d * d
			xx += x[i] * x[i]
		}
		relStep := math.Sqrt(ss) / (math.Sqrt(xx) + 1)

		x, ev, cost = xt, evt, ct
		if lambda *= w.set.LambdaDown; lambda < lambdaFloor {
			lambda = 0
		}
		if relCost < w.set.CostTol || relStep < w.set.StateTol {
			res.Phase = Converged
			break
		}
	}
	if res.Phase == Iterating {
		res.Phase = MaxIterationsExceeded
	}
	res.Converged = res.Phase == Converged
	res.State = x
	res.Cost = cost
	res.Covariance = w.posterior(x, ev)
	return res
}

// solveStep solves the damped normal equations for one trial step.
func (w *fit) solveStep(H *mat.SymDense, grad *mat.VecDense, lambda float64) (*mat.VecDense, bool) {
	A := H
	if lambda > 0 {
		A = mat.NewSymDense(w.n, nil)
		A.CopySym(H)
		for i := 0; i < w.n; i++ {
			A.SetSym(i, i, H.At(i, i)*(1+lambda))
		}
	}
	var ch mat.Cholesky
	if !ch.Factorize(A) {
		return nil, false
	}
	delta := mat.NewVecDense(w.n, nil)
	if err := ch.SolveVecTo(delta, grad); err != nil {
		return nil, false
	}
	return delta, true
}

// bump raises the damping factor after a rejected or unsolvable step.
func bump(lambda float64, set Settings) float64 {
	if lambda == 0 {
		return 1e-3
	}
	return lambda * set.LambdaUp
}

// clampState projects x into [lo, hi], reporting whether any element
// moved.
func clampState(x, lo, hi []float64) bool {
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

// cost evaluates χ² at x with predicted radiance rad.
func (w *fit) cost(x []float64, rad *mat.VecDense) float64 {
	r := mat.NewVecDense(w.m, nil)
	for i, y := range w.obs.Radiance {
		r.SetVec(i, y-rad.AtVec(i))
	}
	wr := mat.NewVecDense(w.m, nil)
	w.seInvMul(wr, r)
	data := mat.Dot(r, wr)

	dx := mat.NewVecDense(w.n, nil)
	for i := range x {
		dx.SetVec(i, x[i]-w.pr.Mean[i])
	}
	return data + mat.Inner(dx, w.saInv, dx)
}

// seInvMul sets dst = Se⁻¹ v.
func (w *fit) seInvMul(dst, v *mat.VecDense) {
	if w.noiseChol != nil {
		w.noiseChol.SolveVecTo(dst, v)
		return
	}
	for i := 0; i < w.m; i++ {
		dst.SetVec(i, w.wInv[i]*v.AtVec(i))
	}
}

// normal builds the Gauss-Newton normal matrix H = Jᵀ Se⁻¹ J + Sa⁻¹
// and the gradient of the descent direction,
// Jᵀ Se⁻¹ (y−F) − Sa⁻¹ (x−xa).
func (w *fit) normal(x []float64, ev *affm.Evaluation) (*mat.SymDense, *mat.VecDense) {
	J := ev.Jacobian

	WJ := mat.NewDense(w.m, w.n, nil)
	if w.noiseChol != nil {
		// ignore error: factorization already verified
		w.noiseChol.SolveTo(WJ, J)
	} else {
		for i := 0; i < w.m; i++ {
			wi := w.wInv[i]
			for j := 0; j < w.n; j++ {
				WJ.Set(i, j, wi*J.At(i, j))
			}
		}
	}
	var hd mat.Dense
	hd.Mul(J.T(), WJ)
	H := mat.NewSymDense(w.n, nil)
	for i := 0; i < w.n; i++ {
		for j := i; j < w.n; j++ {
			H.SetSym(i, j, .5*(hd.At(i, j)+hd.At(j, i))+w.saInv.At(i, j))
		}
	}

	r := mat.NewVecDense(w.m, nil)
	for i, y := range w.obs.Radiance {
		r.SetVec(i, y-ev.Radiance.AtVec(i))
	}
	wr := mat.NewVecDense(w.m, nil)
	w.seInvMul(wr, r)
	grad := mat.NewVecDense(w.n, nil)
	grad.MulVec(J.T(), wr)

	dx := mat.NewVecDense(w.n, nil)
	for i := range x {
		dx.SetVec(i, x[i]-w.pr.Mean[i])
	}
	pull := mat.NewVecDense(w.n, nil)
	pull.MulVec(w.saInv, dx)
	grad.SubVec(grad, pull)
	return H, grad
}

// posterior computes the linearized posterior covariance at the final
// state.
func (w *fit) posterior(x []float64, ev *affm.Evaluation) *mat.SymDense {
	H, _ := w.normal(x, ev)
	var ch mat.Cholesky
	if !ch.Factorize(H) {
		return nil
	}
	cov := mat.NewSymDense(w.n, nil)
	if err := ch.InverseTo(cov); err != nil {
		return nil
	}
	return cov
}
