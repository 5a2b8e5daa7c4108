// Public domain.

package afoe_test

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"

	"github.com/atmofit/atmofit/geom"
	"github.com/atmofit/atmofit/internal/affm"
	"github.com/atmofit/atmofit/internal/afoe"
)

// linearForward is F(x) = J x + b with fixed Jacobian, wide bounds.
type linearForward struct {
	j *mat.Dense
	b []float64
}

func (f *linearForward) Evaluate(x []float64, g *geom.Geometry) (*affm.Evaluation, error) {
	m, n := f.j.Dims()
	rad := mat.NewVecDense(m, nil)
	rad.MulVec(f.j, mat.NewVecDense(n, x))
	if f.b != nil {
		for i := 0; i < m; i++ {
			rad.SetVec(i, rad.AtVec(i)+f.b[i])
		}
	}
	jc := mat.NewDense(m, n, nil)
	jc.Copy(f.j)
	return &affm.Evaluation{Radiance: rad, Jacobian: jc}, nil
}

func (f *linearForward) Bounds() (lo, hi []float64) {
	_, n := f.j.Dims()
	lo = make([]float64, n)
	hi = make([]float64, n)
	for i := range lo {
		lo[i] = -1e6
		hi[i] = 1e6
	}
	return
}

func eyeSym(n int, v float64) *mat.SymDense {
	s := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		s.SetSym(i, i, v)
	}
	return s
}

// analytic MAP solution of the linear problem:
// x = (JᵀSe⁻¹J + Sa⁻¹)⁻¹ (JᵀSe⁻¹y + Sa⁻¹ xa), with b = 0.
func linearMAP(j *mat.Dense, y, noise []float64, pr *afoe.Prior) []float64 {
	m, n := j.Dims()
	h := mat.NewDense(n, n, nil)
	wj := mat.NewDense(m, n, nil)
	for i := 0; i < m; i++ {
		for k := 0; k < n; k++ {
			wj.Set(i, k, j.At(i, k)/noise[i])
		}
	}
	h.Mul(j.T(), wj)
	var ch mat.Cholesky
	var saInv mat.SymDense
	ch.Factorize(pr.Cov)
	ch.InverseTo(&saInv)
	var hs mat.Dense
	hs.Add(h, &saInv)

	rhs := mat.NewVecDense(n, nil)
	wy := mat.NewVecDense(m, nil)
	for i := 0; i < m; i++ {
		wy.SetVec(i, y[i]/noise[i])
	}
	rhs.MulVec(j.T(), wy)
	pull := mat.NewVecDense(n, nil)
	pull.MulVec(&saInv, mat.NewVecDense(n, pr.Mean))
	rhs.AddVec(rhs, pull)

	x := mat.NewVecDense(n, nil)
	var lu mat.LU
	lu.Factorize(&hs)
	lu.SolveVecTo(x, false, rhs)
	out := make([]float64, n)
	for i := range out {
		out[i] = x.AtVec(i)
	}
	return out
}

func TestLinearOneIteration(t *testing.T) {
	// for a linear forward model the first Gauss-Newton step lands on
	// the exact MAP solution; the following iteration only confirms a
	// zero step.
	j := mat.NewDense(3, 2, []float64{
		1, .2,
		.1, 1,
		.5, .5,
	})
	fm := &linearForward{j: j}
	obs := &afoe.Observation{
		Radiance:  []float64{1, 2, 1.4},
		NoiseDiag: []float64{.01, .01, .04},
	}
	pr := &afoe.Prior{Mean: []float64{0, 0}, Cov: eyeSym(2, 100)}
	g := new(geom.Geometry)

	res, err := afoe.Solve(fm, obs, pr, pr.Mean, g, afoe.DefaultSettings())
	if err != nil {
		t.Fatal(err)
	}
	if !res.Converged || res.Phase != afoe.Converged {
		t.Fatal("no convergence:", res.Phase)
	}
	if res.Iterations > 2 {
		t.Fatal("linear problem took", res.Iterations, "iterations")
	}
	want := linearMAP(j, obs.Radiance, obs.NoiseDiag, pr)
	for i := range want {
		if math.Abs(res.State[i]-want[i]) > 1e-9 {
			t.Fatalf("state %v, want %v", res.State, want)
		}
	}
}

func TestPosteriorCovarianceAnalytic(t *testing.T) {
	j := mat.NewDense(2, 2, []float64{
		2, 0,
		0, .5,
	})
	fm := &linearForward{j: j}
	obs := &afoe.Observation{
		Radiance:  []float64{.4, .6},
		NoiseDiag: []float64{.01, .09},
	}
	pr := &afoe.Prior{Mean: []float64{0, 0}, Cov: eyeSym(2, 4)}
	res, err := afoe.Solve(fm, obs, pr, pr.Mean, new(geom.Geometry),
		afoe.DefaultSettings())
	if err != nil {
		t.Fatal(err)
	}
	// diagonal problem: posterior variance per element is
	// 1 / (j²/noise + 1/prior)
	want0 := 1 / (4/.01 + .25)
	want1 := 1 / (.25/.09 + .25)
	if v := res.Covariance.At(0, 0); math.Abs(v-want0) > 1e-12 {
		t.Fatal("posterior var 0:", v, "want", want0)
	}
	if v := res.Covariance.At(1, 1); math.Abs(v-want1) > 1e-12 {
		t.Fatal("posterior var 1:", v, "want", want1)
	}
}

func TestNoiseInflationGrowsPosterior(t *testing.T) {
	j := mat.NewDense(3, 2, []float64{
		1, .2,
		.1, 1,
		.5, .5,
	})
	pr := &afoe.Prior{Mean: []float64{0, 0}, Cov: eyeSym(2, 4)}
	var prev []float64
	for _, k := range []float64{1, 2, 5, 20} {
		obs := &afoe.Observation{
			Radiance:  []float64{1, 2, 1.4},
			NoiseDiag: []float64{.01 * k, .01 * k, .04 * k},
		}
		res, err := afoe.Solve(&linearForward{j: j}, obs, pr, pr.Mean,
			new(geom.Geometry), afoe.DefaultSettings())
		if err != nil {
			t.Fatal(err)
		}
		cur := []float64{res.Covariance.At(0, 0), res.Covariance.At(1, 1)}
		if prev != nil {
			for i := range cur {
				if cur[i] <= prev[i] {
					t.Fatalf("posterior variance %d not increasing with noise: %g -> %g",
						i, prev[i], cur[i])
				}
			}
		}
		prev = cur
	}
}

// quadForward is a mildly nonlinear model used for truth recovery.
type quadForward struct{}

func (quadForward) Evaluate(x []float64, g *geom.Geometry) (*affm.Evaluation, error) {
	rad := mat.NewVecDense(3, []float64{
		x[0] + .3*x[1]*x[1],
		x[1] + .1*x[0]*x[1],
		x[0] * x[1],
	})
	jc := mat.NewDense(3, 2, []float64{
		1, .6 * x[1],
		.1 * x[1], 1 + .1*x[0],
		x[1], x[0],
	})
	return &affm.Evaluation{Radiance: rad, Jacobian: jc}, nil
}

func (quadForward) Bounds() (lo, hi []float64) {
	return []float64{-10, -10}, []float64{10, 10}
}

func TestZeroNoiseTruthRecovery(t *testing.T) {
	truth := []float64{1, 1}
	ev, _ := quadForward{}.Evaluate(truth, nil)
	y := make([]float64, 3)
	for i := range y {
		y[i] = ev.Radiance.AtVec(i)
	}
	obs := &afoe.Observation{
		Radiance:  y,
		NoiseDiag: []float64{1e-8, 1e-8, 1e-8},
	}
	pr := &afoe.Prior{Mean: []float64{.8, 1.3}, Cov: eyeSym(2, 100)}
	res, err := afoe.Solve(quadForward{}, obs, pr, pr.Mean,
		new(geom.Geometry), afoe.DefaultSettings())
	if err != nil {
		t.Fatal(err)
	}
	if !res.Converged {
		t.Fatal("no convergence:", res.Phase)
	}
	for i := range truth {
		if math.Abs(res.State[i]-truth[i]) > 1e-4 {
			t.Fatalf("recovered %v, truth %v", res.State, truth)
		}
	}
}

func TestFullNoiseCovariance(t *testing.T) {
	// correlated noise: same MAP as solving with the full matrix
	j := mat.NewDense(2, 2, []float64{1, 0, 0, 1})
	noise := mat.NewSymDense(2, []float64{
		.01, .002,
		.002, .01,
	})
	obs := &afoe.Observation{Radiance: []float64{1, 2}, Noise: noise}
	pr := &afoe.Prior{Mean: []float64{0, 0}, Cov: eyeSym(2, 1e4)}
	res, err := afoe.Solve(&linearForward{j: j}, obs, pr, pr.Mean,
		new(geom.Geometry), afoe.DefaultSettings())
	if err != nil {
		t.Fatal(err)
	}
	// weak prior: the identity model must essentially reproduce y
	if math.Abs(res.State[0]-1) > 1e-3 || math.Abs(res.State[1]-2) > 1e-3 {
		t.Fatal("state", res.State)
	}
}

// rankDeficient has a zero second Jacobian column everywhere.
type rankDeficient struct{}

func (rankDeficient) Evaluate(x []float64, g *geom.Geometry) (*affm.Evaluation, error) {
	rad := mat.NewVecDense(2, []float64{x[0], x[0]})
	jc := mat.NewDense(2, 2, []float64{1, 0, 1, 0})
	return &affm.Evaluation{Radiance: rad, Jacobian: jc}, nil
}

func (rankDeficient) Bounds() (lo, hi []float64) {
	return []float64{-10, -10}, []float64{10, 10}
}

func TestRankDeficientRunsOut(t *testing.T) {
	// convergence tests disabled: a pathological Jacobian must end in
	// MaxIterationsExceeded, not a panic or an uncaught failure.
	set := afoe.DefaultSettings()
	set.MaxIterations = 5
	set.CostTol = 0
	set.StateTol = 0
	obs := &afoe.Observation{
		Radiance:  []float64{1, 2}, // inconsistent: not in the range space
		NoiseDiag: []float64{.01, .01},
	}
	pr := &afoe.Prior{Mean: []float64{0, 0}, Cov: eyeSym(2, 100)}
	res, err := afoe.Solve(rankDeficient{}, obs, pr, pr.Mean,
		new(geom.Geometry), set)
	if err != nil {
		t.Fatal(err)
	}
	if res.Phase != afoe.MaxIterationsExceeded || res.Converged {
		t.Fatal("phase:", res.Phase)
	}
	if res.Iterations != 5 {
		t.Fatal("iterations:", res.Iterations)
	}
}

// ascentForward reports a Jacobian of the wrong sign, so every trial
// step increases cost.
type ascentForward struct{ linearForward }

func (f *ascentForward) Evaluate(x []float64, g *geom.Geometry) (*affm.Evaluation, error) {
	ev, err := f.linearForward.Evaluate(x, g)
	if err != nil {
		return nil, err
	}
	ev.Jacobian.Scale(-1, ev.Jacobian)
	return ev, nil
}

func TestDiverged(t *testing.T) {
	j := mat.NewDense(2, 2, []float64{1, 0, 0, 1})
	fm := &ascentForward{linearForward{j: j}}
	obs := &afoe.Observation{
		Radiance:  []float64{5, 5},
		NoiseDiag: []float64{.01, .01},
	}
	pr := &afoe.Prior{Mean: []float64{0, 0}, Cov: eyeSym(2, 1e4)}
	set := afoe.DefaultSettings()
	set.StateTol = 0
	set.CostTol = 0
	res, err := afoe.Solve(fm, obs, pr, pr.Mean, new(geom.Geometry), set)
	if err != nil {
		t.Fatal(err)
	}
	if res.Phase != afoe.Diverged || res.Converged {
		t.Fatal("phase:", res.Phase)
	}
}

func TestBoundaryProjection(t *testing.T) {
	// unconstrained solution far outside the bounds: the accepted
	// iterate must be projected and flagged, never outside.
	j := mat.NewDense(1, 1, []float64{1})
	fm := &boundedForward{j: j, lo: []float64{0}, hi: []float64{1}}
	obs := &afoe.Observation{Radiance: []float64{5}, NoiseDiag: []float64{.01}}
	pr := &afoe.Prior{Mean: []float64{.5}, Cov: eyeSym(1, 1e4)}
	res, err := afoe.Solve(fm, obs, pr, pr.Mean, new(geom.Geometry),
		afoe.DefaultSettings())
	if err != nil {
		t.Fatal(err)
	}
	if res.State[0] != 1 {
		t.Fatal("state not at bound:", res.State)
	}
	if !res.BoundaryHit {
		t.Fatal("boundary hit not reported")
	}
}

type boundedForward struct {
	j      *mat.Dense
	lo, hi []float64
}

func (f *boundedForward) Evaluate(x []float64, g *geom.Geometry) (*affm.Evaluation, error) {
	return (&linearForward{j: f.j}).Evaluate(x, g)
}

func (f *boundedForward) Bounds() (lo, hi []float64) { return f.lo, f.hi }

func TestPhaseString(t *testing.T) {
	for p, s := range map[afoe.Phase]string{
		afoe.Initialized:           "Initialized",
		afoe.Converged:             "Converged",
		afoe.Diverged:              "Diverged",
		afoe.MaxIterationsExceeded: "MaxIterationsExceeded",
	} {
		if p.String() != s {
			t.Fatal(p.String())
		}
	}
	if !afoe.Converged.Terminal() || afoe.Iterating.Terminal() {
		t.Fatal("terminal classification wrong")
	}
}
