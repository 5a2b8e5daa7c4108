// Public domain.

package affm_test

import (
	"math"
	"testing"

	"github.com/atmofit/atmofit/geom"
	"github.com/atmofit/atmofit/internal/affm"
	"github.com/atmofit/atmofit/internal/aflut"
	"github.com/soniakeys/unit"
)

// fixedSource returns constant terms regardless of the atmospheric
// state.  analytic toggles whether derivative terms are supplied.
type fixedSource struct {
	nw                  int
	analytic            bool
	path, sph, tdn, tup float64
	dpath               float64
	queries             int
}

func (s *fixedSource) Query(atm []float64) (aflut.Terms, []aflut.Terms, error) {
	s.queries++
	c := func(v float64) []float64 {
		sl := make([]float64, s.nw)
		for i := range sl {
			sl[i] = v
		}
		return sl
	}
	t := aflut.Terms{
		PathRefl: c(s.path), SphAlb: c(s.sph),
		TransDn: c(s.tdn), TransUp: c(s.tup),
	}
	if !s.analytic {
		return t, nil, nil
	}
	// linear dependence of path reflectance on the first parameter
	for i := range t.PathRefl {
		t.PathRefl[i] += s.dpath * atm[0]
	}
	d := []aflut.Terms{{
		PathRefl: c(s.dpath), SphAlb: c(0),
		TransDn: c(0), TransUp: c(0),
	}}
	return t, d, nil
}

func (s *fixedSource) Domain() (lo, hi []float64) {
	return []float64{0}, []float64{4}
}

func testGeom() *geom.Geometry {
	return &geom.Geometry{
		SolarZenith: unit.AngleFromDeg(40),
		ViewZenith:  unit.AngleFromDeg(5),
		MJD:         58920, // near spring equinox
	}
}

func TestComposition(t *testing.T) {
	src := &fixedSource{nw: 2, path: .02, sph: .1, tdn: .8, tup: .9}
	wave := []float64{500, 600}
	irrad := []float64{1.8, 1.7}
	m, err := affm.New(src, wave, irrad, affm.DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	g := testGeom()
	x := []float64{.3, .5, 1} // two reflectances, one atm param
	ev, err := m.Evaluate(x, g)
	if err != nil {
		t.Fatal(err)
	}
	d := g.EarthSunDistance()
	for i, r := range []float64{.3, .5} {
		e := irrad[i] * g.CosSolarZenith() / (math.Pi * d * d)
		want := e * (.02 + .8*.9*r/(1-.1*r))
		if got := ev.Radiance.AtVec(i); math.Abs(got-want) > 1e-12 {
			t.Fatalf("channel %d radiance %g, want %g", i, got, want)
		}
		// analytic surface partial
		wantD := e * .8 * .9 / ((1 - .1*r) * (1 - .1*r))
		if got := ev.Jacobian.At(i, i); math.Abs(got-wantD) > 1e-12 {
			t.Fatalf("channel %d dL/dr %g, want %g", i, got, wantD)
		}
	}
	// off-diagonal surface partials are zero
	if ev.Jacobian.At(0, 1) != 0 || ev.Jacobian.At(1, 0) != 0 {
		t.Fatal("surface partials not diagonal")
	}
}

func TestAnalyticAtmColumn(t *testing.T) {
	src := &fixedSource{
		nw: 1, analytic: true,
		path: .02, sph: .1, tdn: .8, tup: .9, dpath: .01,
	}
	m, err := affm.New(src, []float64{500}, []float64{1.8},
		affm.DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	g := testGeom()
	ev, err := m.Evaluate([]float64{.3, 2}, g)
	if err != nil {
		t.Fatal(err)
	}
	d := g.EarthSunDistance()
	e := 1.8 * g.CosSolarZenith() / (math.Pi * d * d)
	if got := ev.Jacobian.At(0, 1); math.Abs(got-e*.01) > 1e-12 {
		t.Fatalf("dL/da %g, want %g", got, e*.01)
	}
	if ev.Degraded() {
		t.Fatal("analytic evaluation reported degraded")
	}
}

func TestFiniteDifferenceFallback(t *testing.T) {
	// no derivative terms from the source: the atmosphere column must
	// come from finite differences and match the analytic case.
	an := &fixedSource{
		nw: 1, analytic: true,
		path: .02, sph: .1, tdn: .8, tup: .9, dpath: .01,
	}
	fd := &fdWrap{an}
	g := testGeom()
	x := []float64{.3, 2}

	ma, _ := affm.New(an, []float64{500}, []float64{1.8}, affm.DefaultConfig())
	eva, err := ma.Evaluate(x, g)
	if err != nil {
		t.Fatal(err)
	}
	mf, _ := affm.New(fd, []float64{500}, []float64{1.8}, affm.DefaultConfig())
	evf, err := mf.Evaluate(x, g)
	if err != nil {
		t.Fatal(err)
	}
	a := eva.Jacobian.At(0, 1)
	f := evf.Jacobian.At(0, 1)
	if math.Abs(a-f) > 1e-6*math.Abs(a) {
		t.Fatalf("finite difference %g, analytic %g", f, a)
	}
}

// fdWrap hides a source's derivative terms.
type fdWrap struct{ s *fixedSource }

func (w *fdWrap) Query(atm []float64) (aflut.Terms, []aflut.Terms, error) {
	t, _, err := w.s.Query(atm)
	return t, nil, err
}
func (w *fdWrap) Domain() (lo, hi []float64) { return w.s.Domain() }

// edgeSource fails every query off its single valid point, so finite
// differences can never find a usable step.
type edgeSource struct{ fixedSource }

func (s *edgeSource) Query(atm []float64) (aflut.Terms, []aflut.Terms, error) {
	if atm[0] != 2 {
		return aflut.Terms{}, nil, &aflut.OutOfDomainError{Name: "A", Value: atm[0]}
	}
	t, _, err := s.fixedSource.Query(atm)
	return t, nil, err
}

func TestDerivativeUnavailable(t *testing.T) {
	src := &edgeSource{fixedSource{
		nw: 1, path: .02, sph: .1, tdn: .8, tup: .9,
	}}
	m, err := affm.New(src, []float64{500}, []float64{1.8},
		affm.DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	ev, err := m.Evaluate([]float64{.3, 2}, testGeom())
	if err != nil {
		t.Fatal(err)
	}
	if !ev.Degraded() {
		t.Fatal("expected degraded evaluation")
	}
	if len(ev.DerivativeUnavailable) != 1 || ev.DerivativeUnavailable[0] != 1 {
		t.Fatal("wrong degraded columns:", ev.DerivativeUnavailable)
	}
	// degraded column is zero, not garbage
	if ev.Jacobian.At(0, 1) != 0 {
		t.Fatal("degraded column not zeroed")
	}
}

func TestBoundsPartition(t *testing.T) {
	src := &fixedSource{nw: 2, path: .02, sph: .1, tdn: .8, tup: .9}
	m, err := affm.New(src, []float64{500, 600}, []float64{1.8, 1.7},
		affm.DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	lo, hi := m.Bounds()
	if len(lo) != 3 || len(hi) != 3 {
		t.Fatal("bounds length", len(lo))
	}
	if lo[0] != 0 || hi[0] != 1.5 {
		t.Fatal("surface bounds", lo[0], hi[0])
	}
	if lo[2] != 0 || hi[2] != 4 {
		t.Fatal("atm bounds", lo[2], hi[2])
	}
	rfl, atm := m.Unpack([]float64{.1, .2, 3})
	if len(rfl) != 2 || len(atm) != 1 || atm[0] != 3 {
		t.Fatal("unpack partition wrong")
	}
}
