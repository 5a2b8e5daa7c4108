// Public domain.

// Package affm implements the forward radiative transfer model mapping
// a joint surface and atmosphere state vector to at-sensor radiance and
// its Jacobian.
//
// The state vector is partitioned with surface reflectance first, one
// element per instrument channel, followed by the atmospheric
// parameters of the radiative transfer source.  Predicted radiance per
// channel is
//
//	L = E [ ρ_path + T↓ T↑ r / (1 − S r) ]
//
// with E the top of atmosphere solar irradiance scaled by the solar
// zenith cosine and the inverse square earth-sun distance, ρ_path the
// atmospheric path reflectance, T↓ and T↑ the downward and upward
// transmittances, S the spherical albedo and r the surface reflectance.
package affm

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/atmofit/atmofit/geom"
	"github.com/atmofit/atmofit/internal/aflut"
)

// Source supplies radiative transfer reconstruction terms for an
// atmospheric state.  New radiative transfer back ends implement this
// one capability; *aflut.Querier is the usual implementation.
type Source interface {
	// Query returns reconstruction terms at an atmospheric state and
	// their partial derivatives with respect to each state element.
	// A source unable to supply derivatives may return a nil
	// derivative slice; the model then falls back to finite
	// differences.  Returned terms may share buffers with the source
	// and are valid only until the next Query.
	Query(atm []float64) (aflut.Terms, []aflut.Terms, error)

	// Domain returns the inclusive bounds of valid atmospheric states.
	Domain() (lo, hi []float64)
}

// clamper is the optional reporting interface of sources that clamp
// out of domain queries.
type clamper interface {
	Clamped() bool
}

// Config holds forward model tuning parameters.
type Config struct {
	// FDStep is the relative perturbation for finite difference
	// partials, used when a source supplies no derivative terms.
	FDStep float64

	// FDShrink is how many times a failed perturbation is retried
	// with a halved step before the partial degrades to zero.
	FDShrink int

	// RflLo, RflHi bound the surface reflectance state elements.
	RflLo, RflHi float64
}

// DefaultConfig returns the forward model defaults.
func DefaultConfig() Config {
	return Config{
		FDStep:   1e-3,
		FDShrink: 3,
		RflLo:    0,
		RflHi:    1.5,
	}
}

// Evaluation is the result of one forward model evaluation: predicted
// radiance and its Jacobian with respect to the state vector.
// Evaluations are ephemeral, recomputed each solver iteration.
type Evaluation struct {
	Radiance *mat.VecDense
	Jacobian *mat.Dense

	// Clamped is set when the atmospheric state was moved to the
	// table edge by the source's domain policy.
	Clamped bool

	// DerivativeUnavailable lists state elements whose Jacobian
	// column degraded to zero because no derivative could be
	// computed.  Reported as degraded quality, not fatal.
	DerivativeUnavailable []int
}

// Degraded reports whether any Jacobian column degraded to zero.
func (ev *Evaluation) Degraded() bool {
	return len(ev.DerivativeUnavailable) > 0
}

// Model is the forward model adapter over one radiative transfer
// source.  A Model holds per-evaluation scratch and is not safe for
// concurrent use; create one per worker goroutine.
type Model struct {
	src   Source
	wave  []float64
	irrad []float64
	cfg   Config
	nAtm  int
	atmLo []float64
	atmHi []float64

	// scratch
	base    aflut.Terms // terms at the unperturbed state
	atmPert []float64
	radPert []float64
	e       []float64 // per channel irradiance at epoch
}

// New creates a forward model over a source.  wave and irrad are the
// instrument wavelength grid and the matching solar irradiance at 1 AU,
// usually taken from the lookup table.
func New(src Source, wave, irrad []float64, cfg Config) (*Model, error) {
	if len(wave) == 0 || len(irrad) != len(wave) {
		return nil, fmt.Errorf(
			"affm: %d irradiance samples for %d wavelengths",
			len(irrad), len(wave))
	}
	lo, hi := src.Domain()
	if len(lo) == 0 {
		return nil, fmt.Errorf("affm: source has no atmospheric parameters")
	}
	m := &Model{
		src:     src,
		wave:    wave,
		irrad:   irrad,
		cfg:     cfg,
		nAtm:    len(lo),
		atmLo:   lo,
		atmHi:   hi,
		base:    aflut.Terms{},
		atmPert: make([]float64, len(lo)),
		radPert: make([]float64, len(wave)),
		e:       make([]float64, len(wave)),
	}
	m.base = aflut.Terms{
		PathRefl: make([]float64, len(wave)),
		SphAlb:   make([]float64, len(wave)),
		TransDn:  make([]float64, len(wave)),
		TransUp:  make([]float64, len(wave)),
	}
	return m, nil
}

// StateLen returns the state vector dimension: one reflectance per
// channel plus the atmospheric parameters.
func (m *Model) StateLen() int { return len(m.wave) + m.nAtm }

// NumWave returns the number of instrument channels.
func (m *Model) NumWave() int { return len(m.wave) }

// NumAtm returns the number of atmospheric state elements.
func (m *Model) NumAtm() int { return m.nAtm }

// Unpack splits a state vector into its surface reflectance and
// atmosphere subvectors.  The returned slices alias x.
func (m *Model) Unpack(x []float64) (rfl, atm []float64) {
	return x[:len(m.wave)], x[len(m.wave):]
}

// Bounds returns the inclusive valid interval of each state element:
// configured reflectance bounds for the surface partition and the
// source domain for the atmosphere partition.
func (m *Model) Bounds() (lo, hi []float64) {
	n := m.StateLen()
	lo = make([]float64, n)
	hi = make([]float64, n)
	for i := 0; i < len(m.wave); i++ {
		lo[i] = m.cfg.RflLo
		hi[i] = m.cfg.RflHi
	}
	copy(lo[len(m.wave):], m.atmLo)
	copy(hi[len(m.wave):], m.atmHi)
	return
}

// radiance composes at-sensor radiance per channel from reconstruction
// terms and surface reflectance, writing into dst.
func (m *Model) radiance(dst []float64, t *aflut.Terms, rfl []float64, e []float64) {
	for i := range dst {
		den := 1 - t.SphAlb[i]*rfl[i]
		dst[i] = e[i] * (t.PathRefl[i] +
			t.TransDn[i]*t.TransUp[i]*rfl[i]/den)
	}
}

// Evaluate returns predicted radiance and the Jacobian at state x for
// the given geometry.
func (m *Model) Evaluate(x []float64, g *geom.Geometry) (*Evaluation, error) {
	if len(x) != m.StateLen() {
		return nil, fmt.Errorf("affm: state length %d, model wants %d",
			len(x), m.StateLen())
	}
	rfl, atm := m.Unpack(x)
	terms, der, err := m.src.Query(atm)
	if err != nil {
		return nil, err
	}
	copyTerms(&m.base, &terms)

	// per channel irradiance at the observation epoch
	d := g.EarthSunDistance()
	scale := g.CosSolarZenith() / (math.Pi * d * d)
	e := m.e
	for i := range e {
		e[i] = m.irrad[i] * scale
	}

	nw, n := len(m.wave), m.StateLen()
	ev := &Evaluation{
		Radiance: mat.NewVecDense(nw, nil),
		Jacobian: mat.NewDense(nw, n, nil),
	}
	if c, ok := m.src.(clamper); ok {
		ev.Clamped = c.Clamped()
	}
	m.radiance(ev.Radiance.RawVector().Data, &m.base, rfl, e)

	// surface partials are analytic and diagonal:
	// dL/dr = E T↓T↑ / (1 − S r)²
	for i := 0; i < nw; i++ {
		den := 1 - m.base.SphAlb[i]*rfl[i]
		ev.Jacobian.Set(i, i,
			e[i]*m.base.TransDn[i]*m.base.TransUp[i]/(den*den))
	}

	// atmosphere partials: analytic from the source derivative terms
	// when available, else finite differences.
	for j := 0; j < m.nAtm; j++ {
		col := len(m.wave) + j
		if der != nil {
			m.analyticColumn(ev, rfl, e, &der[j], col)
			continue
		}
		if !m.fdColumn(ev, rfl, atm, e, j, col) {
			// column stays zero
			ev.DerivativeUnavailable = append(
				ev.DerivativeUnavailable, col)
		}
	}
	return ev, nil
}

// analyticColumn fills one atmosphere Jacobian column from derivative
// terms.  Differentiating the composition formula with respect to an
// atmospheric parameter a:
//
//	dL/da = E [ ρ' + r (T↓'T↑ + T↓T↑') / (1−Sr) + T↓T↑ r² S' / (1−Sr)² ]
func (m *Model) analyticColumn(ev *Evaluation, rfl, e []float64, d *aflut.Terms, col int) {
	b := &m.base
	for i := range rfl {
		den := 1 - b.SphAlb[i]*rfl[i]
		v := d.PathRefl[i] +
			rfl[i]*(d.TransDn[i]*b.TransUp[i]+b.TransDn[i]*d.TransUp[i])/den +
			b.TransDn[i]*b.TransUp[i]*rfl[i]*rfl[i]*d.SphAlb[i]/(den*den)
		ev.Jacobian.Set(i, col, e[i]*v)
	}
}

// fdColumn fills one atmosphere Jacobian column by forward finite
// difference, shrinking the step when the perturbed query fails and
// flipping to a backward difference at the domain edge.  Returns false
// when no usable step was found.
func (m *Model) fdColumn(ev *Evaluation, rfl, atm, e []float64, j, col int) bool {
	step := m.cfg.FDStep * math.Max(math.Abs(atm[j]), 1)
	for k := 0; k <= m.cfg.FDShrink; k++ {
		h := step / float64(int(1)<<uint(k))
		copy(m.atmPert, atm)
		if atm[j]+h > m.atmHi[j] {
			h = -h // backward difference at the upper edge
		}
		m.atmPert[j] = atm[j] + h
		pt, _, err := m.src.Query(m.atmPert)
		if err != nil {
			continue
		}
		m.radiance(m.radPert, &pt, rfl, e)
		for i := range rfl {
			base := ev.Radiance.AtVec(i)
			ev.Jacobian.Set(i, col, (m.radPert[i]-base)/h)
		}
		return true
	}
	return false
}

func copyTerms(dst, src *aflut.Terms) {
	copy(dst.PathRefl, src.PathRefl)
	copy(dst.SphAlb, src.SphAlb)
	copy(dst.TransDn, src.TransDn)
	copy(dst.TransUp, src.TransUp)
}
