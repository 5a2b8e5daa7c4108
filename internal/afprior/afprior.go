// Public domain.

// Package afprior supplies Gaussian priors on the inversion state
// vector.  The surface part comes from a multicomponent surface model:
// a set of Gaussian components over the reflectance subvector, one of
// which is selected per spectrum by its shape.  An atmosphere block
// from climatology is appended to every component.
package afprior

import (
	"encoding/gob"
	"fmt"
	"os"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/atmofit/atmofit/geom"
	"github.com/atmofit/atmofit/internal/afoe"
)

// Provider is anything that can produce a prior for an observation.
// Returned priors are shared, immutable, and safe for concurrent read.
type Provider interface {
	Prior(g *geom.Geometry, meas []float64) *afoe.Prior
}

// Component is one Gaussian component of the surface model over the
// reflectance subvector.  Cov is the full covariance, row major,
// len(Mean) square.
type Component struct {
	Mean []float64
	Cov  []float64
}

// Model is a multicomponent surface prior plus an atmosphere block.
// The gob encoding of the exported fields is the surface file format
// read by ReadFile.
type Model struct {
	// Wave is the wavelength grid of the component means.
	Wave []float64

	Components []Component

	// Atmosphere block appended to every assembled prior.
	AtmNames []string
	AtmMean  []float64
	AtmVar   []float64

	// assembled per component at Init, shared read-only afterward
	full []afoe.Prior
	norm [][]float64
}

// Init validates the model and assembles one full state prior per
// component.  It must be called once before Prior; ReadFile calls it.
// After Init the model is immutable and safe for concurrent use.
func (m *Model) Init() error {
	nw := len(m.Wave)
	if nw == 0 {
		return fmt.Errorf("afprior: model has no wavelength grid")
	}
	if len(m.Components) == 0 {
		return fmt.Errorf("afprior: model has no surface components")
	}
	if len(m.AtmMean) == 0 || len(m.AtmMean) != len(m.AtmVar) ||
		len(m.AtmMean) != len(m.AtmNames) {
		return fmt.Errorf("afprior: inconsistent atmosphere block")
	}
	for _, v := range m.AtmVar {
		if v <= 0 {
			return fmt.Errorf("afprior: non-positive atmosphere prior variance")
		}
	}
	n := nw + len(m.AtmMean)
	m.full = make([]afoe.Prior, len(m.Components))
	m.norm = make([][]float64, len(m.Components))
	for k, c := range m.Components {
		if len(c.Mean) != nw || len(c.Cov) != nw*nw {
			return fmt.Errorf("afprior: component %d does not match wavelength grid", k)
		}
		mean := make([]float64, n)
		copy(mean, c.Mean)
		copy(mean[nw:], m.AtmMean)

		cov := mat.NewSymDense(n, nil)
		for i := 0; i < nw; i++ {
			for j := i; j < nw; j++ {
				cov.SetSym(i, j, .5*(c.Cov[i*nw+j]+c.Cov[j*nw+i]))
			}
		}
		for i, v := range m.AtmVar {
			cov.SetSym(nw+i, nw+i, v)
		}
		m.full[k] = afoe.Prior{Mean: mean, Cov: cov}

		u := append([]float64(nil), c.Mean...)
		if nrm := floats.Norm(u, 2); nrm > 0 {
			floats.Scale(1/nrm, u)
		}
		m.norm[k] = u
	}
	return nil
}

// Prior selects the component whose normalized mean is nearest the
// normalized measured spectrum and returns the assembled prior for it.
// The returned prior is shared and must not be modified.
func (m *Model) Prior(g *geom.Geometry, meas []float64) *afoe.Prior {
	if len(m.full) == 1 || len(meas) != len(m.Wave) {
		return &m.full[0]
	}
	u := append([]float64(nil), meas...)
	if nrm := floats.Norm(u, 2); nrm > 0 {
		floats.Scale(1/nrm, u)
	}
	best, bestD := 0, floats.Distance(u, m.norm[0], 2)
	for k := 1; k < len(m.norm); k++ {
		if d := floats.Distance(u, m.norm[k], 2); d < bestD {
			best, bestD = k, d
		}
	}
	return &m.full[best]
}

// ReadFile reads a surface model file written by WriteFile.
func ReadFile(fn string) (*Model, error) {
	f, err := os.Open(fn)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var m Model
	if err = gob.NewDecoder(f).Decode(&m); err != nil {
		return nil, fmt.Errorf("afprior: reading %s: %v", fn, err)
	}
	if err = m.Init(); err != nil {
		return nil, err
	}
	return &m, nil
}

// WriteFile writes the model as a gob file readable by ReadFile.
func (m *Model) WriteFile(fn string) error {
	f, err := os.Create(fn)
	if err != nil {
		return err
	}
	if err = gob.NewEncoder(f).Encode(m); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
