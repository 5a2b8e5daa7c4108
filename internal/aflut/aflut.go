// Public domain.

// Package aflut defines the radiative transfer lookup tables used by
// atmofit and the utility program lutgen.
//
// A table holds spectra of reconstruction terms precomputed by an
// external radiative transfer code on an N-dimensional grid of
// atmospheric states.  At-sensor radiance for any state inside the grid
// is reconstructed by multilinear interpolation, along with partial
// derivatives of the terms with respect to each grid dimension.
package aflut

import (
	"encoding/gob"
	"fmt"
	"os"
)

// Table holds precomputed radiative transfer terms on an N-dimensional
// grid of atmospheric states.  The slices of float64 are a flat
// representation: one spectrum of len(Wave) samples per grid point,
// grid points ordered with the last dimension varying fastest.
//
// A Table is immutable once built and safe for concurrent read access.
type Table struct {
	// Names labels the grid dimensions, e.g. "H2OSTR", "AOT550".
	Names []string

	// Grids holds the simulation points of each dimension, sorted
	// ascending, unique.
	Grids [][]float64

	// Wave is the instrument wavelength grid in nm.  Irrad is the
	// corresponding top of atmosphere solar irradiance at 1 AU.
	Wave  []float64
	Irrad []float64

	// Reconstruction terms, one value per grid point per wavelength.
	PathRefl []float64 // atmospheric path reflectance
	SphAlb   []float64 // spherical albedo of the atmosphere
	TransDn  []float64 // total downward transmittance
	TransUp  []float64 // total upward transmittance
}

// Terms holds one interpolated spectrum of each reconstruction term.
type Terms struct {
	PathRefl []float64
	SphAlb   []float64
	TransDn  []float64
	TransUp  []float64
}

// New allocates a table for the given grid geometry.  Grid coordinates
// must be sorted ascending and unique.  Term values are zero until set
// with SetPoint.
func New(names []string, grids [][]float64, wave, irrad []float64) (*Table, error) {
	t := &Table{
		Names: names,
		Grids: grids,
		Wave:  wave,
		Irrad: irrad,
	}
	if err := t.validate(); err != nil {
		return nil, err
	}
	n := t.Size() * len(wave)
	t.PathRefl = make([]float64, n)
	t.SphAlb = make([]float64, n)
	t.TransDn = make([]float64, n)
	t.TransUp = make([]float64, n)
	return t, nil
}

func (t *Table) validate() error {
	if len(t.Names) != len(t.Grids) {
		return fmt.Errorf("aflut: %d dimension names for %d grids",
			len(t.Names), len(t.Grids))
	}
	if len(t.Grids) == 0 {
		return fmt.Errorf("aflut: table has no grid dimensions")
	}
	for d, g := range t.Grids {
		if len(g) == 0 {
			return fmt.Errorf("aflut: dimension %s has no grid points",
				t.Names[d])
		}
		for i := 1; i < len(g); i++ {
			if g[i] <= g[i-1] {
				return fmt.Errorf(
					"aflut: dimension %s not sorted and unique",
					t.Names[d])
			}
		}
	}
	if len(t.Wave) == 0 {
		return fmt.Errorf("aflut: table has no wavelength grid")
	}
	if len(t.Irrad) != len(t.Wave) {
		return fmt.Errorf("aflut: %d irradiance samples for %d wavelengths",
			len(t.Irrad), len(t.Wave))
	}
	if t.PathRefl != nil {
		if want := t.Size() * len(t.Wave); len(t.PathRefl) != want ||
			len(t.SphAlb) != want || len(t.TransDn) != want ||
			len(t.TransUp) != want {
			return fmt.Errorf("aflut: term storage does not match grid")
		}
	}
	return nil
}

// Size returns the number of grid points in the table.
func (t *Table) Size() int {
	n := 1
	for _, g := range t.Grids {
		n *= len(g)
	}
	return n
}

// Mx computes the flat grid index for a set of per-dimension indexes.
func (t *Table) Mx(ix []int) int {
	x := 0
	for d, i := range ix {
		x = x*len(t.Grids[d]) + i
	}
	return x
}

// SetPoint stores the reconstruction term spectra for one grid point.
func (t *Table) SetPoint(ix []int, pathRefl, sphAlb, transDn, transUp []float64) {
	p := t.Mx(ix) * len(t.Wave)
	copy(t.PathRefl[p:p+len(t.Wave)], pathRefl)
	copy(t.SphAlb[p:p+len(t.Wave)], sphAlb)
	copy(t.TransDn[p:p+len(t.Wave)], transDn)
	copy(t.TransUp[p:p+len(t.Wave)], transUp)
}

// Domain returns the inclusive bounds of the table grid per dimension.
func (t *Table) Domain() (lo, hi []float64) {
	lo = make([]float64, len(t.Grids))
	hi = make([]float64, len(t.Grids))
	for d, g := range t.Grids {
		lo[d] = g[0]
		hi[d] = g[len(g)-1]
	}
	return
}

// ReadFile reads a table file written by WriteFile or by lutgen.
func ReadFile(fn string) (*Table, error) {
	f, err := os.Open(fn)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var t Table
	if err = gob.NewDecoder(f).Decode(&t); err != nil {
		return nil, fmt.Errorf("aflut: reading %s: %v", fn, err)
	}
	if err = t.validate(); err != nil {
		return nil, err
	}
	return &t, nil
}

// WriteFile writes the table as a gob file readable by ReadFile.
func (t *Table) WriteFile(fn string) error {
	f, err := os.Create(fn)
	if err != nil {
		return err
	}
	if err = gob.NewEncoder(f).Encode(t); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
