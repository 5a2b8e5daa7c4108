// Public domain.

// Package geom describes acquisition geometry for imaging spectrometer
// observations: illumination and viewing angles, surface elevation, and
// the observation epoch needed to solve the earth-sun distance.
package geom

import (
	"math"

	"github.com/soniakeys/astro"
	"github.com/soniakeys/coord"
	"github.com/soniakeys/unit"
)

// Geometry holds illumination and viewing geometry for a single
// observation.  Values are constant over one inversion and a Geometry
// may be shared read-only by concurrent inversions.
type Geometry struct {
	SolarZenith  unit.Angle
	SolarAzimuth unit.Angle
	ViewZenith   unit.Angle
	ViewAzimuth  unit.Angle

	// Elevation is surface elevation above sea level, in km.
	Elevation float64

	// MJD is the observation epoch as a modified Julian date.
	MJD float64
}

// CosSolarZenith returns the cosine of the solar zenith angle.
func (g *Geometry) CosSolarZenith() float64 {
	return math.Cos(g.SolarZenith.Rad())
}

// Airmass returns the relative two-path airmass factor, the sum of
// secants of the solar and view zenith angles.
func (g *Geometry) Airmass() float64 {
	return 1/math.Cos(g.SolarZenith.Rad()) +
		1/math.Cos(g.ViewZenith.Rad())
}

// direction solves a unit vector in the local east-north-up frame from
// zenith and azimuth angles.
func direction(zen, az unit.Angle) coord.Cart {
	sz, cz := math.Sincos(zen.Rad())
	sa, ca := math.Sincos(az.Rad())
	return coord.Cart{X: sz * sa, Y: sz * ca, Z: cz}
}

// SunVector returns the unit vector toward the sun in the local
// east-north-up frame.
func (g *Geometry) SunVector() coord.Cart {
	return direction(g.SolarZenith, g.SolarAzimuth)
}

// ViewVector returns the unit vector toward the sensor in the local
// east-north-up frame.
func (g *Geometry) ViewVector() coord.Cart {
	return direction(g.ViewZenith, g.ViewAzimuth)
}

// PhaseAngle returns the angle between the solar and view directions.
func (g *Geometry) PhaseAngle() unit.Angle {
	s := g.SunVector()
	v := g.ViewVector()
	d := s.Dot(&v)
	// clip rounding before Acos
	if d > 1 {
		d = 1
	} else if d < -1 {
		d = -1
	}
	return unit.Angle(math.Acos(d))
}

// EarthSunDistance returns the earth-sun distance in AU at the
// observation epoch.  Solar irradiance scales with the inverse square
// of this distance.
func (g *Geometry) EarthSunDistance() float64 {
	se, _, _ := astro.Se2000(g.MJD)
	return math.Sqrt(se.Square())
}
