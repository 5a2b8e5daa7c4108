// Public domain.

package geom_test

import (
	"math"
	"testing"

	"github.com/atmofit/atmofit/geom"
	"github.com/soniakeys/unit"
)

func TestCosSolarZenith(t *testing.T) {
	g := geom.Geometry{SolarZenith: unit.AngleFromDeg(60)}
	if c := g.CosSolarZenith(); math.Abs(c-.5) > 1e-12 {
		t.Fatal("cos 60° =", c)
	}
}

func TestAirmass(t *testing.T) {
	// sun and sensor both at zenith: two vertical paths
	var g geom.Geometry
	if a := g.Airmass(); math.Abs(a-2) > 1e-12 {
		t.Fatal("airmass =", a)
	}
	g.SolarZenith = unit.AngleFromDeg(60)
	if a := g.Airmass(); math.Abs(a-3) > 1e-12 {
		t.Fatal("airmass =", a)
	}
}

func TestPhaseAngle(t *testing.T) {
	g := geom.Geometry{
		SolarZenith:  unit.AngleFromDeg(30),
		SolarAzimuth: unit.AngleFromDeg(90),
		ViewZenith:   unit.AngleFromDeg(30),
		ViewAzimuth:  unit.AngleFromDeg(270),
	}
	// mirrored geometry, phase angle is twice the zenith angle
	if p := g.PhaseAngle().Deg(); math.Abs(p-60) > 1e-9 {
		t.Fatal("phase angle =", p)
	}
	g.ViewAzimuth = unit.AngleFromDeg(90)
	if p := g.PhaseAngle().Deg(); math.Abs(p) > 1e-9 {
		t.Fatal("phase angle =", p)
	}
}

func TestEarthSunDistance(t *testing.T) {
	// scan a year of epochs.  distance must stay within the orbital
	// range and hit both sides of 1 AU.
	var min, max float64 = 2, 0
	for mjd := 58849.; mjd < 58849+366; mjd++ {
		g := geom.Geometry{MJD: mjd}
		d := g.EarthSunDistance()
		if d < min {
			min = d
		}
		if d > max {
			max = d
		}
	}
	if min < .98 || min > 1 {
		t.Fatal("perihelion distance", min)
	}
	if max > 1.02 || max < 1 {
		t.Fatal("aphelion distance", max)
	}
}
