package sim

import (
	"math"
	"time"
)

const metersPerDegLat = 111320.0

// Track is a deterministic rover path around a centre point.
type Track struct {
	CenterLatDeg float64
	CenterLonDeg float64
	AltM         float64
	RadiusM      float64
	Period       time.Duration
}

// Position returns a figure-eight (Lissajous) path that stays within RadiusM
// of the centre, plus the instantaneous course over ground.
//
//	x = cos(2πt)       east-west, scaled by cos(lat) for lon degrees
//	y = 0.5*sin(4πt)   north-south
func (s Track) Position(now time.Time) (latDeg, lonDeg, courseDeg float64) {
	period := s.period()
	radiusDeg := s.radius() / metersPerDegLat

	phase := float64(now.UnixNano()%period.Nanoseconds()) / float64(period.Nanoseconds())
	w := 2 * math.Pi * phase
	x := math.Cos(w)
	y := 0.5 * math.Sin(2*w)

	latDeg = s.CenterLatDeg + radiusDeg*y
	lonDeg = s.CenterLonDeg + (radiusDeg*x)/math.Cos(s.CenterLatDeg*math.Pi/180.0)

	vx := -2 * math.Pi * math.Sin(w)
	vy := 2 * math.Pi * math.Cos(2*w)
	courseDeg = math.Mod(math.Atan2(vx, vy)*180/math.Pi+360, 360)
	return latDeg, lonDeg, courseDeg
}

// SpeedKnots is the mean ground speed along the path.
func (s Track) SpeedKnots() float64 {
	// Perimeter of the figure-eight is about 6.1 radii.
	mps := 6.1 * s.radius() / s.period().Seconds()
	return mps * 3600 / 1852
}

// Altitude wobbles a few centimetres around AltM.
func (s Track) Altitude(now time.Time) float64 {
	vp := s.period() / 2
	phase := float64(now.UnixNano()%vp.Nanoseconds()) / float64(vp.Nanoseconds())
	return s.AltM + 0.05*math.Sin(2*math.Pi*phase)
}

func (s Track) period() time.Duration {
	if s.Period <= 0 {
		return 120 * time.Second
	}
	return s.Period
}

func (s Track) radius() float64 {
	if s.RadiusM <= 0 {
		return 5
	}
	return s.RadiusM
}
