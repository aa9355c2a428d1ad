package adagio

import (
	"errors"
	"fmt"

	"github.com/cburgoyne/adagio/rpi"
	"periph.io/x/conn/v3/physic"
)

// DefaultRate is the sample rate the master clock is started at before the first stream opens.
const DefaultRate = 44100

var ErrNoProfile = errors.New("no clock settings for sample rate")

// Profile holds the clock settings for one sample rate. The divider brings PLLC (1000MHz) down to
// MCLK, which is FrameRatio times the sample rate; BCLK is BCLKRatio times the sample rate.
type Profile struct {
	Rate       int
	Divider    rpi.Divider
	MCLK       physic.Frequency
	FrameRatio uint
	BCLKRatio  uint
}

func (p Profile) String() string {
	return fmt.Sprintf("%dHz: MCLK %v (%d fs) via %v, BCLK %d fs", p.Rate, p.MCLK, p.FrameRatio, p.Divider, p.BCLKRatio)
}

var profiles = []Profile{
	{32000, rpi.Divider{DivI: 122, DivF: 288, MASH: 1}, 8192000 * physic.Hertz, 256, 64},
	{44100, rpi.Divider{DivI: 88, DivF: 2363, MASH: 1}, 11289600 * physic.Hertz, 256, 64},
	{48000, rpi.Divider{DivI: 81, DivF: 1557, MASH: 1}, 12288000 * physic.Hertz, 256, 64},
	{88200, rpi.Divider{DivI: 44, DivF: 1181, MASH: 1}, 22579200 * physic.Hertz, 256, 64},
	{96000, rpi.Divider{DivI: 40, DivF: 2826, MASH: 1}, 24576000 * physic.Hertz, 256, 64},
}

// Lookup finds the profile for an exact sample rate.
func Lookup(rate int) (Profile, error) {
	for _, p := range profiles {
		if p.Rate == rate {
			return p, nil
		}
	}
	return Profile{}, fmt.Errorf("%w %d", ErrNoProfile, rate)
}

// Rates lists the sample rates there are profiles for.
func Rates() []int {
	r := make([]int, len(profiles))
	for i, p := range profiles {
		r[i] = p.Rate
	}
	return r
}
