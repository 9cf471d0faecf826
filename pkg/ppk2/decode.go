package ppk2

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
)

const (
	// frameSize is the size of one raw measurement frame in bytes.
	frameSize = 4
	// numRanges is the number of shunt measurement ranges the PPK2 switches
	// between.
	numRanges = 5
	// adcMult converts gained ADC counts into volts across the shunt
	// (1.8 V reference, 163840 counts full scale).
	adcMult = 1.8 / 163840.0
)

// modifiers holds the per-range calibration coefficients the device
// reports in its metadata. Indexed by measurement range (0..4).
type modifiers struct {
	r  [numRanges]float64 // shunt resistance
	gs [numRanges]float64 // gain slope
	gi [numRanges]float64 // gain intercept
	o  [numRanges]float64 // ADC offset
	s  [numRanges]float64 // VDD-dependent offset slope
	i  [numRanges]float64 // VDD-dependent offset intercept
	ug [numRanges]float64 // user gain
}

// defaultModifiers returns the nominal calibration used when the device
// metadata omits a coefficient.
func defaultModifiers() modifiers {
	return modifiers{
		r:  [numRanges]float64{1031.64, 101.65, 10.15, 0.94, 0.043},
		gs: [numRanges]float64{1, 1, 1, 1, 1},
		gi: [numRanges]float64{1, 1, 1, 1, 1},
		o:  [numRanges]float64{112.94, 75.616, 64.068, 50.425, 6.6893},
		s:  [numRanges]float64{0.000000048, 0.0000000864, 0.0000000169, 0.00000000373, 0.0000000004699},
		i:  [numRanges]float64{0.0000000149, 0.00000069, 0.000000278, 0.00000774, 0.000000123},
		ug: [numRanges]float64{1, 1, 1, 1, 1},
	}
}

// parseModifiers extracts calibration coefficients from the metadata text.
// The metadata is a sequence of "KEY: value" lines terminated by END, with
// per-range keys like R0, GS3 or O4. Unknown keys are ignored and missing
// ones keep their nominal defaults.
func parseModifiers(meta string) modifiers {
	mods := defaultModifiers()

	for _, line := range strings.Split(meta, "\n") {
		key, rest, found := strings.Cut(strings.TrimSpace(line), ":")
		if !found {
			continue
		}
		value, err := strconv.ParseFloat(strings.TrimSpace(rest), 64)
		if err != nil {
			continue
		}

		key = strings.TrimSpace(key)
		if len(key) < 2 {
			continue
		}
		rng := int(key[len(key)-1] - '0')
		if rng < 0 || rng >= numRanges {
			continue
		}

		switch key[:len(key)-1] {
		case "R":
			mods.r[rng] = value
		case "GS":
			mods.gs[rng] = value
		case "GI":
			mods.gi[rng] = value
		case "O":
			mods.o[rng] = value
		case "S":
			mods.s[rng] = value
		case "I":
			mods.i[rng] = value
		case "UG":
			mods.ug[rng] = value
		}
	}

	return mods
}

// currentAmps applies the calibration polynomial for the given range to a
// gained ADC value, returning amperes.
func (m modifiers) currentAmps(rng int, adc float64, vddMV int) float64 {
	base := (adc - m.o[rng]) * (adcMult / m.r[rng])
	return m.ug[rng] * (base*(m.gs[rng]*base+m.gi[rng]) +
		(m.s[rng]*(float64(vddMV)/1000.0) + m.i[rng]))
}

// decodeFrames decodes complete 4-byte frames from raw into microampere
// samples. Each frame carries a 14-bit ADC value and a 3-bit measurement
// range; trailing bytes that do not form a complete frame are returned as
// leftover. A frame with a range index the hardware does not have makes
// the whole chunk invalid.
func decodeFrames(raw []byte, mods modifiers, vddMV int, sm *smoother) ([]float64, []byte, error) {
	numFrames := len(raw) / frameSize
	leftover := raw[numFrames*frameSize:]
	if numFrames == 0 {
		return nil, leftover, nil
	}

	samples := make([]float64, 0, numFrames)
	for f := 0; f < numFrames; f++ {
		v := binary.LittleEndian.Uint32(raw[f*frameSize:])

		rng := int(v>>14) & 0x07
		if rng >= numRanges {
			return nil, nil, fmt.Errorf("invalid measurement range %d in frame %d", rng, f)
		}

		// The ADC value is gained by 4 before calibration is applied.
		adc := float64(v&0x3FFF) * 4
		microamps := mods.currentAmps(rng, adc, vddMV) * 1e6
		if sm != nil {
			microamps = sm.add(microamps)
		}
		samples = append(samples, microamps)
	}

	return samples, leftover, nil
}

// smoother is a rolling average over the last N decoded samples. It
// suppresses the spikes the PPK2 produces while switching between shunt
// ranges.
type smoother struct {
	window []float64
	next   int
	filled int
	sum    float64
}

// newSmoother creates a rolling average of the given width. A width below
// two disables smoothing (returns nil).
func newSmoother(width int) *smoother {
	if width < 2 {
		return nil
	}
	return &smoother{
		window: make([]float64, width),
	}
}

// add pushes a sample into the window and returns the current average.
func (s *smoother) add(v float64) float64 {
	if s.filled == len(s.window) {
		s.sum -= s.window[s.next]
	} else {
		s.filled++
	}
	s.window[s.next] = v
	s.sum += v
	s.next = (s.next + 1) % len(s.window)

	return s.sum / float64(s.filled)
}
