package awg

import (
	"math"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

const (
	// OpenCircuitLimit is the largest magnitude the output can reach unloaded, in volts
	OpenCircuitLimit = 10.0

	// SourceImpedance is the output impedance of the generator, in ohms
	SourceImpedance = 50.0

	// MaxSampleRate is the fastest arbitrary waveform replay, in Sa/s
	MaxSampleRate = 250e6

	// MaxPoints is the largest waveform volatile memory accepts per channel
	MaxPoints = 65536

	minLoad = 1.0
	maxLoad = 10e3
)

// BurstConfig is everything ArmBurst needs beyond the loaded waveform
type BurstConfig struct {
	SampleRate float64 // Sa/s
	High       float64 // volts
	Low        float64 // volts
	Load       float64 // ohms, +Inf for high-Z
}

// MaxAmplitude is the largest |V| the generator can put across load ohms
func MaxAmplitude(load float64) float64 {
	if math.IsInf(load, 1) {
		return OpenCircuitLimit
	}
	return OpenCircuitLimit * load / (load + SourceImpedance)
}

// Validate checks c against the safe envelope.  Nothing is clamped; any
// violation is an ErrConfigurationRejected.
func (c BurstConfig) Validate() error {
	if !(c.SampleRate > 0 && c.SampleRate <= MaxSampleRate) {
		return errors.Wrapf(ErrConfigurationRejected, "sample rate %g Sa/s outside (0, %g]", c.SampleRate, MaxSampleRate)
	}
	if err := validLoad(c.Load); err != nil {
		return err
	}
	if !(c.High > c.Low) {
		return errors.Wrapf(ErrConfigurationRejected, "high rail %g V not above low rail %g V", c.High, c.Low)
	}
	lim := MaxAmplitude(c.Load)
	if math.Abs(c.High) > lim || math.Abs(c.Low) > lim {
		return errors.Wrapf(ErrConfigurationRejected, "rails %g V / %g V exceed ±%.4g V into %s Ω", c.High, c.Low, lim, FormatLoad(c.Load))
	}
	return nil
}

func validLoad(load float64) error {
	if math.IsInf(load, 1) || (load >= minLoad && load <= maxLoad) {
		return nil
	}
	return errors.Wrapf(ErrConfigurationRejected, "load %g Ω outside [%g, %g] and not high-Z", load, minLoad, maxLoad)
}

// ParseLoad reads a load impedance such as "50", "1000" or "INF"
func ParseLoad(s string) (float64, error) {
	s = strings.TrimSpace(s)
	switch strings.ToUpper(s) {
	case "INF", "HIGHZ", "HIGH-Z":
		return math.Inf(1), nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, errors.Wrapf(ErrConfigurationRejected, "load %q", s)
	}
	return v, validLoad(v)
}

// validateSamples checks a waveform before it is sent to the instrument
func validateSamples(samples []float64) error {
	if len(samples) == 0 {
		return errors.Wrap(ErrUploadRejected, "empty waveform")
	}
	if len(samples) > MaxPoints {
		return errors.Wrapf(ErrUploadRejected, "%d points exceeds %d", len(samples), MaxPoints)
	}
	for i, v := range samples {
		if !(v >= 0 && v <= 1) {
			return errors.Wrapf(ErrUploadRejected, "sample %d = %g outside [0, 1]", i, v)
		}
	}
	return nil
}

// waveName derives a valid arbitrary waveform name from a column name.
// names are at most 12 characters of letters, digits and underscores
// beginning with a letter.
func waveName(column string, ch int) string {
	var sb strings.Builder
	for _, r := range column {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			sb.WriteRune(r)
		}
	}
	name := sb.String()
	if name == "" || !((name[0] >= 'a' && name[0] <= 'z') || (name[0] >= 'A' && name[0] <= 'Z')) {
		name = "CH" + strconv.Itoa(ch) + "_" + name
	}
	if len(name) > 12 {
		name = name[:12]
	}
	return name
}
