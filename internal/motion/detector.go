package motion

import "github.com/BTreeMap/SOSPipe/internal/models"

// DefaultThreshold is the impact threshold used when none is configured.
const DefaultThreshold = 10.0

// Detector flags samples whose magnitude exceeds Threshold. It keeps no state;
// rate limiting belongs to the trigger debouncer.
type Detector struct {
	Threshold float64
}

// NewDetector creates a Detector, falling back to DefaultThreshold for non-positive values.
func NewDetector(threshold float64) Detector {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return Detector{Threshold: threshold}
}

// IsImpact reports whether the sample magnitude is strictly above the threshold.
func (d Detector) IsImpact(s models.Sample) bool {
	return s.Magnitude() > d.Threshold
}
