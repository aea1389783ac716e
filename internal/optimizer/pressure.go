package optimizer

// PressureProfile tunes how aggressively the optimizer specializes.
// Granular pressure keeps clusters tight and specialized; generic pressure
// merges aggressively and tolerates wider fitness spreads. The adjustments
// feed both clustering and the trim limits.
type PressureProfile struct {
	Name string

	// SimilarityDelta shifts the clustering threshold.
	SimilarityDelta float64
	// DistanceScale scales the trim policy's max fitness distance.
	DistanceScale float64
	// MinClusterDelta shifts the minimum cluster size the loop optimizes.
	MinClusterDelta int
	// SpecializationBias weights candidate synthesis toward narrow variants.
	// Informational for now; recorded in stats surfaces.
	SpecializationBias float64
}

// PressureFor maps the configured pressure name to its profile. Unknown
// names fall back to balanced.
func PressureFor(name string) PressureProfile {
	switch name {
	case "granular":
		return PressureProfile{
			Name:               "granular",
			SimilarityDelta:    +0.02,
			DistanceScale:      0.67,
			MinClusterDelta:    -1,
			SpecializationBias: 0.8,
		}
	case "generic":
		return PressureProfile{
			Name:               "generic",
			SimilarityDelta:    -0.06,
			DistanceScale:      1.5,
			MinClusterDelta:    +1,
			SpecializationBias: 0.2,
		}
	default:
		return PressureProfile{Name: "balanced", DistanceScale: 1, SpecializationBias: 0.5}
	}
}

// AdjustSimilarity applies the pressure shift, clamped to (0,1].
func (p PressureProfile) AdjustSimilarity(threshold float64) float64 {
	t := threshold + p.SimilarityDelta
	if t > 1 {
		return 1
	}
	if t <= 0 {
		return threshold
	}
	return t
}

// AdjustMaxDistance scales the trim distance bound.
func (p PressureProfile) AdjustMaxDistance(d float64) float64 {
	if p.DistanceScale <= 0 {
		return d
	}
	return d * p.DistanceScale
}

// AdjustMinClusterSize shifts the minimum optimizable cluster size, floored
// at 1.
func (p PressureProfile) AdjustMinClusterSize(n int) int {
	n += p.MinClusterDelta
	if n < 1 {
		return 1
	}
	return n
}
