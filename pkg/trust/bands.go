// Package trust implements the Trust Engine: score composition from
// behavioral signals, the band table, stepped inactivity decay, attestation
// floors, and observability/deployment ceilings.
//
// Scores live in [0,1000] and map onto six bands T0–T5. The persisted score
// is pre-decay; decay, floors, and ceilings are applied at read time so that
// a single recorded activity collapses decay without a write storm.
package trust

// Band thresholds, inclusive lower bounds. T5 tops out at 1000.
var bandFloors = [6]int{0, 200, 400, 600, 800, 900}

const (
	// MinScore and MaxScore bound every trust score.
	MinScore = 0
	MaxScore = 1000

	// Bands T0..T5.
	BandT0 = 0
	BandT5 = 5
)

// ScoreToBand maps a score onto its band. Monotone non-decreasing.
func ScoreToBand(score int) int {
	score = ClampScore(score)
	for band := BandT5; band > BandT0; band-- {
		if score >= bandFloors[band] {
			return band
		}
	}
	return BandT0
}

// BandMinScore returns the minimum score of a band, used for attestation
// floors. Out-of-range bands clamp.
func BandMinScore(band int) int {
	if band < BandT0 {
		band = BandT0
	}
	if band > BandT5 {
		band = BandT5
	}
	return bandFloors[band]
}

// ClampScore clamps into [MinScore, MaxScore].
func ClampScore(score int) int {
	if score < MinScore {
		return MinScore
	}
	if score > MaxScore {
		return MaxScore
	}
	return score
}

// LegacyBandToCurrent translates a record persisted under the retired five-
// band (0–4) table. The stored band is advisory — readers recompute from the
// score — but history rows keep their original numbering, so translation
// happens on read: legacy bands shift up by one except T0.
func LegacyBandToCurrent(legacy int) int {
	if legacy <= 0 {
		return 0
	}
	if legacy >= 4 {
		return 5
	}
	return legacy + 1
}
