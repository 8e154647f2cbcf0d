package trust

// decayMilestone anchors the stepped decay curve at a day count.
type decayMilestone struct {
	days       float64
	multiplier float64
}

// Stepped decay: linear interpolation between milestones, flat at 0.50
// beyond 182 days. Any trust-positive signal resets the activity clock and
// collapses the multiplier back to 1.0.
var decayMilestones = []decayMilestone{
	{0, 1.00},
	{7, 0.92},
	{14, 0.83},
	{28, 0.75},
	{56, 0.67},
	{112, 0.58},
	{182, 0.50},
}

// DecayMultiplier returns the read-time decay multiplier for a number of
// inactive days. Monotone non-increasing; never below 0.50.
func DecayMultiplier(daysInactive float64) float64 {
	if daysInactive <= 0 {
		return 1.0
	}
	last := decayMilestones[len(decayMilestones)-1]
	if daysInactive >= last.days {
		return last.multiplier
	}
	for i := 1; i < len(decayMilestones); i++ {
		hi := decayMilestones[i]
		if daysInactive <= hi.days {
			lo := decayMilestones[i-1]
			frac := (daysInactive - lo.days) / (hi.days - lo.days)
			return lo.multiplier + (hi.multiplier-lo.multiplier)*frac
		}
	}
	return last.multiplier
}
