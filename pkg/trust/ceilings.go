package trust

import (
	"time"

	"github.com/vorion-labs/vorion/pkg/contracts"
)

// Observability ceilings: the less the runtime can see of an agent, the
// lower its trust may climb. Classes order black-box < logs-only < metrics
// < traces < full-audit.
var observabilityCeilings = map[contracts.ObservabilityClass]int{
	contracts.ObservabilityBlackBox:  399,
	contracts.ObservabilityLogsOnly:  599,
	contracts.ObservabilityMetrics:   799,
	contracts.ObservabilityTraces:    899,
	contracts.ObservabilityFullAudit: MaxScore,
}

// ObservabilityCeiling returns the maximum score for an observability
// class. Unknown classes are treated as black-box.
func ObservabilityCeiling(class contracts.ObservabilityClass) int {
	if ceiling, ok := observabilityCeilings[class]; ok {
		return ceiling
	}
	return observabilityCeilings[contracts.ObservabilityBlackBox]
}

// ContextCeiling returns the maximum score the deployment context allows.
//
//   - C_LOCAL is unconstrained.
//   - C_TEAM and C_ENTERPRISE cap at T4 (899).
//   - C_REGULATED caps at T3 (799) without human approval.
//   - C_SOVEREIGN caps at T4 (899), falling to T2 (599) without hardware
//     attestation.
//
// A request for a band above the context's human-approval threshold without
// that approval is capped at the threshold.
func ContextCeiling(env contracts.EntityEnvironment) int {
	switch env.Deployment {
	case contracts.ContextLocal, "":
		return MaxScore
	case contracts.ContextTeam, contracts.ContextEnterprise:
		return 899
	case contracts.ContextRegulated:
		if env.HumanApproved {
			return 899
		}
		return 799
	case contracts.ContextSovereign:
		if env.HardwareAttested {
			return 899
		}
		return 599
	default:
		// Unknown contexts get the most conservative treatment.
		return 599
	}
}

// AttestationFloor returns the certification floor contributed by the
// agent's attestations: the minimum score of the highest band claimed by a
// valid trust or certification attestation, or MinScore when none applies.
func AttestationFloor(attestations []contracts.Attestation, now time.Time) int {
	floor := MinScore
	for i := range attestations {
		att := &attestations[i]
		if att.Type != contracts.AttestationTrust && att.Type != contracts.AttestationCertification {
			continue
		}
		if !att.Valid(now) {
			continue
		}
		if band := att.Band(); band >= 0 {
			if min := BandMinScore(band); min > floor {
				floor = min
			}
		}
	}
	return floor
}
