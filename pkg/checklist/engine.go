package checklist

// StepChange is a derived status move for one step.
type StepChange struct {
	StepID          string
	EvidenceType    string
	Status          string
	RejectionReason string
}

// Outcome is the result of reconciling steps against evidence history.
type Outcome struct {
	Changes []StepChange
	// Recommendation is the case status the checklist implies, or "" to
	// leave the case unchanged.
	Recommendation string
}

// Evaluate derives step statuses from the evidence history and recommends a
// case status. The latest evidence version of a type governs its step: an
// unverdicted latest upload means submitted, even if an older version was
// verified or rejected. Waived steps are never moved.
//
// Recommendation precedence: every non-waived step verified means resolved;
// otherwise any rejected step puts the ball back with the supplier; otherwise
// any submitted step awaits an internal verdict.
func Evaluate(steps []*Step, history []EvidenceState) Outcome {
	latest := make(map[string]EvidenceState, len(history))
	for _, ev := range history {
		if cur, ok := latest[ev.EvidenceType]; !ok || ev.Version > cur.Version {
			latest[ev.EvidenceType] = ev
		}
	}

	var out Outcome
	allVerified := len(steps) > 0
	anyRejected, anySubmitted := false, false

	for _, st := range steps {
		if st.Status == StatusWaived {
			continue
		}

		derived := StatusPending
		reason := ""
		if ev, ok := latest[st.EvidenceType]; ok {
			switch ev.Verdict {
			case VerdictVerified:
				derived = StatusVerified
			case VerdictRejected:
				derived = StatusRejected
				reason = ev.VerdictReason
			default:
				derived = StatusSubmitted
			}
		}

		switch derived {
		case StatusRejected:
			anyRejected = true
		case StatusSubmitted:
			anySubmitted = true
		}
		if derived != StatusVerified {
			allVerified = false
		}

		if derived != st.Status || (derived == StatusRejected && reason != st.RejectionReason) {
			out.Changes = append(out.Changes, StepChange{
				StepID:          st.ID,
				EvidenceType:    st.EvidenceType,
				Status:          derived,
				RejectionReason: reason,
			})
		}
	}

	switch {
	case allVerified:
		out.Recommendation = RecommendResolved
	case anyRejected:
		out.Recommendation = RecommendWaitingSupplier
	case anySubmitted:
		out.Recommendation = RecommendWaitingInternal
	}
	return out
}
