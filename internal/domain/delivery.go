package domain

// ApplyDelivery finalizes an alert's delivery counts from a dispatch report.
// targeted is the number of tokens handed to dispatch.
func (a *Alert) ApplyDelivery(report DeliveryReport, targeted int) {
	a.SentCount = report.SuccessCount
	a.FailedCount = report.FailureCount
	switch {
	case targeted == 0:
		a.DeliveryStatus = DeliveryNoRecipients
	case report.SuccessCount == 0:
		a.DeliveryStatus = DeliveryFailed
	case report.FailureCount > 0:
		a.DeliveryStatus = DeliveryPartial
	default:
		a.DeliveryStatus = DeliverySent
	}
}

// Active reports whether the alert has not yet expired at the package clock.
func (a Alert) Active() bool {
	return a.ExpiresAt == nil || a.ExpiresAt.After(clock.Now())
}

// Record folds one token's outcome into the report. Only OK counts as a
// success.
func (r *DeliveryReport) Record(token string, outcome DeliveryOutcome) {
	if r.Outcomes == nil {
		r.Outcomes = make(map[DeliveryOutcome]int)
	}
	r.Outcomes[outcome]++
	if outcome == OutcomeOK {
		r.SuccessCount++
		return
	}
	r.FailureCount++
	r.FailedTokens = append(r.FailedTokens, token)
	if outcome == OutcomeInvalidToken {
		r.InvalidTokens = append(r.InvalidTokens, token)
	}
}
