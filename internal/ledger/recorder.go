package ledger

import "context"

// The helpers below are the write interfaces consumed by the crisis, session,
// and breach-detection modules. They all funnel into Append.

// LogEvent records a generic audit event.
func (l *Ledger) LogEvent(ctx context.Context, e Event) (*Event, error) {
	return l.Append(ctx, e)
}

// LogPHIAccess records access to protected health information. PHI events
// are always at least high risk.
func (l *Ledger) LogPHIAccess(ctx context.Context, userID, sessionID, resource, resourceID string, result Result, details map[string]string) (*Event, error) {
	return l.Append(ctx, Event{
		UserID:      userID,
		SessionID:   sessionID,
		Action:      "phi_access",
		Resource:    resource,
		ResourceID:  resourceID,
		Details:     details,
		Result:      result,
		RiskLevel:   RiskHigh,
		PHIInvolved: true,
	})
}

// LogCrisisAccess records access to crisis-session data. Crisis interactions
// involve PHI by definition and carry critical risk.
func (l *Ledger) LogCrisisAccess(ctx context.Context, userID, sessionID, resourceID string, result Result, details map[string]string) (*Event, error) {
	return l.Append(ctx, Event{
		UserID:      userID,
		SessionID:   sessionID,
		Action:      "crisis_access",
		Resource:    "crisis_session",
		ResourceID:  resourceID,
		Details:     details,
		Result:      result,
		RiskLevel:   RiskCritical,
		PHIInvolved: true,
	})
}

// LogAuthEvent records an authentication attempt.
func (l *Ledger) LogAuthEvent(ctx context.Context, userID, sessionID, action string, result Result, details map[string]string) (*Event, error) {
	risk := RiskLow
	if result != ResultSuccess {
		risk = RiskMedium
	}
	return l.Append(ctx, Event{
		UserID:    userID,
		SessionID: sessionID,
		Action:    action,
		Resource:  "authentication",
		Details:   details,
		Result:    result,
		RiskLevel: risk,
	})
}

// LogSecurityViolation records a detected security violation.
func (l *Ledger) LogSecurityViolation(ctx context.Context, userID, sessionID, violation string, details map[string]string) (*Event, error) {
	return l.Append(ctx, Event{
		UserID:    userID,
		SessionID: sessionID,
		Action:    "security_violation",
		Resource:  violation,
		Details:   details,
		Result:    ResultBlocked,
		RiskLevel: RiskCritical,
	})
}
