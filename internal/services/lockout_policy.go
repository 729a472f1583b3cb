package services

import (
	"fmt"
	"time"
)

// SecurityPolicy is the single source of the login-security constants
type SecurityPolicy struct {
	LockoutThreshold       int
	LockoutDuration        time.Duration
	AttemptWindow          time.Duration
	AlertFailureThreshold  int
	HighRiskAlertThreshold int
	StepUpRiskThreshold    int // 0 disables risk-based step-up
	Location               *time.Location
}

// DefaultSecurityPolicy returns the canonical policy values
func DefaultSecurityPolicy() SecurityPolicy {
	return SecurityPolicy{
		LockoutThreshold:       5,
		LockoutDuration:        15 * time.Minute,
		AttemptWindow:          15 * time.Minute,
		AlertFailureThreshold:  3,
		HighRiskAlertThreshold: 70,
		StepUpRiskThreshold:    80,
		Location:               time.UTC,
	}
}

func (p SecurityPolicy) Validate() error {
	if p.LockoutThreshold < 1 {
		return fmt.Errorf("lockout threshold must be at least 1")
	}
	if p.LockoutDuration <= 0 {
		return fmt.Errorf("lockout duration must be positive")
	}
	if p.AttemptWindow <= 0 {
		return fmt.Errorf("attempt window must be positive")
	}
	return nil
}

// LockUntil is when a lock applied at now expires
func (p SecurityPolicy) LockUntil(now time.Time) time.Time {
	return now.Add(p.LockoutDuration)
}

// WindowStart is the beginning of the rolling failure window ending at now
func (p SecurityPolicy) WindowStart(now time.Time) time.Time {
	return now.Add(-p.AttemptWindow)
}

// LocalHour is the hour of now in the policy time zone
func (p SecurityPolicy) LocalHour(now time.Time) int {
	loc := p.Location
	if loc == nil {
		loc = time.UTC
	}
	return now.In(loc).Hour()
}

// RequiresStepUp reports whether score alone forces a second factor
func (p SecurityPolicy) RequiresStepUp(score int) bool {
	return p.StepUpRiskThreshold > 0 && score >= p.StepUpRiskThreshold
}

func (p SecurityPolicy) IsHighRisk(score int) bool {
	return p.HighRiskAlertThreshold > 0 && score >= p.HighRiskAlertThreshold
}

// CrossesFailureBurst reports whether the failure that brings the window
// count to total is the one that reaches the alert threshold
func (p SecurityPolicy) CrossesFailureBurst(total int) bool {
	return p.AlertFailureThreshold > 0 && total == p.AlertFailureThreshold
}
