package services

// Risk factor names recorded on assessments and alert metadata
const (
	RiskFactorNewDevice       = "new_device"
	RiskFactorUnusualHour     = "unusual_hour"
	RiskFactorAccountFailures = "account_failures"
	RiskFactorIPFailures      = "ip_failures"
)

const (
	maxRiskScore     = 100
	newDeviceWeight  = 30
	unusualHourScore = 15
	unusualHourStart = 2 // inclusive
	unusualHourEnd   = 5 // exclusive
)

// RiskInput is everything the scorer looks at. Hour is 0-23 in the policy time zone.
type RiskInput struct {
	NewDevice       bool
	AccountFailures int
	Hour            int
	IPFailures      int
}

// RiskAssessment is the score together with the factors that contributed to it
type RiskAssessment struct {
	Score   int
	Factors []string
}

// ScoreRisk returns the 0-100 risk score for in
func ScoreRisk(in RiskInput) int {
	return AssessRisk(in).Score
}

// AssessRisk adds one bucket per factor and caps the sum. It has no side
// effects, so identical inputs always produce identical assessments.
func AssessRisk(in RiskInput) RiskAssessment {
	var a RiskAssessment

	if in.NewDevice {
		a.add(RiskFactorNewDevice, newDeviceWeight)
	}
	if in.Hour >= unusualHourStart && in.Hour < unusualHourEnd {
		a.add(RiskFactorUnusualHour, unusualHourScore)
	}
	if s := accountFailureScore(in.AccountFailures); s > 0 {
		a.add(RiskFactorAccountFailures, s)
	}
	if s := ipFailureScore(in.IPFailures); s > 0 {
		a.add(RiskFactorIPFailures, s)
	}

	if a.Score > maxRiskScore {
		a.Score = maxRiskScore
	}
	return a
}

func (a *RiskAssessment) add(factor string, score int) {
	a.Score += score
	a.Factors = append(a.Factors, factor)
}

func accountFailureScore(n int) int {
	switch {
	case n >= 5:
		return 40
	case n >= 3:
		return 30
	case n >= 1:
		return 20
	}
	return 0
}

func ipFailureScore(n int) int {
	switch {
	case n >= 20:
		return 30
	case n >= 10:
		return 20
	case n >= 3:
		return 10
	}
	return 0
}
