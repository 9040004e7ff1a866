package domain

import "time"

// QualitySample is one stats observation for one peer connection.
type QualitySample struct {
	PacketsLost     int
	JitterMs        float64
	RoundTripTimeMs float64
	Timestamp       time.Time
}

// QualityGrade is the discrete grade derived from a sample.
type QualityGrade string

const (
	GradeExcellent QualityGrade = "excellent"
	GradeGood      QualityGrade = "good"
	GradeFair      QualityGrade = "fair"
	GradePoor      QualityGrade = "poor"
)

// ConnectionQuality is the coarse per-participant quality shown to users.
type ConnectionQuality string

const (
	QualityGood     ConnectionQuality = "good"
	QualityModerate ConnectionQuality = "moderate"
	QualityPoor     ConnectionQuality = "poor"
)

// Coarse folds the four-level grade into the three-level participant quality.
func (g QualityGrade) Coarse() ConnectionQuality {
	switch g {
	case GradeExcellent, GradeGood:
		return QualityGood
	case GradeFair:
		return QualityModerate
	default:
		return QualityPoor
	}
}
