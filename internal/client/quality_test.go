package client

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"voicemesh/internal/domain"
)

func TestGrade(t *testing.T) {
	tests := []struct {
		name      string
		sample    domain.QualitySample
		wantGrade domain.QualityGrade
		wantScore float64
	}{
		{
			name:      "clean link",
			sample:    domain.QualitySample{PacketsLost: 0, JitterMs: 20, RoundTripTimeMs: 100},
			wantGrade: domain.GradeExcellent,
			wantScore: 100,
		},
		{
			name:      "mild loss and latency",
			sample:    domain.QualitySample{PacketsLost: 5, JitterMs: 40, RoundTripTimeMs: 200},
			wantGrade: domain.GradeFair,
			wantScore: 55,
		},
		{
			name:      "saturated penalties floor at zero",
			sample:    domain.QualitySample{PacketsLost: 20, JitterMs: 100, RoundTripTimeMs: 500},
			wantGrade: domain.GradePoor,
			wantScore: 0,
		},
		{
			name:      "jitter below threshold is free",
			sample:    domain.QualitySample{PacketsLost: 0, JitterMs: 30, RoundTripTimeMs: 150},
			wantGrade: domain.GradeExcellent,
			wantScore: 100,
		},
		{
			name:      "loss penalty caps at thirty",
			sample:    domain.QualitySample{PacketsLost: 100, JitterMs: 0, RoundTripTimeMs: 0},
			wantGrade: domain.GradeGood,
			wantScore: 70,
		},
		{
			name:      "boundary eighty is excellent",
			sample:    domain.QualitySample{PacketsLost: 0, JitterMs: 70, RoundTripTimeMs: 0},
			wantGrade: domain.GradeExcellent,
			wantScore: 80,
		},
		{
			name:      "boundary sixty is good",
			sample:    domain.QualitySample{PacketsLost: 0, JitterMs: 0, RoundTripTimeMs: 350},
			wantGrade: domain.GradeGood,
			wantScore: 60,
		},
		{
			name:      "boundary forty is fair",
			sample:    domain.QualitySample{PacketsLost: 5, JitterMs: 90, RoundTripTimeMs: 0},
			wantGrade: domain.GradeFair,
			wantScore: 40,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			grade, score := Grade(tt.sample)
			assert.InDelta(t, tt.wantScore, score, 0.001)
			assert.Equal(t, tt.wantGrade, grade)
		})
	}
}

func TestGradeCoarse(t *testing.T) {
	assert.Equal(t, domain.QualityGood, domain.GradeExcellent.Coarse())
	assert.Equal(t, domain.QualityGood, domain.GradeGood.Coarse())
	assert.Equal(t, domain.QualityModerate, domain.GradeFair.Coarse())
	assert.Equal(t, domain.QualityPoor, domain.GradePoor.Coarse())
}
