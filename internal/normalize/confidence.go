package normalize

import (
	"github.com/rotisserie/eris"

	"github.com/sells-group/truth-pipeline/internal/validation"
)

// Policy turns validation signals into a confidence score.
//
// The score is the mean weight of the passed rules (1.0 when none applied),
// multiplied by WarningPenalty once per warning and clamped to [0, 1].
// Because non-exact passes always produce a warning, a record scores 1.0
// exactly when it has no warnings.
type Policy struct {
	Weights        map[validation.Signal]float64
	WarningPenalty float64
}

// DefaultPolicy returns the standard weights.
func DefaultPolicy() Policy {
	return Policy{
		Weights: map[validation.Signal]float64{
			validation.SignalExact:     1.0,
			validation.SignalFuzzy:     0.8,
			validation.SignalEstimated: 0.6,
		},
		WarningPenalty: 0.9,
	}
}

// Validate checks that the policy keeps scores within [0, 1].
func (p Policy) Validate() error {
	if p.WarningPenalty <= 0 || p.WarningPenalty >= 1 {
		return eris.Errorf("normalize: warning penalty must be in (0, 1), got %v", p.WarningPenalty)
	}
	for sig, w := range p.Weights {
		if w < 0 || w > 1 {
			return eris.Errorf("normalize: weight for %s must be in [0, 1], got %v", sig, w)
		}
	}
	if w, ok := p.Weights[validation.SignalExact]; ok && w != 1 {
		return eris.Errorf("normalize: exact weight must be 1, got %v", w)
	}
	return nil
}

func (p Policy) weight(sig validation.Signal) float64 {
	if sig == "" || sig == validation.SignalExact {
		return 1
	}
	if w, ok := p.Weights[sig]; ok {
		return w
	}
	return 0.5
}

// Score computes the confidence of a record.
func (p Policy) Score(applied []validation.AppliedRule, warnings int) float64 {
	var sum float64
	var n int
	for _, a := range applied {
		if !a.Passed {
			continue
		}
		sum += p.weight(a.Signal)
		n++
	}

	score := 1.0
	if n > 0 {
		score = sum / float64(n)
	}
	for i := 0; i < warnings; i++ {
		score *= p.WarningPenalty
	}

	switch {
	case score < 0:
		return 0
	case score > 1:
		return 1
	}
	return score
}
