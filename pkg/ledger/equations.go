package ledger

import (
	"math"

	"github.com/concordlabs/concord/pkg/config"
)

// clamp01 bounds a collaborator-supplied component to [0,1].
func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

// WeightedScore combines the four evidence components under the fixed
// weight constraints. Quality dominates; volume and effort cannot carry
// a submission on their own.
func WeightedScore(w config.Weights, s QualitySignal) float64 {
	return w.Quality*clamp01(s.Quality) +
		w.Reliability*clamp01(s.Reliability) +
		w.Volume*clamp01(s.Volume) +
		w.Effort*clamp01(s.Effort)
}

// Gain computes the raw evidence gain before rate limiting and caps.
func Gain(d config.DomainParams, weighted float64) float64 {
	return math.Min(d.Alpha*weighted, d.UMax)
}

// severityUnits maps a violation severity onto (severe, minor) penalty
// units. Loss dominates gain through beta >> alpha.
func severityUnits(sev Severity) (severe, minor float64) {
	switch sev {
	case SeverityMinor:
		return 0, 1
	case SeverityModerate:
		return 0, 2
	case SeveritySevere:
		return 1, 0
	case SeverityEgregious:
		return 2, 0
	}
	return 0, 0
}

// Penalty computes the score loss for a violation.
func Penalty(d config.DomainParams, sev Severity) float64 {
	severe, minor := severityUnits(sev)
	return d.Beta*severe + d.Gamma*minor
}

// HumanDecay returns dormancy loss for a human actor idle for the given
// number of epochs. Nothing decays inside the grace period.
func HumanDecay(d config.DomainParams, idleEpochs uint64) float64 {
	if idleEpochs <= d.GraceEpochs {
		return 0
	}
	return d.Dormancy * float64(idleEpochs-d.GraceEpochs)
}

// MachineDecay returns freshness loss for a machine actor: staleness by
// idle epochs plus environment drift reported by the collaborator.
func MachineDecay(d config.DomainParams, idleEpochs uint64, envDrift float64) float64 {
	return d.LambdaAge*float64(idleEpochs) + d.LambdaDrift*math.Max(0, envDrift)
}

// PeerCap computes the population-aware ceiling: mean of peer scores
// plus k standard deviations, never above the absolute maximum. With
// fewer than two peers the relative term is meaningless and the
// absolute maximum applies.
func PeerCap(d config.DomainParams, peerScores []float64) float64 {
	if len(peerScores) < 2 {
		return d.AbsMax
	}
	var sum float64
	for _, s := range peerScores {
		sum += s
	}
	mean := sum / float64(len(peerScores))
	var variance float64
	for _, s := range peerScores {
		variance += (s - mean) * (s - mean)
	}
	stddev := math.Sqrt(variance / float64(len(peerScores)))
	return math.Min(d.AbsMax, mean+d.CapK*stddev)
}

// ewmaLambda weights the newest evidence sample in the rolling history.
const ewmaLambda = 0.3

// foldHistory rolls a new signal into the quality history.
func foldHistory(h QualityHistory, s QualitySignal) QualityHistory {
	if h.Samples == 0 {
		return QualityHistory{
			Quality:     clamp01(s.Quality),
			Reliability: clamp01(s.Reliability),
			Volume:      clamp01(s.Volume),
			Effort:      clamp01(s.Effort),
			Samples:     1,
		}
	}
	mix := func(old, new float64) float64 { return (1-ewmaLambda)*old + ewmaLambda*clamp01(new) }
	return QualityHistory{
		Quality:     mix(h.Quality, s.Quality),
		Reliability: mix(h.Reliability, s.Reliability),
		Volume:      mix(h.Volume, s.Volume),
		Effort:      mix(h.Effort, s.Effort),
		Samples:     h.Samples + 1,
	}
}
