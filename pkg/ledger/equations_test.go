package ledger

import (
	"math"
	"testing"

	"github.com/concordlabs/concord/pkg/config"
)

func TestWeightedScoreQualityDominates(t *testing.T) {
	w := config.Default().Weights

	// Perfect volume and effort with zero quality cannot reach even a
	// mediocre quality-only submission.
	padded := WeightedScore(w, QualitySignal{Volume: 1, Effort: 1})
	honest := WeightedScore(w, QualitySignal{Quality: 0.75})
	if padded >= honest {
		t.Fatalf("volume/effort padding scored %v, quality-only scored %v", padded, honest)
	}
}

func TestWeightedScoreClampsComponents(t *testing.T) {
	w := config.Default().Weights
	got := WeightedScore(w, QualitySignal{Quality: 3.0, Reliability: -1})
	want := WeightedScore(w, QualitySignal{Quality: 1.0, Reliability: 0})
	if got != want {
		t.Fatalf("clamp failed: got %v want %v", got, want)
	}
}

func TestGainCappedByUMax(t *testing.T) {
	d := config.Default().Human
	if g := Gain(d, 1.0); g != d.UMax {
		t.Fatalf("gain %v should cap at u_max %v", g, d.UMax)
	}
	if g := Gain(d, 0.2); g != d.Alpha*0.2 {
		t.Fatalf("gain %v should be alpha-scaled", g)
	}
}

func TestPenaltyLossDominance(t *testing.T) {
	d := config.Default().Human
	severe := Penalty(d, SeveritySevere)
	if severe < 5*d.UMax {
		t.Fatalf("one severe violation (%v) must outweigh several max gains (%v)", severe, d.UMax)
	}
	if Penalty(d, SeverityEgregious) != 2*d.Beta {
		t.Fatalf("egregious penalty mismatch")
	}
	if Penalty(d, SeverityMinor) != d.Gamma {
		t.Fatalf("minor penalty mismatch")
	}
	if Penalty(d, SeverityModerate) != 2*d.Gamma {
		t.Fatalf("moderate penalty mismatch")
	}
}

func TestHumanDecayGracePeriod(t *testing.T) {
	d := config.Default().Human
	if HumanDecay(d, d.GraceEpochs) != 0 {
		t.Fatalf("no decay inside the grace period")
	}
	got := HumanDecay(d, d.GraceEpochs+3)
	want := d.Dormancy * 3
	if math.Abs(got-want) > 1e-12 {
		t.Fatalf("decay got %v want %v", got, want)
	}
}

func TestMachineDecayComponents(t *testing.T) {
	d := config.Default().Machine
	got := MachineDecay(d, 10, 0.5)
	want := d.LambdaAge*10 + d.LambdaDrift*0.5
	if math.Abs(got-want) > 1e-12 {
		t.Fatalf("machine decay got %v want %v", got, want)
	}
	if MachineDecay(d, 0, -1) != 0 {
		t.Fatalf("negative drift must not add score")
	}
}

func TestPeerCapSmallPopulation(t *testing.T) {
	d := config.Default().Human
	if PeerCap(d, nil) != d.AbsMax {
		t.Fatalf("no peers: cap must be abs_max")
	}
	if PeerCap(d, []float64{0.4}) != d.AbsMax {
		t.Fatalf("single peer: cap must be abs_max")
	}
}

func TestPeerCapTracksPopulation(t *testing.T) {
	d := config.Default().Human
	peers := []float64{0.2, 0.2, 0.2, 0.2}
	if got := PeerCap(d, peers); math.Abs(got-0.2) > 1e-12 {
		t.Fatalf("uniform population cap got %v want 0.2", got)
	}

	spread := []float64{0.1, 0.3}
	mean, stddev := 0.2, 0.1
	want := math.Min(d.AbsMax, mean+d.CapK*stddev)
	if got := PeerCap(d, spread); math.Abs(got-want) > 1e-12 {
		t.Fatalf("spread population cap got %v want %v", got, want)
	}
}

func TestFoldHistoryEWMA(t *testing.T) {
	h := foldHistory(QualityHistory{}, QualitySignal{Quality: 1})
	if h.Samples != 1 || h.Quality != 1 {
		t.Fatalf("first sample should seed the history, got %+v", h)
	}
	h = foldHistory(h, QualitySignal{Quality: 0})
	if math.Abs(h.Quality-0.7) > 1e-12 {
		t.Fatalf("ewma quality got %v want 0.7", h.Quality)
	}
	if h.Samples != 2 {
		t.Fatalf("sample count got %d want 2", h.Samples)
	}
}
