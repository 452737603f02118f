// Package config holds the constitutional parameter set: trust update
// coefficients, quarantine and guard thresholds, and chamber sizing per
// governance phase. Parameters are immutable once loaded; rule changes
// append a new versioned snapshot (see snapshot.go).
package config

import (
	"fmt"
	"time"
)

// Phase identifies the governance phase the engine operates under.
type Phase string

const (
	PhaseGenesis Phase = "GENESIS"
	PhaseMature  Phase = "MATURE"
)

// ChamberType identifies an amendment voting stage.
type ChamberType string

const (
	ChamberProposal     ChamberType = "PROPOSAL"
	ChamberRatification ChamberType = "RATIFICATION"
	ChamberChallenge    ChamberType = "CHALLENGE"
	ChamberConfirmation ChamberType = "CONFIRMATION"
)

// DomainParams are the trust update coefficients for one trust domain.
type DomainParams struct {
	Alpha       float64 `json:"alpha" yaml:"alpha"`                 // gain coefficient
	Beta        float64 `json:"beta" yaml:"beta"`                   // severe penalty coefficient
	Gamma       float64 `json:"gamma" yaml:"gamma"`                 // minor penalty coefficient
	UMax        float64 `json:"u_max" yaml:"u_max"`                 // max gain per event
	DeltaMax    float64 `json:"delta_max" yaml:"delta_max"`         // max score movement per epoch
	QMin        float64 `json:"q_min" yaml:"q_min"`                 // quality gate
	Floor       float64 `json:"floor" yaml:"floor"`                 // hard score floor
	AbsMax      float64 `json:"abs_max" yaml:"abs_max"`             // absolute score ceiling
	CapK        float64 `json:"cap_k" yaml:"cap_k"`                 // peer cap stddev multiplier
	GraceEpochs uint64  `json:"grace_epochs" yaml:"grace_epochs"`   // epochs before dormancy decay (HUMAN)
	Dormancy    float64 `json:"dormancy" yaml:"dormancy"`           // dormancy decay per epoch (HUMAN)
	LambdaAge   float64 `json:"lambda_age" yaml:"lambda_age"`       // staleness decay per epoch (MACHINE)
	LambdaDrift float64 `json:"lambda_drift" yaml:"lambda_drift"`   // env drift decay per unit (MACHINE)
	MinSigs     int     `json:"min_signatures" yaml:"min_signatures"`
}

// Weights combine quality, reliability, volume and effort into one score.
// Invariants: wQ+wR+wV+wE == 1, wQ >= 0.70, wV <= 0.10, wE <= 0.10.
type Weights struct {
	Quality     float64 `json:"quality" yaml:"quality"`
	Reliability float64 `json:"reliability" yaml:"reliability"`
	Volume      float64 `json:"volume" yaml:"volume"`
	Effort      float64 `json:"effort" yaml:"effort"`
}

// QuarantineParams govern the machine zero-trust hold state and the
// re-certification path out of it.
type QuarantineParams struct {
	MaxZeroEpochs      uint64  `json:"max_zero_epochs" yaml:"max_zero_epochs"`
	MinCorrectness     float64 `json:"min_correctness" yaml:"min_correctness"`
	MaxSevereErrorRate float64 `json:"max_severe_error_rate" yaml:"max_severe_error_rate"`
	MinReproducibility float64 `json:"min_reproducibility" yaml:"min_reproducibility"`
	MinSignatures      int     `json:"min_signatures" yaml:"min_signatures"`
	RetryCap           int     `json:"retry_cap" yaml:"retry_cap"`
	ProbationTasks     int     `json:"probation_tasks" yaml:"probation_tasks"`
}

// GuardParams configure the anti-capture guard.
type GuardParams struct {
	DeltaFast  float64 `json:"delta_fast" yaml:"delta_fast"`
	QuorumSize int     `json:"quorum_size" yaml:"quorum_size"`
	MinRegions int     `json:"min_regions" yaml:"min_regions"`
	MinOrgs    int     `json:"min_orgs" yaml:"min_orgs"`
}

// ChamberParams size and threshold one voting chamber.
type ChamberParams struct {
	Size            int     `json:"size" yaml:"size"`
	PassThreshold   int     `json:"pass_threshold" yaml:"pass_threshold"`
	LapseFraction   float64 `json:"lapse_fraction" yaml:"lapse_fraction"`
	MaxRegionShare  float64 `json:"max_region_share" yaml:"max_region_share"`
	MinOrgDiversity int     `json:"min_org_diversity" yaml:"min_org_diversity"`
	WindowEpochs    uint64  `json:"window_epochs" yaml:"window_epochs"`
}

// PhaseChambers hold chamber sizing for one governance phase.
type PhaseChambers struct {
	Proposal     ChamberParams `json:"proposal" yaml:"proposal"`
	Ratification ChamberParams `json:"ratification" yaml:"ratification"`
	Challenge    ChamberParams `json:"challenge" yaml:"challenge"`
	Confirmation ChamberParams `json:"confirmation" yaml:"confirmation"`
}

// EntrenchmentParams configure the slow path for entrenched provisions.
type EntrenchmentParams struct {
	CoolingOffEpochs   uint64  `json:"cooling_off_epochs" yaml:"cooling_off_epochs"`
	Supermajority      float64 `json:"supermajority" yaml:"supermajority"`
	ParticipationFloor float64 `json:"participation_floor" yaml:"participation_floor"`
}

// Params is the complete constitutional parameter set.
type Params struct {
	Phase         Phase                    `json:"phase" yaml:"phase"`
	Human         DomainParams             `json:"human" yaml:"human"`
	Machine       DomainParams             `json:"machine" yaml:"machine"`
	Weights       Weights                  `json:"weights" yaml:"weights"`
	Quarantine    QuarantineParams         `json:"quarantine" yaml:"quarantine"`
	Guard         GuardParams              `json:"guard" yaml:"guard"`
	Chambers      map[Phase]PhaseChambers  `json:"chambers" yaml:"chambers"`
	Entrenchment  EntrenchmentParams       `json:"entrenchment" yaml:"entrenchment"`
	EMinPerTier   []float64                `json:"e_min_per_tier" yaml:"e_min_per_tier"`
	BetaDominance float64                  `json:"beta_dominance" yaml:"beta_dominance"`
	EpochDuration time.Duration            `json:"epoch_duration" yaml:"epoch_duration"`
}

// Default returns the genesis parameter set.
func Default() Params {
	return Params{
		Phase: PhaseGenesis,
		Human: DomainParams{
			Alpha: 0.05, Beta: 0.40, Gamma: 0.10,
			UMax: 0.03, DeltaMax: 0.05, QMin: 0.70,
			Floor: 0.05, AbsMax: 0.95, CapK: 2.0,
			GraceEpochs: 6, Dormancy: 0.01,
			MinSigs: 2,
		},
		Machine: DomainParams{
			Alpha: 0.08, Beta: 0.48, Gamma: 0.12,
			UMax: 0.04, DeltaMax: 0.06, QMin: 0.80,
			Floor: 0, AbsMax: 0.99, CapK: 2.0,
			LambdaAge: 0.005, LambdaDrift: 0.02,
			MinSigs: 3,
		},
		Weights: Weights{Quality: 0.70, Reliability: 0.14, Volume: 0.08, Effort: 0.08},
		Quarantine: QuarantineParams{
			MaxZeroEpochs:      30,
			MinCorrectness:     0.85,
			MaxSevereErrorRate: 0.02,
			MinReproducibility: 0.90,
			MinSignatures:      3,
			RetryCap:           3,
			ProbationTasks:     5,
		},
		Guard: GuardParams{DeltaFast: 0.02, QuorumSize: 5, MinRegions: 3, MinOrgs: 3},
		Chambers: map[Phase]PhaseChambers{
			PhaseGenesis: {
				Proposal:     ChamberParams{Size: 7, PassThreshold: 5, LapseFraction: 0.5, MaxRegionShare: 0.43, MinOrgDiversity: 2, WindowEpochs: 3},
				Ratification: ChamberParams{Size: 11, PassThreshold: 8, LapseFraction: 0.5, MaxRegionShare: 0.37, MinOrgDiversity: 3, WindowEpochs: 5},
				Challenge:    ChamberParams{Size: 9, PassThreshold: 7, LapseFraction: 0.5, MaxRegionShare: 0.34, MinOrgDiversity: 3, WindowEpochs: 3},
				Confirmation: ChamberParams{Size: 11, PassThreshold: 9, LapseFraction: 0.66, MaxRegionShare: 0.37, MinOrgDiversity: 3, WindowEpochs: 5},
			},
			PhaseMature: {
				Proposal:     ChamberParams{Size: 21, PassThreshold: 14, LapseFraction: 0.5, MaxRegionShare: 0.34, MinOrgDiversity: 3, WindowEpochs: 5},
				Ratification: ChamberParams{Size: 41, PassThreshold: 28, LapseFraction: 0.5, MaxRegionShare: 0.25, MinOrgDiversity: 5, WindowEpochs: 7},
				Challenge:    ChamberParams{Size: 31, PassThreshold: 21, LapseFraction: 0.5, MaxRegionShare: 0.30, MinOrgDiversity: 4, WindowEpochs: 5},
				Confirmation: ChamberParams{Size: 41, PassThreshold: 31, LapseFraction: 0.66, MaxRegionShare: 0.25, MinOrgDiversity: 5, WindowEpochs: 7},
			},
		},
		Entrenchment:  EntrenchmentParams{CoolingOffEpochs: 14, Supermajority: 0.75, ParticipationFloor: 0.66},
		EMinPerTier:   []float64{0.10, 0.25, 0.40, 0.60},
		BetaDominance: 5.0,
		EpochDuration: 24 * time.Hour,
	}
}

// Domain returns the parameters for the named trust domain.
func (p Params) Domain(domain string) (DomainParams, error) {
	switch domain {
	case "HUMAN":
		return p.Human, nil
	case "MACHINE":
		return p.Machine, nil
	}
	return DomainParams{}, fmt.Errorf("unknown trust domain %q", domain)
}

// ChambersFor returns chamber sizing for the given phase.
func (p Params) ChambersFor(phase Phase) (PhaseChambers, error) {
	pc, ok := p.Chambers[phase]
	if !ok {
		return PhaseChambers{}, fmt.Errorf("no chamber parameters for phase %q", phase)
	}
	return pc, nil
}

// Chamber returns the sizing for one chamber type under the active phase.
func (p Params) Chamber(ct ChamberType) (ChamberParams, error) {
	pc, err := p.ChambersFor(p.Phase)
	if err != nil {
		return ChamberParams{}, err
	}
	switch ct {
	case ChamberProposal:
		return pc.Proposal, nil
	case ChamberRatification:
		return pc.Ratification, nil
	case ChamberChallenge:
		return pc.Challenge, nil
	case ChamberConfirmation:
		return pc.Confirmation, nil
	}
	return ChamberParams{}, fmt.Errorf("unknown chamber type %q", ct)
}

const weightTolerance = 1e-9

// Validate checks the static configuration invariants. It is called at
// startup and again on every snapshot append; a parameter set that fails
// validation is never activated.
func (p Params) Validate() error {
	w := p.Weights
	if sum := w.Quality + w.Reliability + w.Volume + w.Effort; sum < 1-weightTolerance || sum > 1+weightTolerance {
		return fmt.Errorf("weights must sum to 1, got %v", sum)
	}
	if w.Quality < 0.70 {
		return fmt.Errorf("quality weight %v below required minimum 0.70", w.Quality)
	}
	if w.Volume > 0.10 {
		return fmt.Errorf("volume weight %v above allowed maximum 0.10", w.Volume)
	}
	if w.Effort > 0.10 {
		return fmt.Errorf("effort weight %v above allowed maximum 0.10", w.Effort)
	}
	if p.BetaDominance < 1 {
		return fmt.Errorf("beta dominance multiple %v must be >= 1", p.BetaDominance)
	}
	for _, dc := range []struct {
		name string
		d    DomainParams
	}{{"human", p.Human}, {"machine", p.Machine}} {
		if dc.d.Alpha <= 0 || dc.d.Beta <= 0 {
			return fmt.Errorf("%s: alpha and beta must be positive", dc.name)
		}
		if dc.d.Beta < p.BetaDominance*dc.d.Alpha {
			return fmt.Errorf("%s: beta %v must dominate alpha %v by factor %v", dc.name, dc.d.Beta, dc.d.Alpha, p.BetaDominance)
		}
		if dc.d.QMin <= 0 || dc.d.QMin > 1 {
			return fmt.Errorf("%s: q_min %v out of (0,1]", dc.name, dc.d.QMin)
		}
		if dc.d.AbsMax <= dc.d.Floor || dc.d.AbsMax > 1 {
			return fmt.Errorf("%s: abs_max %v must be in (floor, 1]", dc.name, dc.d.AbsMax)
		}
		if dc.d.DeltaMax <= 0 {
			return fmt.Errorf("%s: delta_max must be positive", dc.name)
		}
	}
	if p.Human.Floor <= 0 {
		return fmt.Errorf("human floor %v must be strictly positive", p.Human.Floor)
	}
	if p.Machine.Floor != 0 {
		return fmt.Errorf("machine floor must be exactly 0, got %v", p.Machine.Floor)
	}
	if len(p.EMinPerTier) != 4 {
		return fmt.Errorf("e_min_per_tier must have 4 entries, got %d", len(p.EMinPerTier))
	}
	for i := 1; i < len(p.EMinPerTier); i++ {
		if p.EMinPerTier[i] < p.EMinPerTier[i-1] {
			return fmt.Errorf("e_min_per_tier must be non-decreasing: tier R%d (%v) < tier R%d (%v)",
				i, p.EMinPerTier[i], i-1, p.EMinPerTier[i-1])
		}
	}
	if len(p.Chambers) == 0 {
		return fmt.Errorf("at least one governance phase must define chambers")
	}
	for phase, pc := range p.Chambers {
		for _, cc := range []struct {
			name string
			c    ChamberParams
		}{
			{"proposal", pc.Proposal}, {"ratification", pc.Ratification},
			{"challenge", pc.Challenge}, {"confirmation", pc.Confirmation},
		} {
			if cc.c.Size <= 0 {
				return fmt.Errorf("%s/%s: chamber size must be positive", phase, cc.name)
			}
			if cc.c.PassThreshold <= cc.c.Size/2 || cc.c.PassThreshold > cc.c.Size {
				return fmt.Errorf("%s/%s: pass threshold %d must be a majority of size %d", phase, cc.name, cc.c.PassThreshold, cc.c.Size)
			}
			if cc.c.LapseFraction <= 0 || cc.c.LapseFraction > 1 {
				return fmt.Errorf("%s/%s: lapse fraction %v out of (0,1]", phase, cc.name, cc.c.LapseFraction)
			}
			if cc.c.MaxRegionShare <= 0 || cc.c.MaxRegionShare > 1 {
				return fmt.Errorf("%s/%s: max region share %v out of (0,1]", phase, cc.name, cc.c.MaxRegionShare)
			}
			if int(cc.c.MaxRegionShare*float64(cc.c.Size)) < 1 {
				return fmt.Errorf("%s/%s: max region share %v admits zero seats per region", phase, cc.name, cc.c.MaxRegionShare)
			}
			if cc.c.MinOrgDiversity < 1 {
				return fmt.Errorf("%s/%s: min org diversity must be >= 1", phase, cc.name)
			}
			if cc.c.WindowEpochs == 0 {
				return fmt.Errorf("%s/%s: voting window must be at least one epoch", phase, cc.name)
			}
		}
	}
	if _, ok := p.Chambers[p.Phase]; !ok {
		return fmt.Errorf("active phase %q has no chamber parameters", p.Phase)
	}
	if p.Guard.DeltaFast <= 0 {
		return fmt.Errorf("guard delta_fast must be positive")
	}
	if p.Guard.QuorumSize < p.Guard.MinRegions || p.Guard.QuorumSize < p.Guard.MinOrgs {
		return fmt.Errorf("guard quorum size %d cannot be below its region/org minimums", p.Guard.QuorumSize)
	}
	if p.Entrenchment.CoolingOffEpochs == 0 {
		return fmt.Errorf("entrenchment cooling-off must be at least one epoch")
	}
	if p.Entrenchment.Supermajority <= 0.5 || p.Entrenchment.Supermajority > 1 {
		return fmt.Errorf("entrenchment supermajority %v out of (0.5,1]", p.Entrenchment.Supermajority)
	}
	if p.EpochDuration <= 0 {
		return fmt.Errorf("epoch duration must be positive")
	}
	return nil
}
