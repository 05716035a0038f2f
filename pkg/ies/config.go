package ies

import (
	"math"

	"github.com/valentin-krasontovitsch/ert/internal/common/ierrors"
)

// InversionVariant selects the linear-algebra scheme used to form the
// IES update gain (spec.md §4.1.2 step 4).
type InversionVariant int

const (
	// InversionExact solves the full active_obs x active_obs system via
	// Cholesky, using R explicitly. Truncation is unused.
	InversionExact InversionVariant = iota
	// InversionSubspaceExactR truncates Y0's SVD by energy fraction and
	// inverts R directly in the truncated subspace.
	InversionSubspaceExactR
	// InversionSubspaceEER approximates R ~ E*E^T/(N-1), avoiding the
	// need for an explicit R.
	InversionSubspaceEER
	// InversionSubspaceRE is the numerically most stable variant,
	// reduced via the SVD of the augmented [Y0 | sqrt(N-1)*E].
	InversionSubspaceRE
)

func (v InversionVariant) String() string {
	switch v {
	case InversionExact:
		return "EXACT"
	case InversionSubspaceExactR:
		return "SUBSPACE_EXACT_R"
	case InversionSubspaceEER:
		return "SUBSPACE_EE_R"
	case InversionSubspaceRE:
		return "SUBSPACE_RE"
	default:
		return "UNKNOWN"
	}
}

// ParseInversionVariant maps one of the String() names back onto an
// InversionVariant, for config files and CLI flags that name the
// variant rather than its integer value.
func ParseInversionVariant(name string) (InversionVariant, error) {
	switch name {
	case "EXACT":
		return InversionExact, nil
	case "SUBSPACE_EXACT_R":
		return InversionSubspaceExactR, nil
	case "SUBSPACE_EE_R":
		return InversionSubspaceEER, nil
	case "SUBSPACE_RE":
		return InversionSubspaceRE, nil
	default:
		return 0, &ierrors.ErrInvalidArgument{
			Name:    "InversionVariant",
			Value:   name,
			Message: "must be one of EXACT, SUBSPACE_EXACT_R, SUBSPACE_EE_R, SUBSPACE_RE",
		}
	}
}

// Config enumerates the tunables of one analysis: inversion variant,
// truncation, step-length schedule, the A-projection flag, and a logging
// path (spec.md §2 item 4).
type Config struct {
	Inversion InversionVariant

	// Truncation is the SVD energy-fraction retained by the subspace
	// inversion variants, in (0, 1]. Unused by InversionExact.
	Truncation float64

	// MaxStepLength, MinStepLength, DecStepLength parametrize the
	// step-length schedule:
	//   gamma = max - (max-min) * exp(-(k-1)/dec)
	MaxStepLength float64
	MinStepLength float64
	DecStepLength float64

	// AAProjection enables the A-projection described in spec.md
	// §4.1.2 step 3. Left disabled, the update is closed-form STD-EnKF
	// compatible (spec.md §4.1.4).
	AAProjection bool

	// LogPath, if non-empty, is the file IES update steps are logged to
	// (spec.md §2 item 4, "logging path").
	LogPath string
}

// DefaultConfig returns the configuration that reduces the IES update to
// the classical stochastic EnKF update, per spec.md §4.1.4.
func DefaultConfig() Config {
	return Config{
		Inversion:     InversionSubspaceExactR,
		Truncation:    0.95,
		MaxStepLength: 1.0,
		MinStepLength: 1.0,
		DecStepLength: 2.5,
		AAProjection:  false,
	}
}

// Validate checks the configuration's own invariants, independent of any
// particular analysis call.
func (c Config) Validate() error {
	if c.Inversion != InversionExact && (c.Truncation <= 0 || c.Truncation > 1) {
		return &ierrors.ErrInvalidArgument{
			Name:    "Truncation",
			Value:   c.Truncation,
			Message: "must be in (0, 1] for subspace inversion variants",
		}
	}
	if c.MaxStepLength < c.MinStepLength {
		return &ierrors.ErrInvalidArgument{
			Name:    "MaxStepLength",
			Value:   c.MaxStepLength,
			Message: "must be >= MinStepLength",
		}
	}
	if c.MinStepLength < 0 || c.MaxStepLength > 1 {
		return &ierrors.ErrInvalidArgument{
			Name:    "StepLength",
			Value:   []float64{c.MinStepLength, c.MaxStepLength},
			Message: "step lengths must lie in [0, 1]",
		}
	}
	return nil
}

// StepLength computes gamma for outer iteration k (1-indexed), per
// spec.md §4.1.2 step 5.
func (c Config) StepLength(k int) float64 {
	if k <= 1 {
		return c.MaxStepLength
	}
	if c.DecStepLength <= 0 {
		return c.MaxStepLength
	}
	return c.MaxStepLength - (c.MaxStepLength-c.MinStepLength)*math.Exp(-float64(k-1)/c.DecStepLength)
}
