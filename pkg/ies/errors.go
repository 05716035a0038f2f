package ies

import "fmt"

// unknownInversionError signals a programming error: an InversionVariant
// value outside the four named constants.
type unknownInversionError struct {
	variant InversionVariant
}

func (e *unknownInversionError) Error() string {
	return fmt.Sprintf("ies: unknown inversion variant %d", int(e.variant))
}

// svdBreakdownError reports the "rank 0" numerical breakdown case from
// spec.md §7's error table: discard tail singular values, and if rank 0,
// return A unchanged and log — surfaced here so the caller can decide
// whether to log and continue with the previous A or treat it as fatal.
type svdBreakdownError struct {
	variant   InversionVariant
	activeObs int
}

func (e *svdBreakdownError) Error() string {
	return fmt.Sprintf("ies: numerical breakdown forming gain (variant=%s, active_obs=%d)", e.variant, e.activeObs)
}

// rankZeroError signals the truncated SVD of Y0 (or of the augmented
// [Y0|E] matrix for SUBSPACE_RE) collapsed to rank 0 — the matrix had no
// positive singular value (UpdateA zeroes a Y0 that is only rounding
// residue before this check). Per spec.md §7's error
// table this case is not fatal: the caller returns A unchanged and logs,
// rather than propagating a numerical-breakdown error.
type rankZeroError struct {
	variant InversionVariant
}

func (e *rankZeroError) Error() string {
	return fmt.Sprintf("ies: rank 0 forming gain (variant=%s)", e.variant)
}

// activeEnsembleMismatchError signals that data's ensemble mask does not
// select as many columns as the caller's matrices actually carry.
type activeEnsembleMismatchError struct {
	maskActive int
	columns    int
}

func (e *activeEnsembleMismatchError) Error() string {
	return fmt.Sprintf("ies: ens_mask selects %d active realizations but inputs carry %d columns", e.maskActive, e.columns)
}
