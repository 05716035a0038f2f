package ies

import (
	"math"
	"os"

	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"

	"github.com/valentin-krasontovitsch/ert/internal/common/ierrors"
	"github.com/valentin-krasontovitsch/ert/internal/mask"
	"github.com/valentin-krasontovitsch/ert/internal/matrixutil"
)

// Data is the per-analysis state carried across outer iterations: the
// coefficient matrix W, the stored initial ensemble A0 and observation
// perturbations E, the current and initial masks, and the iteration
// counter. One Data instance belongs to exactly one analysis; it is not
// safe for concurrent use without external synchronization (callers run
// one assimilation loop at a time).
type Data struct {
	iterationNr int
	stateSize   int // write-once, like ies::data_update_state_size

	ensMask  mask.Mask
	obsMask0 mask.Mask // frozen at first iteration
	obsMask  mask.Mask // current, may shrink between iterations

	w  *mat.Dense // ens x ens, zero-padded along inactive indices
	a0 *mat.Dense // state_size x active_ens_size, written once
	e  *mat.Dense // full_obs x full_ens, sentinel-filled outside active rows/cols

	config  Config
	logFile *os.File
	log     *log.Logger
}

// NewData allocates an empty analysis state for the given configuration.
// If config.LogPath is set, update steps are additionally logged to that
// file (mirroring ies::data_open_log/data_fclose_log from the original
// source) rather than only through the process-wide logrus logger; a
// failure to open it is non-fatal and falls back to the process-wide
// logger.
func NewData(config Config) *Data {
	d := &Data{config: config}
	if config.LogPath != "" {
		f, err := os.OpenFile(config.LogPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			log.WithField("log_path", config.LogPath).Warnf("ies: could not open log path, falling back to the standard logger: %s", err)
		} else {
			d.logFile = f
			d.log = log.New()
			d.log.SetOutput(f)
			d.log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
		}
	}
	return d
}

// Close releases the log file opened for config.LogPath, if any. Callers
// that set LogPath should Close the Data once the analysis is done.
func (d *Data) Close() error {
	if d.logFile == nil {
		return nil
	}
	return d.logFile.Close()
}

// IterationNr returns the current outer-iteration counter.
func (d *Data) IterationNr() int {
	return d.iterationNr
}

// IncIterationNr increments and returns the iteration counter. Called
// exactly once per outer IES step, per spec.md §3's invariant on the
// counter.
func (d *Data) IncIterationNr() int {
	d.iterationNr++
	return d.iterationNr
}

// EnsMask returns the current ensemble mask.
func (d *Data) EnsMask() mask.Mask {
	return d.ensMask
}

// ObsMask returns the current observation mask.
func (d *Data) ObsMask() mask.Mask {
	return d.obsMask
}

// ObsMask0 returns the frozen initial observation mask.
func (d *Data) ObsMask0() mask.Mask {
	return d.obsMask0
}

// A0 returns the stored initial ensemble, or nil if InitUpdate has not
// yet been called.
func (d *Data) A0() *mat.Dense {
	return d.a0
}

// E returns the stored initial observation perturbations, or nil if
// InitUpdate has not yet been called.
func (d *Data) E() *mat.Dense {
	return d.e
}

// W returns the coefficient matrix, allocating a zero matrix of the
// current ensemble mask's size if it does not exist yet.
func (d *Data) W() *mat.Dense {
	d.allocateW()
	return d.w
}

func (d *Data) allocateW() {
	if d.w != nil {
		return
	}
	n := d.ensMask.Size()
	d.w = matrixutil.NewDense(n, n)
}

// updateStateSize records state_size on first use; subsequent calls are
// no-ops, mirroring ies::data_update_state_size's write-once guard.
func (d *Data) updateStateSize(stateSize int) {
	if d.stateSize == 0 {
		d.stateSize = stateSize
	}
}

// InitUpdate reconciles the caller-supplied masks against stored state,
// per spec.md §4.1.3:
//
//   - If A0 has not yet been stored: copy A into A0, store ensMask as
//     initial, store obsMask as obsMask0.
//   - If stored: a previously active realization going inactive is
//     fatal. A newly active observation widens obsMask0 and the stored
//     E is extended with the newly supplied rows.
//
// E0 holds the observation perturbations for the masks passed on *this*
// call (active_obs_msk x active_ens_msk, matching ensMask/obsMask), used
// to populate or augment the stored E.
func (d *Data) InitUpdate(ensMask, obsMask mask.Mask, a, e0 *mat.Dense) error {
	if d.a0 == nil {
		d.ensMask = ensMask.Copy()
		d.obsMask0 = obsMask.Copy()
		d.obsMask = obsMask.Copy()
		d.a0 = matrixutil.NewDense(a.RawMatrix().Rows, a.RawMatrix().Cols)
		d.a0.Copy(a)
		d.updateStateSize(a.RawMatrix().Rows)
		d.allocateW()
		d.storeInitialE(e0)
		return nil
	}

	if ensMask.DroppedFrom(d.ensMask) {
		return &ierrors.ErrInvalidState{
			Subject: "ies.Data.InitUpdate",
			Message: "realizations may not vanish mid-assimilation",
		}
	}
	d.ensMask = ensMask.Copy()
	d.obsMask = obsMask.Copy()

	widened := d.obsMask0.Widen(obsMask)
	if widened.Count() > d.obsMask0.Count() {
		d.obsMask0 = widened
		d.augmentInitialE(e0)
	}
	return nil
}

// storeInitialE writes the observation perturbations for the masks
// active at first call into the full-sized E matrix, sentinel-filling
// everything else. Write-once per spec, mirroring
// ies::data_store_initialE, with math.NaN() standing in for the
// original's -999.9 magic-float sentinel.
func (d *Data) storeInitialE(e0 *mat.Dense) {
	if d.e != nil {
		return
	}
	obsSize := d.obsMask0.Size()
	ensSize := d.ensMask.Size()
	d.e = matrixutil.NewDense(obsSize, ensSize)
	for i := 0; i < obsSize; i++ {
		for j := 0; j < ensSize; j++ {
			d.e.Set(i, j, math.NaN())
		}
	}

	m := 0
	for iobs := 0; iobs < obsSize; iobs++ {
		if !d.obsMask0.Get(iobs) {
			continue
		}
		activeIdx := 0
		for iens := 0; iens < ensSize; iens++ {
			if d.ensMask.Get(iens) {
				d.e.Set(iobs, iens, e0.At(m, activeIdx))
				activeIdx++
			}
		}
		m++
	}
}

// augmentInitialE adds rows to the stored E for observations that just
// became active but were not active in the initial mask, mirroring
// ies::data_augment_initialE. d.obsMask0 must already reflect the widened
// mask by the time this is called.
func (d *Data) augmentInitialE(e0 *mat.Dense) {
	if d.e == nil {
		return
	}
	obsSize := d.obsMask0.Size()
	ensSize := d.ensMask.Size()

	m := 0
	for iobs := 0; iobs < obsSize; iobs++ {
		newlyActive := d.obsMask.Get(iobs) && !rowIsStored(d.e, iobs)
		if newlyActive {
			i := -1
			for iens := 0; iens < ensSize; iens++ {
				if d.ensMask.Get(iens) {
					i++
					d.e.Set(iobs, iens, e0.At(m, i))
				}
			}
		}
		if d.obsMask.Get(iobs) {
			m++
		}
	}
}

func rowIsStored(e *mat.Dense, row int) bool {
	_, cols := e.Dims()
	for c := 0; c < cols; c++ {
		if !math.IsNaN(e.At(row, c)) {
			return true
		}
	}
	return false
}

func (d *Data) logger() *log.Entry {
	if d.log != nil {
		return d.log.WithField("component", "ies").WithField("iteration", d.iterationNr)
	}
	return log.WithField("component", "ies").WithField("iteration", d.iterationNr)
}
