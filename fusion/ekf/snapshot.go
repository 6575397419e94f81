package ekf

import (
	"encoding/json"
	"io"
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// Snapshot is the persisted filter: the mean in State.Vector order and the row-major covariance.
type Snapshot struct {
	Mean       []float64 `json:"mean"`
	Covariance []float64 `json:"covariance"`
}

// Snapshot copies the mean and covariance.
func (f *Filter) Snapshot() Snapshot {
	cov := make([]float64, 0, StateSize*StateSize)
	for i := 0; i < StateSize; i++ {
		for j := 0; j < StateSize; j++ {
			cov = append(cov, f.p.At(i, j))
		}
	}
	return Snapshot{Mean: f.x.Vector(), Covariance: cov}
}

// Restore replaces the mean and covariance. The covariance must be symmetric with a non-negative
// diagonal; the filter is unchanged on error.
func (f *Filter) Restore(s Snapshot) error {
	state, err := StateFromVector(s.Mean)
	if err != nil {
		return errors.Wrap(err, "restoring mean")
	}
	if len(s.Covariance) != StateSize*StateSize {
		return errors.Errorf("covariance needs %d entries, got %d", StateSize*StateSize, len(s.Covariance))
	}
	cov := mat.NewDense(StateSize, StateSize, append([]float64(nil), s.Covariance...))
	for i := 0; i < StateSize; i++ {
		if d := cov.At(i, i); !(d >= 0) || math.IsInf(d, 0) {
			return errors.Errorf("covariance diagonal entry %d (%s) is %v", i, stateNames[i], d)
		}
		for j := 0; j < i; j++ {
			a, b := cov.At(i, j), cov.At(j, i)
			if math.IsNaN(a) || math.IsInf(a, 0) || math.Abs(a-b) > 1e-9*math.Max(1, math.Abs(a)) {
				return errors.Errorf("covariance is not symmetric at (%d, %d)", i, j)
			}
		}
	}
	f.x = state
	f.p = symmetrize(cov)
	return nil
}

// WriteSnapshot encodes the filter's snapshot as JSON.
func (f *Filter) WriteSnapshot(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return errors.Wrap(enc.Encode(f.Snapshot()), "writing filter snapshot")
}

// ReadSnapshot decodes a snapshot written by WriteSnapshot.
func ReadSnapshot(r io.Reader) (Snapshot, error) {
	var s Snapshot
	if err := json.NewDecoder(r).Decode(&s); err != nil {
		return Snapshot{}, errors.Wrap(err, "reading filter snapshot")
	}
	return s, nil
}
