// Package fiducial detects and renders square binary markers: an N×N payload of black and white
// cells inside a one-cell black border, surrounded by a white quiet zone.
package fiducial

import (
	"math/bits"
	"math/rand"
	"sync"

	"github.com/pkg/errors"
)

// Dictionary is a family of marker codes. Code bit r*Bits+c is payload cell (row r, column c) of the
// upright marker, row 0 at the top; a set bit is a white cell.
type Dictionary struct {
	Name string
	Bits int
	// MinDistance is the smallest Hamming distance between any two codes under any rotation,
	// and between each code and its own rotations.
	MinDistance int
	Codes       []uint64
}

// GenerateDictionary deterministically draws size codes of bits×bits cells that are pairwise at least
// minDistance apart under rotation.
func GenerateDictionary(name string, bitsPerSide, size, minDistance int, seed int64) (*Dictionary, error) {
	if bitsPerSide < 3 || bitsPerSide > 8 {
		return nil, errors.Errorf("marker payload must be between 3 and 8 cells wide, got %d", bitsPerSide)
	}
	if size <= 0 || minDistance <= 0 {
		return nil, errors.Errorf("invalid dictionary size %d or minimum distance %d", size, minDistance)
	}
	const maxAttempts = 2000000
	dict := &Dictionary{Name: name, Bits: bitsPerSide, MinDistance: minDistance}
	rng := rand.New(rand.NewSource(seed))
	mask := uint64(1)<<uint(bitsPerSide*bitsPerSide) - 1
	for attempt := 0; attempt < maxAttempts && len(dict.Codes) < size; attempt++ {
		candidate := rng.Uint64() & mask
		if dict.accepts(candidate) {
			dict.Codes = append(dict.Codes, candidate)
		}
	}
	if len(dict.Codes) < size {
		return nil, errors.Errorf("could only place %d of %d codes at distance %d", len(dict.Codes), size, minDistance)
	}
	return dict, nil
}

func (d *Dictionary) accepts(candidate uint64) bool {
	rot := candidate
	for k := 1; k < 4; k++ {
		rot = d.rotate(rot)
		if bits.OnesCount64(candidate^rot) < d.MinDistance {
			return false
		}
	}
	for _, code := range d.Codes {
		rot := candidate
		for k := 0; k < 4; k++ {
			if bits.OnesCount64(code^rot) < d.MinDistance {
				return false
			}
			rot = d.rotate(rot)
		}
	}
	return true
}

// rotate turns a code a quarter turn clockwise as seen in the image.
func (d *Dictionary) rotate(code uint64) uint64 {
	n := d.Bits
	var out uint64
	for r := 0; r < n; r++ {
		for c := 0; c < n; c++ {
			// new[r][c] = old[n-1-c][r]
			if code&(1<<uint((n-1-c)*n+r)) != 0 {
				out |= 1 << uint(r*n+c)
			}
		}
	}
	return out
}

// Code returns the code for id.
func (d *Dictionary) Code(id int) (uint64, error) {
	if id < 0 || id >= len(d.Codes) {
		return 0, errors.Errorf("marker id %d is outside dictionary %q of size %d", id, d.Name, len(d.Codes))
	}
	return d.Codes[id], nil
}

// CorrectableBits is the number of bit errors that still identify a unique code.
func (d *Dictionary) CorrectableBits() int {
	return (d.MinDistance - 1) / 2
}

// Match finds the code closest to observed. rotation is the number of clockwise quarter turns
// that take the upright code to the observed one.
func (d *Dictionary) Match(observed uint64) (id, rotation, hamming int) {
	id, hamming = -1, d.Bits*d.Bits+1
	for i, code := range d.Codes {
		rot := code
		for k := 0; k < 4; k++ {
			if dist := bits.OnesCount64(rot ^ observed); dist < hamming {
				id, rotation, hamming = i, k, dist
			}
			rot = d.rotate(rot)
		}
	}
	return id, rotation, hamming
}

var (
	dict4x4Once sync.Once
	dict4x4     *Dictionary
	dict5x5Once sync.Once
	dict5x5     *Dictionary
)

// Dict4x4_50 has 50 codes of 4×4 cells, correcting one bit.
//
//nolint:revive,stylecheck
func Dict4x4_50() *Dictionary {
	dict4x4Once.Do(func() {
		dict4x4 = mustGenerate("4x4_50", 4, 50, 3, 0x4450)
	})
	return dict4x4
}

// Dict5x5_100 has 100 codes of 5×5 cells, correcting two bits.
//
//nolint:revive,stylecheck
func Dict5x5_100() *Dictionary {
	dict5x5Once.Do(func() {
		dict5x5 = mustGenerate("5x5_100", 5, 100, 5, 0x55100)
	})
	return dict5x5
}

// DictionaryByName looks up one of the predefined dictionaries.
func DictionaryByName(name string) (*Dictionary, error) {
	switch name {
	case "4x4_50", "":
		return Dict4x4_50(), nil
	case "5x5_100":
		return Dict5x5_100(), nil
	default:
		return nil, errors.Errorf("unknown marker dictionary %q", name)
	}
}

func mustGenerate(name string, bitsPerSide, size, minDistance int, seed int64) *Dictionary {
	d, err := GenerateDictionary(name, bitsPerSide, size, minDistance, seed)
	if err != nil {
		panic(err)
	}
	return d
}
