// Package mask implements the boolean-vector selection primitive shared
// by the ensemble and observation masks in pkg/ies: "inactive indices are
// skipped without renumbering."
package mask

// Mask is a boolean vector selecting active indices out of a fixed-size
// universe. Index i is active iff Mask[i] is true.
type Mask []bool

// New returns a mask of the given size with every index false.
func New(size int) Mask {
	return make(Mask, size)
}

// FromIndices returns a mask of the given size with exactly the listed
// indices set true.
func FromIndices(size int, active ...int) Mask {
	m := New(size)
	for _, i := range active {
		m[i] = true
	}
	return m
}

// Copy returns an independent copy of m.
func (m Mask) Copy() Mask {
	out := make(Mask, len(m))
	copy(out, m)
	return out
}

// Count returns the number of true entries, i.e. count_true(mask).
func (m Mask) Count() int {
	n := 0
	for _, v := range m {
		if v {
			n++
		}
	}
	return n
}

// Get returns the value at index i.
func (m Mask) Get(i int) bool {
	return m[i]
}

// Set sets the value at index i.
func (m Mask) Set(i int, v bool) {
	m[i] = v
}

// Size returns the full (not active) length of the mask.
func (m Mask) Size() int {
	return len(m)
}

// Indices returns the list of active indices in ascending order.
func (m Mask) Indices() []int {
	out := make([]int, 0, m.Count())
	for i, v := range m {
		if v {
			out = append(out, i)
		}
	}
	return out
}

// Implies reports whether, for every index i, m[i] ⇒ other[i]. Used to
// verify the invariant "obs_mask_current[i] ⇒ obs_mask0[i]".
func (m Mask) Implies(other Mask) bool {
	if len(m) != len(other) {
		return false
	}
	for i, v := range m {
		if v && !other[i] {
			return false
		}
	}
	return true
}

// DroppedFrom reports whether any index active in previous is inactive
// in m — i.e. whether m has dropped a realization previous had active.
// Used by the IES mask-reconciliation fatal check: "if any previously
// active ensemble member became inactive, abort."
func (m Mask) DroppedFrom(previous Mask) bool {
	if len(m) != len(previous) {
		return true
	}
	for i, wasActive := range previous {
		if wasActive && !m[i] {
			return true
		}
	}
	return false
}

// Widen returns a copy of base with every index active in addition also
// set active, leaving everything else untouched.
func (m Mask) Widen(addition Mask) Mask {
	out := m.Copy()
	for i, v := range addition {
		if v {
			out[i] = true
		}
	}
	return out
}
