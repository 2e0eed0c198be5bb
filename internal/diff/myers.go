package diff

import "errors"

var errCeiling = errors.New("edit distance ceiling exceeded")

// aligner runs the linear-space variant of Myers' O((N+M)D) search. It does
// not build the script directly: it marks which tokens of a are deleted and
// which tokens of b are inserted, and buildOps walks the marks.
type aligner struct {
	a, b     []int
	deleted  []bool
	inserted []bool
	limit    int

	// Shared by every bisect call; the first call is the largest.
	vf, vb []int
}

func newAligner(a, b []int, limit int) *aligner {
	return &aligner{
		a:        a,
		b:        b,
		deleted:  make([]bool, len(a)),
		inserted: make([]bool, len(b)),
		limit:    limit,
	}
}

func (al *aligner) run() error {
	if err := al.compare(0, len(al.a), 0, len(al.b)); err != nil {
		if errors.Is(err, errCeiling) {
			return &AlignmentTimeoutError{Limit: al.limit}
		}
		return err
	}
	return nil
}

// compare marks the edits between a[aLo:aHi] and b[bLo:bHi].
func (al *aligner) compare(aLo, aHi, bLo, bHi int) error {
	for aLo < aHi && bLo < bHi && al.a[aLo] == al.b[bLo] {
		aLo++
		bLo++
	}
	for aLo < aHi && bLo < bHi && al.a[aHi-1] == al.b[bHi-1] {
		aHi--
		bHi--
	}

	switch {
	case aLo == aHi:
		if al.exceeds(bHi - bLo) {
			return errCeiling
		}
		for j := bLo; j < bHi; j++ {
			al.inserted[j] = true
		}
		return nil
	case bLo == bHi:
		if al.exceeds(aHi - aLo) {
			return errCeiling
		}
		for i := aLo; i < aHi; i++ {
			al.deleted[i] = true
		}
		return nil
	}

	x, y, found, err := al.bisect(aLo, aHi, bLo, bHi)
	if err != nil {
		return err
	}
	if !found {
		for i := aLo; i < aHi; i++ {
			al.deleted[i] = true
		}
		for j := bLo; j < bHi; j++ {
			al.inserted[j] = true
		}
		return nil
	}
	if err := al.compare(aLo, x, bLo, y); err != nil {
		return err
	}
	return al.compare(x, aHi, y, bHi)
}

// bisect finds a point (x, y) on an optimal path through the edit graph of
// a[aLo:aHi] and b[bLo:bHi] by running the search from both corners until
// the two frontiers overlap. Both ranges are non-empty and differ in their
// first and last tokens, so the distance is at least two and the split point
// is strictly inside the graph. Without a ceiling the loop runs up to maxD
// rounds.
func (al *aligner) bisect(aLo, aHi, bLo, bHi int) (int, int, bool, error) {
	n := aHi - aLo
	m := bHi - bLo
	maxD := (n + m + 1) / 2
	offset := maxD
	size := 2*maxD + 2
	if cap(al.vf) < size {
		al.vf = make([]int, size)
		al.vb = make([]int, size)
	}
	vf := al.vf[:size]
	vb := al.vb[:size]
	for i := range vf {
		vf[i] = -1
		vb[i] = -1
	}
	vf[offset+1] = 0
	vb[offset+1] = 0

	delta := n - m
	front := delta%2 != 0
	fStart, fEnd, bStart, bEnd := 0, 0, 0, 0

	for d := 0; d < maxD; d++ {
		// No overlap through d-1 in both directions means the distance is
		// at least 2d-1.
		if al.exceeds(2*d - 1) {
			return 0, 0, false, errCeiling
		}

		for k := -d + fStart; k <= d-fEnd; k += 2 {
			ki := offset + k
			var x int
			if k == -d || (k != d && vf[ki-1] < vf[ki+1]) {
				x = vf[ki+1]
			} else {
				x = vf[ki-1] + 1
			}
			y := x - k
			for x < n && y < m && al.a[aLo+x] == al.b[bLo+y] {
				x++
				y++
			}
			vf[ki] = x
			switch {
			case x > n:
				fEnd += 2
			case y > m:
				fStart += 2
			case front:
				bi := offset + delta - k
				if bi >= 0 && bi < size && vb[bi] != -1 && x >= n-vb[bi] {
					if al.exceeds(2*d - 1) {
						return 0, 0, false, errCeiling
					}
					return aLo + x, bLo + y, true, nil
				}
			}
		}

		for k := -d + bStart; k <= d-bEnd; k += 2 {
			ki := offset + k
			var x int
			if k == -d || (k != d && vb[ki-1] < vb[ki+1]) {
				x = vb[ki+1]
			} else {
				x = vb[ki-1] + 1
			}
			y := x - k
			for x < n && y < m && al.a[aHi-1-x] == al.b[bHi-1-y] {
				x++
				y++
			}
			vb[ki] = x
			switch {
			case x > n:
				bEnd += 2
			case y > m:
				bStart += 2
			case !front:
				fi := offset + delta - k
				if fi >= 0 && fi < size && vf[fi] != -1 {
					fx := vf[fi]
					fy := fx - (delta - k)
					if fx >= n-x {
						if al.exceeds(2 * d) {
							return 0, 0, false, errCeiling
						}
						return aLo + fx, bLo + fy, true, nil
					}
				}
			}
		}
	}
	if al.exceeds(n + m) {
		return 0, 0, false, errCeiling
	}
	return 0, 0, false, nil
}

func (al *aligner) exceeds(d int) bool {
	return al.limit > 0 && d > al.limit
}
