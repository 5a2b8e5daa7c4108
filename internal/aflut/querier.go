// Public domain.

package aflut

import (
	"fmt"
	"sort"
)

// DomainPolicy selects what a Querier does with query points outside
// the table grid.
type DomainPolicy int

const (
	// ClampDomain moves out of domain queries to the nearest grid
	// edge.  The default.
	ClampDomain DomainPolicy = iota

	// FailDomain makes out of domain queries fail with
	// *OutOfDomainError.
	FailDomain
)

// OutOfDomainError reports a query point outside the table grid.
type OutOfDomainError struct {
	Dim    int
	Name   string
	Value  float64
	Lo, Hi float64
}

func (e *OutOfDomainError) Error() string {
	return fmt.Sprintf("aflut: %s = %g outside table domain [%g,%g]",
		e.Name, e.Value, e.Lo, e.Hi)
}

// Querier performs multilinear interpolation queries against a Table.
//
// The enclosing-cell corner structure and the result buffers are
// memoized in the Querier so that repeated queries allocate nothing.
// A Querier is not safe for concurrent use; create one per goroutine.
// The underlying Table is immutable and may be shared.
type Querier struct {
	t      *Table
	policy DomainPolicy

	corner []int // flat grid offset of each of the 2^n cell corners

	lo      []int     // lower bracket index per dimension
	frac    []float64 // fractional cell position per dimension
	step    []float64 // enclosing cell width per dimension
	clamped bool

	val Terms
	der []Terms
}

// NewQuerier creates an interpolation workspace over the table.
func (t *Table) NewQuerier(policy DomainPolicy) *Querier {
	n := len(t.Grids)
	q := &Querier{
		t:      t,
		policy: policy,
		lo:     make([]int, n),
		frac:   make([]float64, n),
		step:   make([]float64, n),
		val:    newTerms(len(t.Wave)),
		der:    make([]Terms, n),
	}
	for d := range q.der {
		q.der[d] = newTerms(len(t.Wave))
	}
	// corner offsets in the flat grid, relative to the lower corner of
	// the enclosing cell.  bit d of the corner number selects the upper
	// grid point of dimension d.  collapsed dimensions (a single grid
	// point) get stride 0 so their upper corner aliases the lower; its
	// interpolation weight is always 0 there.
	stride := make([]int, n)
	s := 1
	for d := n - 1; d >= 0; d-- {
		if len(t.Grids[d]) > 1 {
			stride[d] = s
		}
		s *= len(t.Grids[d])
	}
	q.corner = make([]int, 1<<uint(n))
	for c := range q.corner {
		off := 0
		for d := 0; d < n; d++ {
			if c&(1<<uint(d)) != 0 {
				off += stride[d]
			}
		}
		q.corner[c] = off
	}
	return q
}

func newTerms(nw int) Terms {
	return Terms{
		PathRefl: make([]float64, nw),
		SphAlb:   make([]float64, nw),
		TransDn:  make([]float64, nw),
		TransUp:  make([]float64, nw),
	}
}

// Clamped reports whether the most recent query was moved to the grid
// edge by the ClampDomain policy.
func (q *Querier) Clamped() bool { return q.clamped }

// Domain returns the inclusive bounds of the table grid per dimension.
func (q *Querier) Domain() (lo, hi []float64) { return q.t.Domain() }

// locate finds the enclosing cell and fractional position of x,
// applying the domain policy.
func (q *Querier) locate(x []float64) error {
	q.clamped = false
	for d, g := range q.t.Grids {
		v := x[d]
		if v < g[0] || v > g[len(g)-1] {
			if q.policy == FailDomain {
				return &OutOfDomainError{
					Dim:   d,
					Name:  q.t.Names[d],
					Value: v,
					Lo:    g[0],
					Hi:    g[len(g)-1],
				}
			}
			q.clamped = true
			if v < g[0] {
				v = g[0]
			} else {
				v = g[len(g)-1]
			}
		}
		if len(g) == 1 {
			q.lo[d], q.frac[d], q.step[d] = 0, 0, 1
			continue
		}
		// first grid point >= v, backed up to the bracket below
		j := sort.SearchFloat64s(g, v)
		if j > 0 {
			j--
		}
		if j > len(g)-2 {
			j = len(g) - 2
		}
		h := g[j+1] - g[j]
		q.lo[d], q.frac[d], q.step[d] = j, (v-g[j])/h, h
	}
	return nil
}

// Query interpolates the table at atmospheric state x, returning the
// reconstruction terms and their partial derivatives with respect to
// each grid dimension.
//
// The returned Terms share buffers owned by the Querier and are valid
// only until the next Query call.
func (q *Querier) Query(x []float64) (Terms, []Terms, error) {
	n := len(q.t.Grids)
	if len(x) != n {
		return Terms{}, nil, fmt.Errorf(
			"aflut: query has %d dimensions, table has %d", len(x), n)
	}
	if err := q.locate(x); err != nil {
		return Terms{}, nil, err
	}
	nw := len(q.t.Wave)
	zeroTerms(&q.val)
	for d := range q.der {
		zeroTerms(&q.der[d])
	}
	base := q.t.Mx(q.lo) * nw
	for c, off := range q.corner {
		p := base + off*nw
		// value weight: product of axis weights
		w := 1.
		for d := 0; d < n; d++ {
			if c&(1<<uint(d)) != 0 {
				w *= q.frac[d]
			} else {
				w *= 1 - q.frac[d]
			}
		}
		if w != 0 {
			q.accum(&q.val, p, w)
		}
		// derivative weight along axis d: gradient of the axis d
		// weight times the other axis weights
		for d := 0; d < n; d++ {
			if len(q.t.Grids[d]) == 1 {
				continue
			}
			gw := 1 / q.step[d]
			if c&(1<<uint(d)) == 0 {
				gw = -gw
			}
			for d2 := 0; d2 < n; d2++ {
				if d2 == d {
					continue
				}
				if c&(1<<uint(d2)) != 0 {
					gw *= q.frac[d2]
				} else {
					gw *= 1 - q.frac[d2]
				}
			}
			if gw != 0 {
				q.accum(&q.der[d], p, gw)
			}
		}
	}
	return q.val, q.der, nil
}

func zeroTerms(t *Terms) {
	for i := range t.PathRefl {
		t.PathRefl[i] = 0
		t.SphAlb[i] = 0
		t.TransDn[i] = 0
		t.TransUp[i] = 0
	}
}

func (q *Querier) accum(dst *Terms, p int, w float64) {
	t := q.t
	for i := range dst.PathRefl {
		dst.PathRefl[i] += w * t.PathRefl[p+i]
		dst.SphAlb[i] += w * t.SphAlb[p+i]
		dst.TransDn[i] += w * t.TransDn[p+i]
		dst.TransUp[i] += w * t.TransUp[p+i]
	}
}
