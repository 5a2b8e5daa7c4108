// Public domain.

package afoe

import "fmt"

// Phase is the explicit state of the solver iteration.  Terminal phases
// report how an inversion ended; they are outcomes carried in the
// result, never failures that abort processing.
type Phase int

const (
	// Initialized: state vector set to the initial guess, no forward
	// evaluation yet.
	Initialized Phase = iota

	// Iterating: at least one step accepted, convergence tests not
	// yet satisfied.
	Iterating

	// Converged: relative cost change or step magnitude fell below
	// tolerance.
	Converged

	// Diverged: no cost-reducing step could be found despite damping
	// increases, or the forward model failed mid-iteration.
	Diverged

	// MaxIterationsExceeded: iteration limit reached before any
	// convergence test was satisfied.
	MaxIterationsExceeded
)

var phaseStrings = []string{
	"Initialized",
	"Iterating",
	"Converged",
	"Diverged",
	"MaxIterationsExceeded",
}

func (p Phase) String() string {
	if p < 0 || int(p) >= len(phaseStrings) {
		return fmt.Sprintf("Phase(%d)", int(p))
	}
	return phaseStrings[p]
}

// Terminal reports whether p ends an inversion.
func (p Phase) Terminal() bool {
	return p == Converged || p == Diverged || p == MaxIterationsExceeded
}
