package tract

import "github.com/rotisserie/eris"

// Failure taxonomy of the aggregation engine. None of these escape Aggregate;
// they are matched with eris.Is inside the pipeline and mapped onto flags of
// the returned holdings.
var (
	// ErrInvalidGeometry marks a parcel ring that cannot be clustered.
	ErrInvalidGeometry = eris.New("tract: invalid geometry")

	// ErrUnionFailure marks a polygon union step that failed or produced an
	// invalid result.
	ErrUnionFailure = eris.New("tract: union failure")

	// ErrBudgetExceeded marks a run interrupted by its context or time budget.
	ErrBudgetExceeded = eris.New("tract: budget exceeded")
)
