package syncengine

import "errors"

var (
	// ErrRollbackTooDeep is returned when a fork's common ancestor lies
	// beyond Config.MaxRollbackDepth, spec.md §4.3.
	ErrRollbackTooDeep = errors.New("syncengine: fork deeper than max rollback depth")

	// ErrHeaderMissing is returned when the upstream node reports no
	// header id at a height the engine expected to fetch.
	ErrHeaderMissing = errors.New("syncengine: no header id at requested height")
)
