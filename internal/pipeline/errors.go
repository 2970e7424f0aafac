package pipeline

import "github.com/canopyos/updater/internal/apperrors"

// Sentinel errors live in internal/apperrors, not here: internal/registry
// and internal/version both need to wrap the same errors the pipeline
// does, and importing this package from there would cycle back through
// Update's dependencies on both. These aliases keep the familiar names
// available to pipeline call sites and anything that imports pipeline.
var (
	ErrConfig     = apperrors.ErrConfig
	ErrSubprocess = apperrors.ErrSubprocess
	ErrRegistry   = apperrors.ErrRegistry
	ErrIO         = apperrors.ErrIO
	ErrVerify     = apperrors.ErrVerify
	ErrHealth     = apperrors.ErrHealth
	ErrCancelled  = apperrors.ErrCancelled
)
