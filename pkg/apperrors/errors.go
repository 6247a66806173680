package apperrors

import "errors"

var (
	ErrNotFound               = errors.New("not found")
	ErrConflict               = errors.New("conflict")
	ErrInvalidConfig          = errors.New("invalid data source configuration")
	ErrUnsupportedType        = errors.New("unsupported data source type")
	ErrInvalidTransition      = errors.New("invalid sync status transition")
	ErrCampaignMappingMissing = errors.New("no campaign mapping for external id")
	ErrTooManyInvalidRows     = errors.New("too many invalid rows")
	ErrSyncInProgress         = errors.New("sync already queued or running")
	ErrMissingCredentials     = errors.New("data source credentials missing or incomplete")
	ErrCredentialsKeyMismatch = errors.New("data source credentials were encrypted with a different key")
)
