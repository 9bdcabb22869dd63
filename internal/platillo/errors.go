package platillo

import (
	"errors"
	"fmt"
)

var (
	ErrUploadInProgress = errors.New("platillo: image upload already in progress")
	ErrUploadPending    = errors.New("platillo: image upload has not finished")
	ErrImageRequired    = errors.New("platillo: image is required")
	ErrSubmitInProgress = errors.New("platillo: submission already in progress")
	ErrAlreadySubmitted = errors.New("platillo: form already submitted")
	ErrPersist          = errors.New("platillo: could not persist record")
	ErrInvalidPolicy    = errors.New("platillo: invalid image policy")
	ErrUnknownField     = errors.New("platillo: unknown field")
)

// PersistFailedNotice is shown to the user when the record could not be saved.
const PersistFailedNotice = "No se pudo guardar el platillo, intenta de nuevo"

// ValidationError carries the per-field messages of a rejected submission.
type ValidationError struct {
	Fields map[Field]string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("platillo: %d invalid field(s)", len(e.Fields))
}
