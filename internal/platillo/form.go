package platillo

import (
	"context"
	"maps"
	"sync"

	"go.uber.org/zap"
)

// FormState is what the admin panel renders.
type FormState struct {
	Values    Draft            `json:"values"`
	Touched   map[Field]bool   `json:"touched"`
	Errors    map[Field]string `json:"errors"`
	Upload    UploadState      `json:"upload"`
	CanSubmit bool             `json:"canSubmit"`
}

// Form tracks the values of one "new platillo" form. Field errors are
// recomputed on every change and blur but only shown once a field is touched.
type Form struct {
	mu         sync.Mutex
	draft      Draft
	touched    map[Field]bool
	errors     map[Field]string
	submitting bool
	submitted  bool

	schema    *Schema
	upload    *UploadCoordinator
	submitter *Submitter
	policy    ImagePolicy
	log       *zap.Logger
}

func NewForm(schema *Schema, upload *UploadCoordinator, submitter *Submitter, policy ImagePolicy, log *zap.Logger) *Form {
	if log == nil {
		log = zap.NewNop()
	}
	f := &Form{
		touched:   make(map[Field]bool),
		schema:    schema,
		upload:    upload,
		submitter: submitter,
		policy:    policy,
		log:       log,
	}
	f.errors = schema.Validate(f.draft)
	return f
}

// SetFieldValue never fails; unknown fields are logged and ignored.
func (f *Form) SetFieldValue(field Field, value string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.draft.set(field, value) {
		f.log.Warn("[form] ignoring unknown field", zap.String("field", string(field)))
		return
	}
	f.revalidateLocked(field)
}

func (f *Form) MarkTouched(field Field) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := rules[field]; !ok {
		return
	}
	f.touched[field] = true
	f.revalidateLocked(field)
}

func (f *Form) revalidateLocked(field Field) {
	if msg := f.schema.ValidateField(f.draft, field); msg != "" {
		f.errors[field] = msg
	} else {
		delete(f.errors, field)
	}
}

// VisibleError returns the field error only once the field has been touched.
func (f *Form) VisibleError(field Field) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.touched[field] {
		return ""
	}
	return f.errors[field]
}

func (f *Form) Snapshot() FormState {
	f.mu.Lock()
	defer f.mu.Unlock()

	upload := f.upload.Snapshot()
	visible := make(map[Field]string)
	for field, msg := range f.errors {
		if f.touched[field] {
			visible[field] = msg
		}
	}
	return FormState{
		Values:    f.draft,
		Touched:   maps.Clone(f.touched),
		Errors:    visible,
		Upload:    upload,
		CanSubmit: len(f.errors) == 0 && upload.Gate(f.policy) == nil && !f.submitting && !f.submitted,
	}
}

// Submit validates the whole draft and, when valid and the upload gate allows
// it, hands a snapshot of the draft and the upload state to the submitter.
// A failed validation marks every field touched so all errors show.
func (f *Form) Submit(ctx context.Context, nav Navigator) (MenuItem, error) {
	f.mu.Lock()
	if f.submitted {
		f.mu.Unlock()
		return MenuItem{}, ErrAlreadySubmitted
	}
	if f.submitting {
		f.mu.Unlock()
		return MenuItem{}, ErrSubmitInProgress
	}

	f.errors = f.schema.Validate(f.draft)
	if len(f.errors) > 0 {
		for _, field := range Fields {
			f.touched[field] = true
		}
		verr := &ValidationError{Fields: maps.Clone(f.errors)}
		f.mu.Unlock()
		return MenuItem{}, verr
	}

	// One snapshot feeds both the gate and the record, so a URL resolved
	// after this point cannot change what gets saved.
	upload := f.upload.Snapshot()
	if err := upload.Gate(f.policy); err != nil {
		f.mu.Unlock()
		return MenuItem{}, err
	}
	f.submitting = true
	draft := f.draft
	f.mu.Unlock()

	item, err := f.submitter.Submit(ctx, draft, upload, nav)

	f.mu.Lock()
	f.submitting = false
	if err == nil {
		f.submitted = true
	}
	f.mu.Unlock()
	return item, err
}
