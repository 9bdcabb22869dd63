package platillo

import (
	"context"
	"fmt"
	"strconv"

	"go.uber.org/zap"
)

// Records persists platillos into a named collection.
type Records interface {
	AddRecord(ctx context.Context, collection string, item MenuItem) (MenuItem, error)
}

// Navigator moves the user to another view of the admin panel.
type Navigator interface {
	GoTo(path string)
}

type NavigatorFunc func(path string)

func (f NavigatorFunc) GoTo(path string) { f(path) }

// Submitter turns a validated draft into a saved record and navigates away.
type Submitter struct {
	records    Records
	collection string
	menuPath   string
	log        *zap.Logger
}

func NewSubmitter(records Records, collection, menuPath string, log *zap.Logger) *Submitter {
	if log == nil {
		log = zap.NewNop()
	}
	return &Submitter{
		records:    records,
		collection: collection,
		menuPath:   menuPath,
		log:        log,
	}
}

// Submit saves the record with available=true and the resolved image URL,
// which may be empty. On a persistence error nothing navigates and the caller
// keeps the draft.
func (s *Submitter) Submit(ctx context.Context, d Draft, upload UploadState, nav Navigator) (MenuItem, error) {
	price, err := strconv.ParseFloat(d.Price, 64)
	if err != nil {
		return MenuItem{}, fmt.Errorf("platillo: parse price %q: %w", d.Price, err)
	}

	item := MenuItem{
		Name:        d.Name,
		Price:       price,
		Category:    Category(d.Category),
		Description: d.Description,
		ImageURL:    upload.ResolvedURL,
		Available:   true,
	}

	saved, err := s.records.AddRecord(ctx, s.collection, item)
	if err != nil {
		s.log.Error("[submit] persist failed",
			zap.String("collection", s.collection),
			zap.String("nombre", item.Name),
			zap.Error(err),
		)
		return MenuItem{}, fmt.Errorf("%w: %w", ErrPersist, err)
	}

	s.log.Info("[submit] platillo saved", zap.String("id", saved.ID), zap.String("nombre", saved.Name))
	nav.GoTo(s.menuPath)
	return saved, nil
}
