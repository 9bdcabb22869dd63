package records

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"platilloadmin/internal/db"
	"platilloadmin/internal/platillo"
)

var ErrInvalidCollection = errors.New("records: invalid collection name")

var tracer = otel.Tracer("platilloadmin/internal/records")

// MySQL keeps each collection in its own table.
type MySQL struct {
	db  *sql.DB
	now func() time.Time
}

func NewMySQL(conn *sql.DB) *MySQL {
	return &MySQL{db: conn, now: time.Now}
}

func (m *MySQL) AddRecord(ctx context.Context, collection string, item platillo.MenuItem) (platillo.MenuItem, error) {
	if !db.ValidCollection(collection) {
		return platillo.MenuItem{}, fmt.Errorf("%w: %q", ErrInvalidCollection, collection)
	}
	ctx, span := tracer.Start(ctx, "records.AddRecord")
	defer span.End()
	span.SetAttributes(attribute.String("records.collection", collection))

	item.ID = uuid.NewString()
	item.CreatedAt = m.now().UTC().Truncate(time.Millisecond)

	available := 0
	if item.Available {
		available = 1
	}
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO `+"`"+collection+"`"+`
			(id, nombre, precio, categoria, descripcion, imagen, existencia, creado)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, item.ID,
		item.Name,
		item.Price,
		string(item.Category),
		item.Description,
		item.ImageURL,
		available,
		item.CreatedAt,
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "insert failed")
		return platillo.MenuItem{}, fmt.Errorf("insert into %s: %w", collection, err)
	}
	return item, nil
}

// List returns the newest platillos first.
func (m *MySQL) List(ctx context.Context, collection string, limit int) ([]platillo.MenuItem, error) {
	if !db.ValidCollection(collection) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidCollection, collection)
	}
	if limit <= 0 || limit > 500 {
		limit = 200
	}
	ctx, span := tracer.Start(ctx, "records.List")
	defer span.End()

	rows, err := m.db.QueryContext(ctx, `
		SELECT id, nombre, precio, categoria, descripcion, imagen, existencia, creado
		FROM `+"`"+collection+"`"+`
		ORDER BY creado DESC, id ASC
		LIMIT ?
	`, limit)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("query %s: %w", collection, err)
	}
	defer rows.Close()

	out := []platillo.MenuItem{}
	for rows.Next() {
		var (
			it        platillo.MenuItem
			category  string
			available int
		)
		if err := rows.Scan(&it.ID, &it.Name, &it.Price, &category, &it.Description, &it.ImageURL, &available, &it.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan %s: %w", collection, err)
		}
		it.Category = platillo.Category(category)
		it.Available = available != 0
		out = append(out, it)
	}
	return out, rows.Err()
}
