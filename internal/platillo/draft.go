package platillo

import (
	"strings"
	"time"
)

// Field names match the form inputs of the admin panel.
type Field string

const (
	FieldName        Field = "nombre"
	FieldPrice       Field = "precio"
	FieldCategory    Field = "categoria"
	FieldDescription Field = "descripcion"
)

// Fields lists the user-editable fields in display order.
var Fields = []Field{FieldName, FieldPrice, FieldCategory, FieldDescription}

func ParseField(raw string) (Field, bool) {
	f := Field(strings.ToLower(strings.TrimSpace(raw)))
	for _, known := range Fields {
		if f == known {
			return f, true
		}
	}
	return "", false
}

type Category string

const (
	CategoryBreakfast Category = "desayuno"
	CategoryLunch     Category = "comida"
	CategoryDinner    Category = "cena"
	CategoryBeverage  Category = "bebida"
	CategoryDessert   Category = "postre"
	CategorySalad     Category = "ensalada"
)

var Categories = []Category{
	CategoryBreakfast,
	CategoryLunch,
	CategoryDinner,
	CategoryBeverage,
	CategoryDessert,
	CategorySalad,
}

// Draft holds the raw form values. Price stays a string until submission so
// that non-numeric input can be reported instead of silently coerced.
type Draft struct {
	Name        string `json:"nombre"`
	Price       string `json:"precio"`
	Category    string `json:"categoria"`
	Description string `json:"descripcion"`
}

func (d Draft) value(f Field) string {
	switch f {
	case FieldName:
		return d.Name
	case FieldPrice:
		return d.Price
	case FieldCategory:
		return d.Category
	case FieldDescription:
		return d.Description
	}
	return ""
}

func (d *Draft) set(f Field, v string) bool {
	switch f {
	case FieldName:
		d.Name = v
	case FieldPrice:
		d.Price = strings.TrimSpace(v)
	case FieldCategory:
		d.Category = strings.TrimSpace(v)
	case FieldDescription:
		d.Description = v
	default:
		return false
	}
	return true
}

// MenuItem is the persisted platillo.
type MenuItem struct {
	ID          string    `json:"id"`
	Name        string    `json:"nombre"`
	Price       float64   `json:"precio"`
	Category    Category  `json:"categoria"`
	Description string    `json:"descripcion"`
	ImageURL    string    `json:"imagen"`
	Available   bool      `json:"existencia"`
	CreatedAt   time.Time `json:"creado"`
}
