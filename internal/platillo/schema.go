package platillo

import (
	"errors"
	"math"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
)

// rules are evaluated per field with no cross-field checks. Tag order matters:
// the first failing tag decides the message.
var rules = map[Field]string{
	FieldName:        "required,min=3",
	FieldPrice:       "required,float,minnum=1",
	FieldCategory:    "required,oneof=" + joinCategories(),
	FieldDescription: "required,min=10",
}

var messages = map[Field]map[string]string{
	FieldName: {
		"required": "El nombre es obligatorio",
		"min":      "Los platillos deben tener al menos 3 caracteres",
	},
	FieldPrice: {
		"required": "El precio es obligatorio",
		"float":    "El precio debe ser un numero",
		"minnum":   "Debes agregar un numero",
	},
	FieldCategory: {
		"required": "La categoria es obligatoria",
		"oneof":    "La categoria no es valida",
	},
	FieldDescription: {
		"required": "La descripcion es obligatoria",
		"min":      "La descripcion debe ser mas larga",
	},
}

// Schema validates drafts. It is safe for concurrent use.
type Schema struct {
	validate *validator.Validate
}

func NewSchema() *Schema {
	v := validator.New()
	// Registration only fails on an empty tag or nil func.
	_ = v.RegisterValidation("float", isFloat)
	_ = v.RegisterValidation("minnum", minNumber)
	return &Schema{validate: v}
}

// Validate returns a message for every failing field. A missing key means the
// field is valid.
func (s *Schema) Validate(d Draft) map[Field]string {
	out := make(map[Field]string)
	for _, f := range Fields {
		if msg := s.ValidateField(d, f); msg != "" {
			out[f] = msg
		}
	}
	return out
}

func (s *Schema) ValidateField(d Draft, f Field) string {
	rule, ok := rules[f]
	if !ok {
		return ""
	}
	err := s.validate.Var(d.value(f), rule)
	if err == nil {
		return ""
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		if msg, ok := messages[f][verrs[0].Tag()]; ok {
			return msg
		}
	}
	return "Valor invalido"
}

// isFloat accepts anything a number input would, exponents included, but
// not NaN or infinities.
func isFloat(fl validator.FieldLevel) bool {
	v, err := strconv.ParseFloat(strings.TrimSpace(fl.Field().String()), 64)
	return err == nil && !math.IsNaN(v) && !math.IsInf(v, 0)
}

func minNumber(fl validator.FieldLevel) bool {
	min, err := strconv.ParseFloat(fl.Param(), 64)
	if err != nil {
		return false
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(fl.Field().String()), 64)
	if err != nil {
		return false
	}
	return v >= min
}

func joinCategories() string {
	parts := make([]string, 0, len(Categories))
	for _, c := range Categories {
		parts = append(parts, string(c))
	}
	return strings.Join(parts, " ")
}
