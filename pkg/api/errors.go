package api

import (
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"

	"github.com/mihaimyh/storyflow/pkg/auth"
	"github.com/mihaimyh/storyflow/pkg/internal/httpx"
	"github.com/mihaimyh/storyflow/pkg/storyflow"
)

// FieldErrors is a validation failure with one message per offending field.
// It unwraps to storyflow.ErrValidation.
type FieldErrors struct {
	order  []string
	fields map[string]string
}

func (e *FieldErrors) add(field, msg string) *FieldErrors {
	if e.fields == nil {
		e.fields = make(map[string]string)
	}
	if _, ok := e.fields[field]; !ok {
		e.order = append(e.order, field)
	}
	e.fields[field] = msg
	return e
}

func fieldError(field, msg string) *FieldErrors {
	return (&FieldErrors{}).add(field, msg)
}

// Fields returns the per-field messages
func (e *FieldErrors) Fields() map[string]string {
	return e.fields
}

func (e *FieldErrors) Error() string {
	if len(e.order) == 0 {
		return storyflow.ErrValidation.Error()
	}
	first := e.order[0]
	return fmt.Sprintf("%s %s", first, e.fields[first])
}

func (e *FieldErrors) Unwrap() error {
	return storyflow.ErrValidation
}

type errorResponse struct {
	Error  string            `json:"error"`
	Fields map[string]string `json:"fields,omitempty"`
}

const messageInternal = "internal server error"

// writeError maps the error taxonomy onto status codes. Anything unclassified
// is a 500 whose body carries no detail.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var fe *FieldErrors
	switch {
	case errors.As(err, &fe):
		h.respond(w, http.StatusBadRequest, errorResponse{Error: fe.Error(), Fields: fe.Fields()})
	case errors.Is(err, httpx.ErrPayloadTooLarge):
		h.respond(w, http.StatusRequestEntityTooLarge, errorResponse{Error: "payload too large"})
	case errors.Is(err, httpx.ErrEmptyBody):
		h.respond(w, http.StatusBadRequest, errorResponse{Error: "request body is required"})
	case errors.Is(err, errInvalidJSON):
		h.respond(w, http.StatusBadRequest, errorResponse{Error: "invalid json"})
	case errors.Is(err, storyflow.ErrValidation):
		h.respond(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	case errors.Is(err, storyflow.ErrUnauthorized):
		h.respond(w, http.StatusUnauthorized, errorResponse{Error: "unauthorized"})
	case errors.Is(err, storyflow.ErrNotFound):
		h.respond(w, http.StatusNotFound, errorResponse{Error: "not found"})
	case errors.Is(err, storyflow.ErrEmailTaken):
		h.respond(w, http.StatusConflict, errorResponse{Error: "Email already exists"})
	case errors.Is(err, storyflow.ErrConflict):
		h.respond(w, http.StatusConflict, errorResponse{Error: "conflict"})
	default:
		h.logger.Error("request failed",
			storyflow.F("method", r.Method),
			storyflow.F("path", r.URL.Path),
			storyflow.F("error", err.Error()))
		h.respond(w, http.StatusInternalServerError, errorResponse{Error: messageInternal})
	}
}

var errInvalidJSON = errors.New("invalid json")

// decode reads a bounded JSON body into dst and runs struct validation
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	if err := httpx.DecodeJSON(w, r, h.config.MaxBodyBytes, dst); err != nil {
		if errors.Is(err, httpx.ErrPayloadTooLarge) || errors.Is(err, httpx.ErrEmptyBody) {
			return err
		}
		return fmt.Errorf("%w: %w", errInvalidJSON, err)
	}
	return h.validateStruct(dst)
}

func (h *Handler) validateStruct(v interface{}) error {
	err := h.validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %w", storyflow.ErrValidation, err)
	}
	fe := &FieldErrors{}
	for _, ve := range verrs {
		fe.add(ve.Field(), describe(ve))
	}
	return fe
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// report fields under their JSON names
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})
	_ = v.RegisterValidation("password", func(fl validator.FieldLevel) bool {
		return auth.ValidPassword(fl.Field().String())
	})
	return v
}

func describe(ve validator.FieldError) string {
	switch ve.Tag() {
	case "required":
		return "is required"
	case "email":
		return "must be a valid email address"
	case "min":
		if ve.Kind() == reflect.String {
			return fmt.Sprintf("must be at least %s characters long", ve.Param())
		}
		return fmt.Sprintf("must be at least %s", ve.Param())
	case "max":
		if ve.Kind() == reflect.String {
			return fmt.Sprintf("must be at most %s characters long", ve.Param())
		}
		return fmt.Sprintf("must contain at most %s items", ve.Param())
	case "gte":
		return fmt.Sprintf("must be at least %s", ve.Param())
	case "lte":
		return fmt.Sprintf("must be at most %s", ve.Param())
	case "password":
		if s, _ := ve.Value().(string); utf8.RuneCountInString(s) < auth.MinPasswordLength {
			return fmt.Sprintf("must be at least %d characters long", auth.MinPasswordLength)
		}
		return fmt.Sprintf("must be at most %d bytes", auth.MaxPasswordBytes)
	case "oneof":
		return "must be one of: " + strings.ReplaceAll(ve.Param(), " ", ", ")
	default:
		return "is invalid"
	}
}
