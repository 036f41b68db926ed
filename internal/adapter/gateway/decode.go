package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"agentgate/internal/domain"
)

// decodeJSON strictly decodes a single JSON value from the request body.
// Every failure is a validation error naming the offending field.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(v); err != nil {
		return decodeError(err)
	}
	if dec.More() {
		return invalidBody("body", "must contain a single JSON object")
	}
	return nil
}

func decodeError(err error) error {
	var (
		syntaxErr *json.SyntaxError
		typeErr   *json.UnmarshalTypeError
		maxErr    *http.MaxBytesError
	)
	switch {
	case errors.Is(err, io.EOF):
		return invalidBody("body", "must not be empty")
	case errors.Is(err, io.ErrUnexpectedEOF):
		return invalidBody("body", "truncated JSON")
	case errors.As(err, &syntaxErr):
		return invalidBody("body", fmt.Sprintf("malformed JSON at offset %d", syntaxErr.Offset))
	case errors.As(err, &typeErr):
		field := typeErr.Field
		if field == "" {
			field = "body"
		}
		return invalidBody(field, "must be "+jsonKind(typeErr.Type.Kind().String()))
	case errors.As(err, &maxErr):
		return invalidBody("body", fmt.Sprintf("exceeds %d bytes", maxErr.Limit))
	case strings.HasPrefix(err.Error(), "json: unknown field "):
		name := strings.Trim(strings.TrimPrefix(err.Error(), "json: unknown field "), `"`)
		return invalidBody(name, "unknown field")
	default:
		return invalidBody("body", err.Error())
	}
}

func jsonKind(goKind string) string {
	switch goKind {
	case "string":
		return "a string"
	case "slice", "array":
		return "an array"
	case "struct", "map":
		return "an object"
	case "bool":
		return "a boolean"
	default:
		return "a number"
	}
}

func invalidBody(field, reason string) error {
	return domain.NewFieldError("request", "gateway.decode", domain.ErrInvalidInput, "invalid request body",
		map[string]string{field: reason})
}
