package http

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/aretw0/binlens/api"
	"github.com/aretw0/binlens/pkg/domain"
	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3filter"
)

// validateBody checks the JSON body of a request against the operation
// declared for method and path in the OpenAPI document. Failures reply 422
// with one field problem per schema violation.
func (s *Server) validateBody(method, path string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if s.spec == nil {
			return next
		}
		item := s.spec.Paths.Value(path)
		if item == nil {
			panic(fmt.Sprintf("openapi: no path %s", path))
		}
		op := item.GetOperation(method)
		if op == nil || op.RequestBody == nil {
			panic(fmt.Sprintf("openapi: no request body for %s %s", method, path))
		}
		body := op.RequestBody.Value

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Content-Type") == "" {
				r.Header.Set("Content-Type", "application/json")
			}
			r.Body = http.MaxBytesReader(w, r.Body, maxConfigBody)
			input := &openapi3filter.RequestValidationInput{
				Request: r,
				Options: &openapi3filter.Options{MultiError: true},
			}
			if err := openapi3filter.ValidateRequestBody(r.Context(), input, body); err != nil {
				s.writeError(w, bodyError(err))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// bodyError converts a request body failure into a domain validation error.
func bodyError(err error) error {
	var reqErr *openapi3filter.RequestError
	if !errors.As(err, &reqErr) {
		return fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}

	var fields []*domain.FieldError
	var collect func(error)
	collect = func(err error) {
		switch e := err.(type) {
		case openapi3.MultiError:
			for _, inner := range e {
				collect(inner)
			}
		case *openapi3.SchemaError:
			fields = append(fields, &domain.FieldError{
				Field:  fieldOf(e.JSONPointer()),
				Reason: e.Reason,
				Value:  e.Value,
			})
		}
	}
	collect(reqErr.Err)

	if len(fields) == 0 {
		return fmt.Errorf("%w: request body: %s", domain.ErrValidation, reqErr.Error())
	}
	return &domain.ValidationError{Fields: fields}
}

func fieldOf(pointer []string) string {
	if len(pointer) == 0 {
		return "body"
	}
	return strings.Join(pointer, ".")
}

// GetOpenAPI handles GET /openapi.yaml.
func (s *Server) GetOpenAPI(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/yaml")
	if _, err := w.Write(api.Spec); err != nil {
		s.logger.Error("failed to write openapi document", "err", err)
	}
}

// GetSwagger handles GET /swagger.
func (s *Server) GetSwagger(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	_, _ = w.Write([]byte(swaggerHTML))
}

const swaggerHTML = `
<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="utf-8" />
    <meta name="viewport" content="width=device-width, initial-scale=1" />
    <title>BinLens API Documentation</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5.11.0/swagger-ui.css" />
</head>
<body>
<div id="swagger-ui"></div>
<script src="https://unpkg.com/swagger-ui-dist@5.11.0/swagger-ui-bundle.js" crossorigin></script>
<script>
    window.onload = () => {
    window.ui = SwaggerUIBundle({
        url: '/openapi.yaml',
        dom_id: '#swagger-ui',
    });
    };
</script>
</body>
</html>
`
