package api

import (
	"context"
	_ "embed"
	"net/http"
	"sync"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3filter"
	"github.com/getkin/kin-openapi/routers"
	"github.com/getkin/kin-openapi/routers/legacy"
)

//go:embed openapi.yaml
var openAPISpec []byte

var (
	openAPIOnce   sync.Once
	openAPIDoc    *openapi3.T
	openAPIRouter routers.Router
	openAPIErr    error
)

// LoadOpenAPI parses and validates the embedded document once.
func LoadOpenAPI() (*openapi3.T, error) {
	openAPIOnce.Do(func() {
		loader := openapi3.NewLoader()
		doc, err := loader.LoadFromData(openAPISpec)
		if err != nil {
			openAPIErr = err
			return
		}
		if err := doc.Validate(context.Background()); err != nil {
			openAPIErr = err
			return
		}
		router, err := legacy.NewRouter(doc)
		if err != nil {
			openAPIErr = err
			return
		}
		openAPIDoc, openAPIRouter = doc, router
	})
	return openAPIDoc, openAPIErr
}

func (s *Server) handleOpenAPI(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(openAPISpec)
}

// validateRequests rejects requests whose parameters or JSON body do not
// match the document. Paths the document does not describe pass through to
// the router.
func (s *Server) validateRequests(next http.Handler) http.Handler {
	if _, err := LoadOpenAPI(); err != nil {
		s.logger.Error().Err(err).Msg("openapi document invalid, request validation disabled")
		return next
	}
	opts := &openapi3filter.Options{AuthenticationFunc: openapi3filter.NoopAuthenticationFunc}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route, pathParams, err := openAPIRouter.FindRoute(r)
		if err != nil {
			next.ServeHTTP(w, r)
			return
		}
		in := &openapi3filter.RequestValidationInput{
			Request:    r,
			PathParams: pathParams,
			Route:      route,
			Options:    opts,
		}
		if err := openapi3filter.ValidateRequest(r.Context(), in); err != nil {
			writeMessage(w, http.StatusBadRequest, "invalid request: "+err.Error())
			return
		}
		next.ServeHTTP(w, r)
	})
}
