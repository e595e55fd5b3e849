package api

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"regexp"
	"sort"
	"strings"
	"testing"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/go-chi/chi/v5"
	"github.com/oapi-codegen/oapi-codegen/v2/pkg/codegen"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var pathParamRe = regexp.MustCompile(`\{([^}]+)\}`)

var sampleParams = map[string]string{
	"machineId": "M01",
	"uid":       "M09",
	"jobId":     "job-unknown",
}

func loadOpenAPIDoc(t *testing.T) *openapi3.T {
	t.Helper()
	doc, err := LoadOpenAPI()
	require.NoError(t, err)
	return doc
}

func forEachOperation(doc *openapi3.T, fn func(method, path string, op *openapi3.Operation)) {
	for path, item := range doc.Paths.Map() {
		if item == nil {
			continue
		}
		for method, op := range item.Operations() {
			if op == nil || op.OperationID == "" {
				continue
			}
			fn(method, path, op)
		}
	}
}

func samplePath(path string) string {
	return pathParamRe.ReplaceAllStringFunc(path, func(m string) string {
		name := m[1 : len(m)-1]
		if v, ok := sampleParams[name]; ok {
			return v
		}
		return "x"
	})
}

// notMounted reports the router's own 404/405, as opposed to a handler's
// JSON not-found answer.
func notMounted(rec *httptest.ResponseRecorder) bool {
	if rec.Code == http.StatusMethodNotAllowed {
		return true
	}
	return rec.Code == http.StatusNotFound && !strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json")
}

func TestOpenAPIDocumentedRoutesAreMounted(t *testing.T) {
	doc := loadOpenAPIDoc(t)
	f := newFixture(t, Config{})

	forEachOperation(doc, func(method, path string, op *openapi3.Operation) {
		target := samplePath(path)
		rec := httptest.NewRecorder()
		f.srv.Handler().ServeHTTP(rec, httptest.NewRequest(method, target, nil))
		if notMounted(rec) {
			t.Errorf("route not mounted: %s %s (%s) -> %d", method, target, op.OperationID, rec.Code)
		}
	})
}

func TestOpenAPIDocumentsEveryMountedRoute(t *testing.T) {
	doc := loadOpenAPIDoc(t)
	f := newFixture(t, Config{})

	documented := map[string]bool{}
	forEachOperation(doc, func(method, path string, _ *openapi3.Operation) {
		documented[method+" "+path] = true
	})

	var missing []string
	err := chi.Walk(f.srv.router, func(method, route string, _ http.Handler, _ ...func(http.Handler) http.Handler) error {
		key := method + " " + route
		if !documented[key] {
			missing = append(missing, key)
		}
		delete(documented, key)
		return nil
	})
	require.NoError(t, err)
	sort.Strings(missing)
	assert.Empty(t, missing, "mounted but not documented")

	var stale []string
	for k := range documented {
		stale = append(stale, k)
	}
	sort.Strings(stale)
	assert.Empty(t, stale, "documented but not mounted")
}

func TestOpenAPIOperationIDsUnique(t *testing.T) {
	doc := loadOpenAPIDoc(t)
	seen := map[string]string{}
	forEachOperation(doc, func(method, path string, op *openapi3.Operation) {
		id := codegen.ToCamelCase(op.OperationID)
		where := fmt.Sprintf("%s %s", method, path)
		if prev, ok := seen[id]; ok {
			t.Errorf("operationId %q used by %s and %s", id, prev, where)
		}
		seen[id] = where
	})
}

func TestOpenAPIDocumentServed(t *testing.T) {
	f := newFixture(t, Config{})
	rec := f.do(t, http.MethodGet, "/api/openapi.yaml", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/yaml", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "operationId: postSmartEnqueue")
}

func TestRequestValidation(t *testing.T) {
	strict := newFixture(t, Config{ValidateRequests: true})
	loose := newFixture(t, Config{})

	rec := strict.do(t, http.MethodGet, "/api/cnc/machines/M01/alarms?headType=abc", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, false, body["success"])
	assert.Contains(t, body["message"], "invalid request")
	assert.Contains(t, body["message"], "headType")

	rec = strict.do(t, http.MethodGet, "/api/cnc/programs?machines=M01&slotNo=40000", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decode(t, rec)["message"], "invalid request")

	// A negative wait is clamped by the handler but rejected by the schema.
	enqueue := map[string]any{"paths": []string{"M01/a.nc"}, "maxWaitSeconds": -5}
	rec = strict.do(t, http.MethodPost, "/api/cnc/machines/M01/smart/enqueue", enqueue)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decode(t, rec)["message"], "maxWaitSeconds")
	assert.Empty(t, strict.dispatch.SmartStatus("M01").Queued)

	rec = loose.do(t, http.MethodPost, "/api/cnc/machines/M01/smart/enqueue", enqueue)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = strict.do(t, http.MethodPost, "/api/cnc/machines/M01/manual/preload", map[string]any{"path": "M01/a.nc", "slotNo": 7})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decode(t, rec)["message"], "invalid request")

	// Valid requests and undocumented paths reach the handlers.
	rec = strict.do(t, http.MethodGet, "/api/cnc/machines/M01/alarms?headType=2", nil)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = strict.do(t, http.MethodGet, "/api/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
