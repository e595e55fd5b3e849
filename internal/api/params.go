package api

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/oapi-codegen/runtime"

	"github.com/abutsfit/cncbridge/internal/hilink"
)

// machinesParam binds the comma separated ?machines= list (form style, not
// exploded). A missing parameter yields an empty list.
func machinesParam(r *http.Request) ([]string, error) {
	var raw []string
	if err := runtime.BindQueryParameter("form", false, false, "machines", r.URL.Query(), &raw); err != nil {
		return nil, badRequest("invalid machines parameter: " + err.Error())
	}
	return parseMachines(raw), nil
}

// parseMachines trims a machines list. Blank items are dropped and
// duplicates keep their first position.
func parseMachines(items []string) []string {
	out := make([]string, 0, len(items))
	seen := make(map[string]bool, len(items))
	for _, p := range items {
		id := strings.TrimSpace(p)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

// intParam binds an optional integer query parameter. A blank value counts
// as absent.
func intParam(r *http.Request, name string) (*int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return nil, nil
	}
	var v *int
	if err := runtime.BindQueryParameter("form", true, false, name, url.Values{name: {raw}}, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// headTypeParam reads ?headType=, defaulting to the main head.
func headTypeParam(r *http.Request) (int16, error) {
	n, err := intParam(r, "headType")
	if err != nil || (n != nil && *n != int(hilink.HeadMain) && *n != int(hilink.HeadSub)) {
		return 0, badRequest("headType must be 1 or 2")
	}
	if n == nil {
		return hilink.HeadMain, nil
	}
	return int16(*n), nil
}

// slotParam reads ?slotNo=. Zero means absent.
func slotParam(r *http.Request) (int16, error) {
	n, err := intParam(r, "slotNo")
	if err != nil || (n != nil && (*n < 0 || *n > 32767)) {
		return 0, badRequest("slotNo must be a program number")
	}
	if n == nil {
		return 0, nil
	}
	return int16(*n), nil
}

// limitParam reads ?limit=. Absent means no limit (-1).
func limitParam(r *http.Request) (int, error) {
	n, err := intParam(r, "limit")
	if err != nil || (n != nil && *n < 0) {
		return 0, badRequest("limit must be a non-negative integer")
	}
	if n == nil {
		return -1, nil
	}
	return *n, nil
}
