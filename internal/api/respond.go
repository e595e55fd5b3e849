package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/text/language"

	"github.com/abutsfit/cncbridge/internal/dispatch"
	"github.com/abutsfit/cncbridge/internal/handles"
	"github.com/abutsfit/cncbridge/internal/hilink"
	"github.com/abutsfit/cncbridge/internal/jobs"
	"github.com/abutsfit/cncbridge/internal/material"
	"github.com/abutsfit/cncbridge/internal/mode1"
	platformfs "github.com/abutsfit/cncbridge/internal/platform/fs"
	"github.com/abutsfit/cncbridge/internal/program"
	"github.com/abutsfit/cncbridge/internal/queue"
	"github.com/abutsfit/cncbridge/internal/registry"
	"github.com/abutsfit/cncbridge/internal/store"
)

// entry is one per-machine result object.
type entry map[string]any

// cooldownError rejects a request that repeated an operation too soon.
type cooldownError struct {
	window  time.Duration
	message string
}

func (e *cooldownError) Error() string {
	if e.message != "" {
		return e.message
	}
	return "Too many requests"
}

// badRequest is a client error detected by a handler.
type badRequest string

func (e badRequest) Error() string { return string(e) }

// writeJSON writes a JSON response with the given status code
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeMessage(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]any{"success": false, "message": msg})
}

// writeError maps err onto a status code and writes the failure body.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var cd *cooldownError
	if errors.As(err, &cd) && cd.window > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(cd.window)))
	}
	writeJSON(w, statusFor(err), failureBody(r.Context(), err))
}

type languageKey struct{}

// withLanguage stores the Accept-Language match used for vendor messages.
func withLanguage(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tag := hilink.MatchLanguage(r.Header.Get("Accept-Language"))
		w.Header().Set("Content-Language", tag.String())
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), languageKey{}, tag)))
	})
}

func languageFrom(ctx context.Context) language.Tag {
	if tag, ok := ctx.Value(languageKey{}).(language.Tag); ok {
		return tag
	}
	return hilink.Languages[0]
}

func failureBody(ctx context.Context, err error) map[string]any {
	msg, code := mode1.DescribeIn(err, languageFrom(ctx))
	body := map[string]any{"success": false, "message": msg}
	if code != nil {
		body["code"] = *code
	}
	var (
		se *dispatch.StepError
		ae *dispatch.AlarmError
	)
	if errors.As(err, &se) {
		body["errorCode"] = se.Code
	}
	if errors.As(err, &ae) {
		body["machineStatus"] = ae.Status
		body["alarms"] = ae.Alarms
	}
	return body
}

// failure is the fan-out entry for a machine whose operation failed. A
// cooldown rejection carries rateLimited, status and retryAfterSec since a
// fan-out response is 200 overall.
func failure(ctx context.Context, machineID string, err error) entry {
	e := entry(failureBody(ctx, err))
	e["machineId"] = machineID
	var cd *cooldownError
	if errors.As(err, &cd) {
		e["rateLimited"] = true
		e["status"] = http.StatusTooManyRequests
		e["retryAfterSec"] = retryAfterSeconds(cd.window)
	}
	return e
}

func retryAfterSeconds(window time.Duration) int {
	return int(math.Ceil(window.Seconds()))
}

// JobFailurePayload is the FAILED result stored for a job error. Stored
// results are read by any client, so the message stays in the default
// language.
func JobFailurePayload(err error) any {
	return failureBody(context.Background(), err)
}

func statusFor(err error) int {
	var (
		bad badRequest
		cd  *cooldownError
	)
	switch {
	case err == nil:
		return http.StatusOK
	case errors.As(err, &bad),
		errors.Is(err, mode1.ErrInvalidArgument),
		errors.Is(err, program.ErrTooLarge),
		errors.Is(err, program.ErrEmpty),
		errors.Is(err, program.ErrInvalidSlot),
		errors.Is(err, store.ErrInvalidPath),
		errors.Is(err, store.ErrIsDirectory),
		errors.Is(err, platformfs.ErrOutsideRoot),
		errors.Is(err, registry.ErrInvalid),
		errors.Is(err, queue.ErrInvalidItem),
		errors.Is(err, queue.ErrNoMachine),
		errors.Is(err, material.ErrMachineID),
		errors.Is(err, dispatch.ErrNoPaths),
		errors.Is(err, dispatch.ErrNoPath),
		errors.Is(err, dispatch.ErrInvalidSlot):
		return http.StatusBadRequest
	case errors.Is(err, handles.ErrUnknownMachine),
		errors.Is(err, registry.ErrNotFound),
		errors.Is(err, store.ErrNotFound),
		errors.Is(err, jobs.ErrNotFound),
		errors.Is(err, queue.ErrNotFound),
		errors.Is(err, material.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrExists),
		errors.Is(err, dispatch.ErrQueueEmpty),
		errors.Is(err, dispatch.ErrCurrentJob),
		errors.Is(err, dispatch.ErrNoFreeSlot),
		errors.Is(err, dispatch.ErrAlarm):
		return http.StatusConflict
	case errors.As(err, &cd):
		return http.StatusTooManyRequests
	case errors.Is(err, jobs.ErrQueueFull), errors.Is(err, jobs.ErrStopped), errors.Is(err, dispatch.ErrStopped):
		return http.StatusServiceUnavailable
	case errors.Is(err, mode1.ErrReadTimeout), errors.Is(err, program.ErrBusyTimeout):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

const maxBodyBytes = 8 << 20

// decodeBody reads an optional JSON body into v. An empty body leaves v
// untouched.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return badRequest("invalid JSON body: " + err.Error())
	}
	return nil
}
