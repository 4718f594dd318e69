// Package httpx lets handlers return errors instead of writing their
// own error responses. A handler error carrying a status code maps to
// that code, anything else to a 500.
package httpx

import (
	"errors"
	"log"
	"net/http"

	"github.com/go-json-experiment/json"
)

// Error wraps err with the HTTP status code that should be sent for it.
func Error(code int, err error) error {
	return &StatusError{code, err}
}

// StatusError is an error with an associated HTTP status code.
type StatusError struct {
	Code int
	Err  error
}

func (se *StatusError) Error() string {
	return se.Err.Error()
}

func (se *StatusError) Status() int {
	return se.Code
}

// HandlerFunc adapts an error-returning handler bound to a per-request
// environment into an http.HandlerFunc.
func HandlerFunc[E any](envFn func(r *http.Request) *E, fn func(*E, http.ResponseWriter, *http.Request) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		env := envFn(r)
		err := fn(env, w, r)
		if err == nil {
			return
		}
		status := http.StatusInternalServerError
		if se := new(StatusError); errors.As(err, &se) {
			status = se.Status()
		}
		log.Printf("HTTP: method: %s, path: %s, status: %d, error: %s", r.Method, r.URL.Path, status, err)
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(status)
		json.MarshalFull(w, map[string]any{
			"error": err.Error(),
		})
	}
}
