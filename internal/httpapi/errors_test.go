package httpapi

import (
	"net/http"
	"testing"

	"applabd/internal/workload"
)

type fixedHTTPError struct {
	msg  string
	code int
}

func (e fixedHTTPError) Error() string   { return e.msg }
func (e fixedHTTPError) StatusCode() int { return e.code }

func TestStatusForError(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"configuration", workload.ErrConfiguration("bad recipe"), http.StatusBadRequest},
		{"conflict", workload.ErrStateConflict("already running"), http.StatusConflict},
		{"not found", workload.ErrNotFound("no such model"), http.StatusNotFound},
		{"startup timeout", workload.ErrStartupTimeout("never became ready"), http.StatusGatewayTimeout},
		{"engine", workload.ErrEngine("create container", errDummy{}), http.StatusBadGateway},
		{"no gpu", workload.ErrNoGPU, http.StatusUnprocessableEntity},
		{"http error passthrough", fixedHTTPError{msg: "teapot", code: http.StatusTeapot}, http.StatusTeapot},
		{"unknown", errDummy{}, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := statusForError(tc.err); got != tc.want {
			t.Errorf("%s: status=%d want %d", tc.name, got, tc.want)
		}
	}
}

type errDummy struct{}

func (errDummy) Error() string { return "boom" }

func TestLifecycleErrorsAreMapped(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{workload.ErrStateConflict("transition in progress"), http.StatusConflict},
		{workload.ErrNotFound("unknown model"), http.StatusNotFound},
		{workload.ErrStartupTimeout("ceiling reached"), http.StatusGatewayTimeout},
		{workload.ErrNoGPU, http.StatusUnprocessableEntity},
	}
	for _, tc := range cases {
		svc := &mockService{startErr: tc.err}
		r := NewMux(svc)
		w := postJSON(t, r, "/playgrounds/start", `{"model_id":"m1"}`)
		if w.Code != tc.want {
			t.Errorf("start with %v: status=%d want %d", tc.err, w.Code, tc.want)
		}
	}
}
