package middleware

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
)

func slowHandler(c echo.Context) error {
	select {
	case <-time.After(5 * time.Second):
		return c.String(http.StatusOK, "ok")
	case <-c.Request().Context().Done():
		return c.Request().Context().Err()
	}
}

func TestRequestTimeout_CompletesWithinDeadline(t *testing.T) {
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/api/v1/audit/events", nil), httptest.NewRecorder())

	var hasDeadline bool
	err := RequestTimeout(5*time.Second)(func(c echo.Context) error {
		_, hasDeadline = c.Request().Context().Deadline()
		return c.String(http.StatusOK, "ok")
	})(c)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !hasDeadline {
		t.Error("expected a deadline on the request context")
	}
}

func TestRequestTimeout_ReturnsGatewayTimeout(t *testing.T) {
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/api/v1/audit/search", nil), httptest.NewRecorder())

	err := RequestTimeout(20 * time.Millisecond)(slowHandler)(c)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusGatewayTimeout {
		t.Fatalf("err = %v", err)
	}
}

func TestRequestTimeout_SkipsStreamingPaths(t *testing.T) {
	e := echo.New()
	for _, path := range []string{"/api/v1/audit/export/csv", "/api/v1/admin/archives/archive/acme/x.ndjson"} {
		c := e.NewContext(httptest.NewRequest(http.MethodGet, path, nil), httptest.NewRecorder())
		var hasDeadline bool
		RequestTimeout(time.Millisecond)(func(c echo.Context) error {
			_, hasDeadline = c.Request().Context().Deadline()
			return nil
		})(c)
		if hasDeadline {
			t.Errorf("%s: streaming path should not get a deadline", path)
		}
	}
}

func TestRequestTimeout_PropagatesHandlerError(t *testing.T) {
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/api/v1/audit/events", nil), httptest.NewRecorder())
	want := errors.New("handler failed")
	if err := RequestTimeout(time.Second)(func(echo.Context) error { return want })(c); err != want {
		t.Errorf("err = %v", err)
	}
}
