package pagination

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func contextFor(target string) echo.Context {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	return e.NewContext(req, httptest.NewRecorder())
}

func TestFromContext_Defaults(t *testing.T) {
	p := FromContext(contextFor("/"), 0, 0)

	if p.Limit != DefaultLimit {
		t.Errorf("expected default limit %d, got %d", DefaultLimit, p.Limit)
	}
	if p.Offset != 0 {
		t.Errorf("expected default offset 0, got %d", p.Offset)
	}
}

func TestFromContext_CustomValues(t *testing.T) {
	p := FromContext(contextFor("/?limit=30&offset=10"), 20, 100)

	if p.Limit != 30 {
		t.Errorf("expected limit 30, got %d", p.Limit)
	}
	if p.Offset != 10 {
		t.Errorf("expected offset 10, got %d", p.Offset)
	}
}

func TestFromContext_Bounds(t *testing.T) {
	tests := []struct {
		name      string
		target    string
		def, max  int
		wantLimit int
	}{
		{"capped", "/?limit=5000", 20, 100, 100},
		{"configured default", "/", 20, 100, 20},
		{"zero limit uses default", "/?limit=0", 20, 100, 20},
		{"garbage uses default", "/?limit=abc", 20, 100, 20},
		{"default above max", "/", 200, 100, 50},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := FromContext(contextFor(tt.target), tt.def, tt.max)
			if p.Limit != tt.wantLimit {
				t.Errorf("limit = %d, want %d", p.Limit, tt.wantLimit)
			}
		})
	}
}

func TestFromContext_NegativeOffset(t *testing.T) {
	p := FromContext(contextFor("/?offset=-5"), 0, 0)
	if p.Offset != 0 {
		t.Errorf("expected offset 0, got %d", p.Offset)
	}
}

func TestNewResponse(t *testing.T) {
	resp := NewResponse([]string{"a", "b"}, 2, 5, 2, 0)
	if !resp.HasMore {
		t.Error("expected HasMore with 2 of 5 returned")
	}
	resp = NewResponse([]string{"e"}, 1, 5, 2, 4)
	if resp.HasMore {
		t.Error("expected no more results on the last page")
	}
}

func TestNewListResponse(t *testing.T) {
	if !NewListResponse(nil, 10, 10, 0).HasMore {
		t.Error("a full page should report HasMore")
	}
	if NewListResponse(nil, 3, 10, 0).HasMore {
		t.Error("a short page should not report HasMore")
	}
}

func TestParams_HasNext(t *testing.T) {
	p := Params{Limit: 10, Offset: 0}
	if !p.HasNext(11) {
		t.Error("expected next page with 11 total")
	}
	if p.HasNext(10) {
		t.Error("expected no next page with 10 total")
	}
	if p.NextOffset() != 10 {
		t.Errorf("next offset = %d", p.NextOffset())
	}
}
