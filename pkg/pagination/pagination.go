package pagination

import (
	"strconv"

	"github.com/labstack/echo/v4"
)

const (
	DefaultLimit = 50
	MaxLimit     = 500
)

// Params holds pagination parameters extracted from a request.
type Params struct {
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

// FromContext extracts limit and offset from the query string. A missing or
// non-positive limit becomes def, and anything above max is capped at max.
// Zero bounds fall back to the package defaults.
func FromContext(c echo.Context, def, max int) Params {
	if max <= 0 {
		max = MaxLimit
	}
	if def <= 0 || def > max {
		def = min(DefaultLimit, max)
	}

	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	if limit <= 0 {
		limit = def
	}
	if limit > max {
		limit = max
	}

	offset, _ := strconv.Atoi(c.QueryParam("offset"))
	if offset < 0 {
		offset = 0
	}

	return Params{Limit: limit, Offset: offset}
}

// Response wraps a paginated API response.
type Response struct {
	Data    interface{} `json:"data"`
	Total   int         `json:"total,omitempty"`
	Count   int         `json:"count"`
	Limit   int         `json:"limit"`
	Offset  int         `json:"offset"`
	HasMore bool        `json:"has_more"`
}

// NewResponse wraps a page whose total match count is known.
func NewResponse(data interface{}, count, total, limit, offset int) *Response {
	return &Response{
		Data:    data,
		Total:   total,
		Count:   count,
		Limit:   limit,
		Offset:  offset,
		HasMore: offset+count < total,
	}
}

// NewListResponse wraps a page without a total. HasMore is a guess: a full
// page suggests another may follow.
func NewListResponse(data interface{}, count, limit, offset int) *Response {
	return &Response{
		Data:    data,
		Count:   count,
		Limit:   limit,
		Offset:  offset,
		HasMore: limit > 0 && count >= limit,
	}
}

// HasNext returns true if there are more results after the current page.
func (p Params) HasNext(total int) bool {
	return p.Offset+p.Limit < total
}

// NextOffset returns the offset for the next page.
func (p Params) NextOffset() int {
	return p.Offset + p.Limit
}
