package api

import (
	"net/http"
	"strconv"
)

// Event history and delivery reports page through append-only tables that
// grow without bound, so the page size is clamped hard.
const (
	DefaultPageSize = 50
	MaxPageSize     = 500
)

// Page is a parsed page/per_page query pair.
type Page struct {
	Number int
	Size   int
}

// ParsePage reads page and per_page from the query string, falling back to
// page 1 of DefaultPageSize. Values above MaxPageSize are clamped; garbage
// and non-positive values are ignored.
func ParsePage(r *http.Request) Page {
	q := r.URL.Query()
	p := Page{Number: 1, Size: DefaultPageSize}

	if n, err := strconv.Atoi(q.Get("page")); err == nil && n > 0 {
		p.Number = n
	}
	if n, err := strconv.Atoi(q.Get("per_page")); err == nil && n > 0 {
		p.Size = n
		if p.Size > MaxPageSize {
			p.Size = MaxPageSize
		}
	}
	return p
}

// Offset is the row offset of the page's first entry.
func (p Page) Offset() int {
	return (p.Number - 1) * p.Size
}

// Pages is the number of pages needed for total rows.
func (p Page) Pages(total int64) int {
	if p.Size <= 0 {
		return 0
	}
	pages := total / int64(p.Size)
	if total%int64(p.Size) != 0 {
		pages++
	}
	return int(pages)
}
