package httputil

import (
	"fmt"
	"net/url"
	"strconv"
)

const (
	DefaultPerPage = 20
	MaxPerPage     = 100
)

// Page is a validated page/per_page pair. Number starts at 1.
type Page struct {
	Number  int
	PerPage int
}

// PageMeta is embedded in list responses.
type PageMeta struct {
	Total      int `json:"total"`
	Page       int `json:"page"`
	PerPage    int `json:"per_page"`
	TotalPages int `json:"total_pages"`
}

// ParsePage reads page and per_page from q. A page below 1 is clamped; a
// per_page outside 1..MaxPerPage is an error.
func ParsePage(q url.Values) (Page, error) {
	p := Page{Number: 1, PerPage: DefaultPerPage}

	if s := q.Get("page"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			return Page{}, fmt.Errorf("invalid page parameter: must be an integer")
		}
		if n > 1 {
			p.Number = n
		}
	}

	if s := q.Get("per_page"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			return Page{}, fmt.Errorf("invalid per_page parameter: must be an integer")
		}
		if n < 1 || n > MaxPerPage {
			return Page{}, fmt.Errorf("per_page must be between 1 and %d", MaxPerPage)
		}
		p.PerPage = n
	}

	return p, nil
}

func (p Page) Meta(total int) PageMeta {
	pages := 0
	if total > 0 {
		pages = (total + p.PerPage - 1) / p.PerPage
	}
	return PageMeta{Total: total, Page: p.Number, PerPage: p.PerPage, TotalPages: pages}
}
