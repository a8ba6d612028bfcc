package machines

import (
	"strconv"

	"github.com/celerix-dev/celerix-machines/pkg/schema"
)

// PageSize is the number of machines per history page.
const PageSize = 20

// Page is one slice of a paginated list.
type Page struct {
	Number   int
	NumPages int
	Count    int
	Results  []*schema.CoreMachine
}

// HasNext reports whether a later page exists.
func (p *Page) HasNext() bool { return p.Number < p.NumPages }

// HasPrevious reports whether an earlier page exists.
func (p *Page) HasPrevious() bool { return p.Number > 1 }

// Paginate returns the requested page of list.
// A non-integer page yields the first page; a page below 1 or past the end yields the last.
// An empty list still has one (empty) page.
func Paginate(list []*schema.CoreMachine, page string, size int) *Page {
	count := len(list)
	numPages := (count + size - 1) / size
	if numPages == 0 {
		numPages = 1
	}

	number, err := strconv.Atoi(page)
	switch {
	case err != nil:
		number = 1
	case number < 1 || number > numPages:
		number = numPages
	}

	lo := (number - 1) * size
	hi := lo + size
	if hi > count {
		hi = count
	}

	results := make([]*schema.CoreMachine, 0, hi-lo)
	results = append(results, list[lo:hi]...)

	return &Page{
		Number:   number,
		NumPages: numPages,
		Count:    count,
		Results:  results,
	}
}
