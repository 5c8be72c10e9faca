package compose

import "strconv"

// DefaultPageSize bounds catalogue pages when the server was not configured
// with an explicit size.
const DefaultPageSize = 50

// Page is a single page of results with an optional continuation cursor.
type Page[T any] struct {
	Items      []T
	NextCursor *string // nil means no more pages
}

// PageOption configures a Page.
type PageOption[T any] func(*Page[T])

// WithNextCursor sets the continuation cursor for the page.
func WithNextCursor[T any](cursor string) PageOption[T] {
	return func(p *Page[T]) {
		p.NextCursor = &cursor
	}
}

// NewPage creates a page with the given items and options.
func NewPage[T any](items []T, opts ...PageOption[T]) Page[T] {
	page := Page[T]{
		Items: items,
	}
	for _, opt := range opts {
		opt(&page)
	}
	return page
}

// parseCursor decodes a continuation cursor into an offset. A nil or empty
// cursor is the first page.
func parseCursor(cursor *string) (int, error) {
	if cursor == nil || *cursor == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(*cursor)
	if err != nil || n < 0 {
		return 0, ErrInvalidCursor
	}
	return n, nil
}

// pageSlice cuts one page out of the full aggregated slice. Cursors are
// offsets into the aggregation order, which is stable between calls as long
// as the catalogue does not change; a change invalidates outstanding cursors
// the same way it invalidates cached listings.
func pageSlice[T any](items []T, size int, cursor *string) (Page[T], error) {
	start, err := parseCursor(cursor)
	if err != nil {
		return NewPage[T](nil), err
	}
	if size <= 0 {
		size = DefaultPageSize
	}
	if start >= len(items) {
		return NewPage(make([]T, 0)), nil
	}
	end := start + size
	if end > len(items) {
		end = len(items)
	}
	page := items[start:end:end]
	if end < len(items) {
		return NewPage(page, WithNextCursor[T](strconv.Itoa(end))), nil
	}
	return NewPage(page), nil
}
