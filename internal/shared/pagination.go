package shared

// Pagination contains metadata for paginated listings. Listings fetch one extra row to
// report HasMore instead of counting.
type Pagination struct {
	Page    int  `json:"page"`
	PerPage int  `json:"per_page"`
	HasMore bool `json:"has_more"`
}

// NewPagination normalises page and perPage.
func NewPagination(page, perPage int) Pagination {
	page, perPage = NormalizePage(page, perPage)
	return Pagination{Page: page, PerPage: perPage}
}

// NormalizePage applies the default page size and clamps the page number.
func NormalizePage(page, perPage int) (int, int) {
	if perPage <= 0 {
		perPage = 20
	}
	if perPage > 200 {
		perPage = 200
	}
	if page <= 0 {
		page = 1
	}
	return page, perPage
}

// Offset returns the row offset of the page.
func (p Pagination) Offset() int {
	return (p.Page - 1) * p.PerPage
}

// Limit is the row count to fetch: one past the page to detect more rows.
func (p Pagination) Limit() int {
	return p.PerPage + 1
}

// Trim cuts rows fetched with Limit back to the page and sets HasMore.
func Trim[T any](p *Pagination, rows []T) []T {
	if len(rows) > p.PerPage {
		p.HasMore = true
		return rows[:p.PerPage]
	}
	return rows
}
