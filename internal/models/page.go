package models

// Pagination describes where a page sits in the full collection
type Pagination struct {
	Page         int `json:"page"`
	Limit        int `json:"limit"`
	TotalRecords int `json:"totalRecords"`
	TotalPages   int `json:"totalPages"`
}

// Page is one window of the collection ordered newest first
type Page struct {
	Records    []Record   `json:"records"`
	Pagination Pagination `json:"pagination"`
}

// TotalPages returns ceil(total/limit), or 0 when limit is not positive.
func TotalPages(total, limit int) int {
	if limit <= 0 || total <= 0 {
		return 0
	}
	return (total + limit - 1) / limit
}
