package models

// Page is one window of a listing together with the unpaged total.
type Page[T any] struct {
	Items []T `json:"items"`
	Total int `json:"total"`
}

// NewPage builds a Page whose Items marshal as [] rather than null.
func NewPage[T any](items []T, total int) Page[T] {
	if items == nil {
		items = []T{}
	}
	return Page[T]{Items: items, Total: total}
}
