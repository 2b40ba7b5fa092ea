package pkg

// Paginate returns the zero-based page of items. Out of range pages are empty.
func Paginate[T any](items []T, page int, pageSize int) []T {
	if page < 0 || pageSize <= 0 {
		return []T{}
	}
	start := page * pageSize
	if start >= len(items) {
		return []T{}
	}
	end := start + pageSize
	if end > len(items) {
		end = len(items)
	}
	return items[start:end]
}
