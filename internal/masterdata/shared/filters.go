package shared

// ListFilters represents standard list filters. TenantID is mandatory
// for every masterdata listing.
type ListFilters struct {
	TenantID int64
	Page     int
	Limit    int
	Search   string
	SortBy   string
	SortDir  string
	IsActive *bool
}

// Normalize applies pagination defaults.
func (f *ListFilters) Normalize() {
	if f.Page < 1 {
		f.Page = DefaultPage
	}
	if f.Limit < 1 {
		f.Limit = DefaultLimit
	}
}
