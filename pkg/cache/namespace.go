package cache

import "time"

// Resource types recognized by the cache. Anything else uses TypeDefault's
// namespace.
const (
	TypeChapterList     = "chapter-list"
	TypeResourceDetails = "resource-details"
	TypeSearchResults   = "search-results"
	TypeCoverImage      = "cover-image"
	TypePaginatedPages  = "paginated-pages"
	TypeDefault         = "default"
)

// Namespace holds the caching policy for one resource type.
type Namespace struct {
	// TTL is how long entries of this type stay valid.
	TTL time.Duration

	// MaxEntries bounds the fast-tier entry count for this type.
	MaxEntries int
}

// Config maps resource types to their namespaces. Loaded once at process
// start and read-only thereafter.
type Config map[string]Namespace

// DefaultConfig returns the per-type TTL and size budgets.
func DefaultConfig() Config {
	return Config{
		TypeChapterList:     {TTL: 1 * time.Hour, MaxEntries: 50},
		TypeResourceDetails: {TTL: 6 * time.Hour, MaxEntries: 100},
		TypeSearchResults:   {TTL: 30 * time.Minute, MaxEntries: 20},
		TypeCoverImage:      {TTL: 24 * time.Hour, MaxEntries: 200},
		TypePaginatedPages:  {TTL: 6 * time.Hour, MaxEntries: 30},
		TypeDefault:         {TTL: 15 * time.Minute, MaxEntries: 100},
	}
}

// namespace resolves the policy for resourceType, falling back to the
// default namespace for unrecognized types.
func (c Config) namespace(resourceType string) Namespace {
	if ns, ok := c[resourceType]; ok {
		return ns
	}
	if ns, ok := c[TypeDefault]; ok {
		return ns
	}
	return Namespace{TTL: 15 * time.Minute, MaxEntries: 100}
}
