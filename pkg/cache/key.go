package cache

import (
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/Sternrassler/estate-sync/pkg/workitem"
)

// KeyPrefix namespaces every cache key.
const KeyPrefix = "estate:count"

// CacheKey identifies one cached count.
type CacheKey struct {
	// Endpoint is the API path the count came from.
	Endpoint string

	// QueryParams are the filter parameters of the probe.
	QueryParams url.Values
}

// KeyFor returns the cache key of a search count for q.
func KeyFor(q workitem.Query) CacheKey {
	return CacheKey{
		Endpoint:    "/search/addresses",
		QueryParams: q.Values(),
	}
}

// String generates a deterministic key.
// Format: estate:count:endpoint:param1=v1:param2=v2
func (k CacheKey) String() string {
	parts := []string{KeyPrefix}

	if endpoint := strings.Trim(k.Endpoint, "/"); endpoint != "" {
		parts = append(parts, endpoint)
	}

	if len(k.QueryParams) > 0 {
		keys := make([]string, 0, len(k.QueryParams))
		for key := range k.QueryParams {
			keys = append(keys, key)
		}
		sort.Strings(keys)

		for _, key := range keys {
			values := append([]string(nil), k.QueryParams[key]...)
			sort.Strings(values)
			parts = append(parts, fmt.Sprintf("%s=%s", key, strings.Join(values, ",")))
		}
	}

	return strings.Join(parts, ":")
}
