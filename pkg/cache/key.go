package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
)

// KeyPrefix namespaces every key this package writes.
const KeyPrefix = "harvester"

// Key identifies one cached request.
type Key struct {
	// Host is the instance host, lower-cased.
	Host string

	// Path is the request path below the host.
	Path string

	// Query holds the query parameters.
	Query url.Values

	// Scope separates entries fetched with different credentials. Empty
	// means unscoped.
	Scope string
}

// KeyFromURL builds a key from a request URL.
func KeyFromURL(raw string) (Key, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Key{}, fmt.Errorf("parse cache key url: %w", err)
	}
	if u.Host == "" {
		return Key{}, fmt.Errorf("cache key url %q has no host", raw)
	}
	return Key{
		Host:  strings.ToLower(u.Host),
		Path:  u.Path,
		Query: u.Query(),
	}, nil
}

// String generates a deterministic key string.
// Format: harvester:host[:@scope]:path:query1=val1:query2=val2
//
// Example:
//
//	harvester:org.crm.dynamics.com:@3f2a9c0d1e4b5a6c:api/data/v9.2/EntityDefinitions:$select=LogicalName
func (k Key) String() string {
	parts := []string{KeyPrefix}

	if k.Host != "" {
		parts = append(parts, strings.ToLower(k.Host))
	}

	if k.Scope != "" {
		parts = append(parts, "@"+k.Scope)
	}

	if path := strings.Trim(k.Path, "/"); path != "" {
		parts = append(parts, path)
	}

	// Sorted for determinism
	if len(k.Query) > 0 {
		queryKeys := make([]string, 0, len(k.Query))
		for key := range k.Query {
			queryKeys = append(queryKeys, key)
		}
		sort.Strings(queryKeys)

		for _, key := range queryKeys {
			parts = append(parts, fmt.Sprintf("%s=%s", key, strings.Join(k.Query[key], ",")))
		}
	}

	return strings.Join(parts, ":")
}

// credentialHeaders are hashed into a scope, in this order.
var credentialHeaders = []string{"Authorization", "Cookie"}

// ScopeFromHeaders derives a cache scope from the credential headers in h.
// It returns "" when h carries no credentials. The raw values never reach
// Redis, only a truncated SHA-256.
func ScopeFromHeaders(h http.Header) string {
	sum := sha256.New()
	found := false
	for _, name := range credentialHeaders {
		for _, v := range h.Values(name) {
			found = true
			fmt.Fprintf(sum, "%s\x00%s\x00", name, v)
		}
	}
	if !found {
		return ""
	}
	return hex.EncodeToString(sum.Sum(nil))[:16]
}
