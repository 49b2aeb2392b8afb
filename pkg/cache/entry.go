package cache

import (
	"net/http"
	"time"

	"github.com/Sternrassler/dataverse-harvester/pkg/client"
)

// Entry is a cached Web API response.
type Entry struct {
	// Data is the response body
	Data []byte `json:"data"`

	// ETag for conditional requests (If-None-Match)
	ETag string `json:"etag"`

	// Expires is when the entry becomes stale
	Expires time.Time `json:"expires"`

	// LastModified is taken from the Last-Modified header when present
	LastModified time.Time `json:"last_modified"`

	StatusCode int         `json:"status_code"`
	Headers    http.Header `json:"headers"`

	// CachedAt is when the response was stored or last revalidated
	CachedAt time.Time `json:"cached_at"`
}

// IsExpired returns true if the entry is stale.
func (e *Entry) IsExpired() bool {
	return time.Now().After(e.Expires)
}

// TTL returns the time until the entry becomes stale.
// Returns 0 if already stale.
func (e *Entry) TTL() time.Duration {
	ttl := time.Until(e.Expires)
	if ttl < 0 {
		return 0
	}
	return ttl
}

// Response rebuilds the client response the entry was made from.
func (e *Entry) Response() *client.Response {
	header := e.Headers.Clone()
	if header == nil {
		header = http.Header{}
	}
	body := make([]byte, len(e.Data))
	copy(body, e.Data)
	return &client.Response{
		StatusCode: e.StatusCode,
		Header:     header,
		Body:       body,
	}
}
