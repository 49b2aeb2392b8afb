package cache

import (
	"net/http"
	"time"

	"github.com/Sternrassler/dataverse-harvester/pkg/client"
)

// DefaultTTL is the fallback freshness when a response has no Expires header.
const DefaultTTL = time.Hour

// ResponseToEntry converts a response into an Entry. ttl is used when the
// response carries no usable Expires header.
func ResponseToEntry(resp *client.Response, ttl time.Duration) *Entry {
	now := time.Now()
	body := make([]byte, len(resp.Body))
	copy(body, resp.Body)

	entry := &Entry{
		Data:       body,
		ETag:       resp.Header.Get("ETag"),
		StatusCode: resp.StatusCode,
		Headers:    resp.Header.Clone(),
		CachedAt:   now,
		Expires:    parseExpires(resp.Header, now, ttl),
	}

	if lastModStr := resp.Header.Get("Last-Modified"); lastModStr != "" {
		if lastMod, err := http.ParseTime(lastModStr); err == nil {
			entry.LastModified = lastMod
		}
	}

	return entry
}

// parseExpires returns the Expires header time, or now+ttl when the header is
// missing or unparsable. A past Expires yields now.
func parseExpires(headers http.Header, now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	expiresStr := headers.Get("Expires")
	if expiresStr == "" {
		return now.Add(ttl)
	}

	expires, err := http.ParseTime(expiresStr)
	if err != nil {
		return now.Add(ttl)
	}

	if expires.Before(now) {
		return now
	}
	return expires
}

// ShouldMakeConditionalRequest reports whether the entry carries a
// validator (ETag or Last-Modified).
func ShouldMakeConditionalRequest(entry *Entry) bool {
	if entry == nil {
		return false
	}
	return entry.ETag != "" || !entry.LastModified.IsZero()
}

// ConditionalHeaders returns a copy of header with If-None-Match or
// If-Modified-Since set from entry. ETag is preferred.
func ConditionalHeaders(header http.Header, entry *Entry) http.Header {
	out := header.Clone()
	if out == nil {
		out = http.Header{}
	}
	if entry == nil {
		return out
	}

	if entry.ETag != "" {
		out.Set("If-None-Match", entry.ETag)
	} else if !entry.LastModified.IsZero() {
		out.Set("If-Modified-Since", entry.LastModified.UTC().Format(http.TimeFormat))
	}
	return out
}
