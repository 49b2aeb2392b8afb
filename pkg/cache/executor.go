package cache

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/Sternrassler/dataverse-harvester/pkg/client"
	"github.com/rs/zerolog"
)

// Executor is a client.Executor that serves responses from a Manager.
// Only 2xx responses are stored. Cache failures are logged and the request
// goes to the next executor, so Redis trouble never fails a request.
//
// Entries are keyed by URL plus a credential scope. Credentials the next
// executor adds on its own (client default headers) are invisible here, so
// callers set them with WithScope; otherwise principals sharing a Redis
// would share entries.
type Executor struct {
	next    client.Executor
	manager *Manager
	ttl     time.Duration
	scope   string
	logger  zerolog.Logger
}

// NewExecutor wraps next. ttl is the freshness used for responses without an
// Expires header (default DefaultTTL).
func NewExecutor(next client.Executor, manager *Manager, ttl time.Duration, logger zerolog.Logger) *Executor {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Executor{
		next:    next,
		manager: manager,
		ttl:     ttl,
		logger:  logger.With().Str("component", "cache").Logger(),
	}
}

// WithScope partitions the executor's entries, usually with
// ScopeFromHeaders of the credentials the next executor sends.
func (e *Executor) WithScope(scope string) *Executor {
	e.scope = scope
	return e
}

// Execute implements client.Executor.
func (e *Executor) Execute(ctx context.Context, rawURL string, header http.Header) (*client.Response, error) {
	key, err := KeyFromURL(rawURL)
	if err != nil {
		e.logger.Debug().Err(err).Msg("Uncacheable URL")
		return e.next.Execute(ctx, rawURL, header)
	}
	key.Scope = e.scope + ScopeFromHeaders(header)

	entry, err := e.manager.Get(ctx, key)
	switch {
	case err == nil && !entry.IsExpired():
		CacheHits.WithLabelValues("redis").Inc()
		e.logger.Debug().Str("key", key.String()).Dur("ttl", entry.TTL()).Msg("Cache hit")
		return entry.Response(), nil
	case err != nil && !errors.Is(err, ErrCacheMiss):
		e.logger.Warn().Err(err).Str("key", key.String()).Msg("Cache read failed")
		entry = nil
	}

	reqHeader := header
	if ShouldMakeConditionalRequest(entry) {
		reqHeader = ConditionalHeaders(header, entry)
	}

	resp, err := e.next.Execute(ctx, rawURL, reqHeader)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusNotModified && entry != nil {
		ConditionalRequests.Inc()
		expires := parseExpires(resp.Header, time.Now(), e.ttl)
		renewed, err := e.manager.Renew(ctx, key, expires)
		if err != nil {
			e.logger.Warn().Err(err).Str("key", key.String()).Msg("Cache renew failed")
			entry.Expires = expires
			return entry.Response(), nil
		}
		e.logger.Debug().Str("key", key.String()).Msg("Cache revalidated")
		return renewed.Response(), nil
	}

	if resp.IsSuccess() {
		if err := e.manager.Set(ctx, key, ResponseToEntry(resp, e.ttl)); err != nil {
			e.logger.Warn().Err(err).Str("key", key.String()).Msg("Cache write failed")
		}
	}

	return resp, nil
}
