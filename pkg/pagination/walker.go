package pagination

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/dataverse-harvester/pkg/client"
	"github.com/Sternrassler/dataverse-harvester/pkg/record"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

var (
	pagesFetched = promauto.NewCounter(prometheus.CounterOpts{
		Name: "harvester_pages_fetched_total",
		Help: "Collection pages fetched and decoded",
	})

	recordsFetched = promauto.NewCounter(prometheus.CounterOpts{
		Name: "harvester_records_fetched_total",
		Help: "Records decoded from collection pages",
	})

	walkDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "harvester_walk_duration_seconds",
		Help:    "Time to walk one collection to its last page",
		Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
	})
)

// progressInterval is the page interval for info-level progress lines.
const progressInterval = 50

var (
	// ErrPageFetch matches every *FetchError.
	ErrPageFetch = errors.New("page fetch failed")

	// ErrTooManyPages is wrapped by the *FetchError returned when a walk
	// exceeds Config.MaxPages.
	ErrTooManyPages = errors.New("page limit exceeded")
)

// FetchError aborts a walk. Page is the 1-based index of the failing page.
// StatusCode is set when the server answered with a non-2xx status.
type FetchError struct {
	Collection string
	Page       int
	StatusCode int
	Err        error
}

// Error implements the error interface.
func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s page %d (status %d): %v", e.Collection, e.Page, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("fetch %s page %d: %v", e.Collection, e.Page, e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *FetchError) Unwrap() error {
	return e.Err
}

// Is reports ErrPageFetch as a match.
func (e *FetchError) Is(target error) bool {
	return target == ErrPageFetch
}

// Config holds walker configuration.
type Config struct {
	// BaseURL is the Web API root, e.g. https://org.crm.dynamics.com/api/data/v9.2.
	BaseURL string

	// MaxPages caps the pages walked per collection (0 = unlimited).
	MaxPages int
}

// Page is one decoded collection response.
type Page struct {
	Records []record.Record
	// NextCursor is the @odata.nextLink, empty on the last page.
	NextCursor string
}

// Result is a fully merged collection.
type Result struct {
	SetName     string
	Records     []record.Record
	RecordCount int
	Pages       int
}

// Walker follows next links for one collection at a time. It holds no
// per-walk state and is safe for concurrent use.
type Walker struct {
	exec   client.Executor
	config Config
	logger zerolog.Logger
}

// NewWalker creates a walker over exec.
func NewWalker(exec client.Executor, cfg Config, logger zerolog.Logger) *Walker {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Walker{
		exec:   exec,
		config: cfg,
		logger: logger.With().Str("component", "pagination").Logger(),
	}
}

// FirstURL returns the listing URL a walk of setName starts from.
func (w *Walker) FirstURL(setName string) string {
	return w.config.BaseURL + "/" + setName + "?$count=true"
}

// Walk fetches every page of setName and merges the records in page order.
// pageSize is sent as an odata.maxpagesize preference; <= 0 omits it.
func (w *Walker) Walk(ctx context.Context, setName string, pageSize int) (*Result, error) {
	start := time.Now()
	logger := w.logger.With().Str("collection", setName).Logger()

	var header http.Header
	if pageSize > 0 {
		header = http.Header{}
		header.Set("Prefer", "odata.maxpagesize="+strconv.Itoa(pageSize))
	}

	result := &Result{SetName: setName, Records: []record.Record{}}
	cursor := w.FirstURL(setName)

	for {
		if w.config.MaxPages > 0 && result.Pages >= w.config.MaxPages {
			return nil, &FetchError{
				Collection: setName,
				Page:       result.Pages + 1,
				Err:        fmt.Errorf("%w: %d", ErrTooManyPages, w.config.MaxPages),
			}
		}

		pageNum := result.Pages + 1
		page, err := w.fetchPage(ctx, setName, pageNum, cursor, header)
		if err != nil {
			logger.Debug().Err(err).Int("page", pageNum).Msg("Page fetch failed")
			return nil, err
		}

		result.Records = append(result.Records, page.Records...)
		result.Pages = pageNum
		pagesFetched.Inc()
		recordsFetched.Add(float64(len(page.Records)))

		logger.Debug().
			Int("page", pageNum).
			Int("page_records", len(page.Records)).
			Int("total_records", len(result.Records)).
			Bool("has_next", page.NextCursor != "").
			Msg("Page fetched")

		if pageNum%progressInterval == 0 {
			logger.Info().
				Int("pages", pageNum).
				Int("records", len(result.Records)).
				Msg("Fetch progress")
		}

		if page.NextCursor == "" {
			break
		}

		next, err := resolveCursor(cursor, page.NextCursor)
		if err != nil {
			return nil, &FetchError{Collection: setName, Page: pageNum, Err: err}
		}
		cursor = next
	}

	result.RecordCount = len(result.Records)
	walkDuration.Observe(time.Since(start).Seconds())

	logger.Debug().
		Int("pages", result.Pages).
		Int("records", result.RecordCount).
		Dur("duration", time.Since(start)).
		Msg("Walk complete")

	return result, nil
}

func (w *Walker) fetchPage(ctx context.Context, setName string, pageNum int, cursor string, header http.Header) (*Page, error) {
	resp, err := w.exec.Execute(ctx, cursor, header)
	if err != nil {
		return nil, &FetchError{Collection: setName, Page: pageNum, Err: err}
	}
	if err := client.CheckStatus(resp); err != nil {
		return nil, &FetchError{Collection: setName, Page: pageNum, StatusCode: resp.StatusCode, Err: err}
	}

	page, err := DecodePage(resp.Body)
	if err != nil {
		return nil, &FetchError{Collection: setName, Page: pageNum, Err: err}
	}
	return page, nil
}

type wirePage struct {
	Value    *[]record.Record `json:"value"`
	NextLink string           `json:"@odata.nextLink"`
}

// DecodePage parses one collection response body. A body without a value
// array is an error.
func DecodePage(body []byte) (*Page, error) {
	var wire wirePage
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("decode page: %w", err)
	}
	if wire.Value == nil {
		return nil, errors.New("decode page: missing value array")
	}
	return &Page{Records: *wire.Value, NextCursor: wire.NextLink}, nil
}

// resolveCursor resolves a next link against the URL it was returned for, so
// both absolute and relative links are followed.
func resolveCursor(current, next string) (string, error) {
	base, err := url.Parse(current)
	if err != nil {
		return "", fmt.Errorf("parse cursor %q: %w", current, err)
	}
	ref, err := url.Parse(next)
	if err != nil {
		return "", fmt.Errorf("parse next link %q: %w", next, err)
	}
	return base.ResolveReference(ref).String(), nil
}
