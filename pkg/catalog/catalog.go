// Package catalog lists the harvestable collections of an instance.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/Sternrassler/dataverse-harvester/pkg/client"
	"github.com/rs/zerolog"
)

// SelectFields is the $select applied to the EntityDefinitions query.
const SelectFields = "SchemaName,LogicalName,EntitySetName,PrimaryIdAttribute"

// ErrCatalogFetch matches every *FetchError.
var ErrCatalogFetch = errors.New("catalog fetch failed")

// FetchError is fatal to a run: without a catalog there is nothing to harvest.
type FetchError struct {
	URL        string
	StatusCode int
	Err        error
}

// Error implements the error interface.
func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch catalog %s (status %d): %v", e.URL, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("fetch catalog %s: %v", e.URL, e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *FetchError) Unwrap() error {
	return e.Err
}

// Is reports ErrCatalogFetch as a match.
func (e *FetchError) Is(target error) bool {
	return target == ErrCatalogFetch
}

// Definition identifies one harvestable collection.
type Definition struct {
	SchemaName         string `json:"SchemaName"`
	LogicalName        string `json:"LogicalName"`
	SetName            string `json:"EntitySetName"`
	PrimaryIDAttribute string `json:"PrimaryIdAttribute"`
}

// UnmarshalJSON accepts setName as an alias of EntitySetName.
func (d *Definition) UnmarshalJSON(data []byte) error {
	type plain Definition
	var wire struct {
		plain
		Alias string `json:"setName"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	*d = Definition(wire.plain)
	if d.SetName == "" {
		d.SetName = wire.Alias
	}
	return nil
}

// Catalog is an immutable, ordered list of definitions.
type Catalog struct {
	defs []Definition
}

// New builds a catalog from defs.
func New(defs ...Definition) *Catalog {
	out := make([]Definition, len(defs))
	copy(out, defs)
	return &Catalog{defs: out}
}

// Len returns the number of definitions.
func (c *Catalog) Len() int {
	return len(c.defs)
}

// All returns a copy of every definition in catalog order.
func (c *Catalog) All() []Definition {
	return c.List(nil, nil)
}

// List applies Filter to the catalog.
func (c *Catalog) List(include, exclude []string) []Definition {
	return Filter(c.defs, include, exclude)
}

// Filter keeps definitions whose SetName is in include (all of them when
// include is empty) and drops any whose SetName is in exclude. Exclude wins
// over include. Order is preserved.
func Filter(defs []Definition, include, exclude []string) []Definition {
	includeSet := toSet(include)
	excludeSet := toSet(exclude)

	out := make([]Definition, 0, len(defs))
	for _, d := range defs {
		if len(includeSet) > 0 {
			if _, ok := includeSet[d.SetName]; !ok {
				continue
			}
		}
		if _, ok := excludeSet[d.SetName]; ok {
			continue
		}
		out = append(out, d)
	}
	return out
}

func toSet(names []string) map[string]struct{} {
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		if n = strings.TrimSpace(n); n != "" {
			set[n] = struct{}{}
		}
	}
	return set
}

// URL returns the EntityDefinitions query for a Web API root.
func URL(baseURL string) string {
	return strings.TrimRight(baseURL, "/") + "/EntityDefinitions?$select=" + SelectFields
}

// Fetch runs the one-shot catalog query. Definitions without a set name
// cannot be listed and are skipped.
func Fetch(ctx context.Context, exec client.Executor, url string, logger zerolog.Logger) (*Catalog, error) {
	resp, err := exec.Execute(ctx, url, nil)
	if err != nil {
		return nil, &FetchError{URL: url, Err: err}
	}
	if err := client.CheckStatus(resp); err != nil {
		return nil, &FetchError{URL: url, StatusCode: resp.StatusCode, Err: err}
	}

	var body struct {
		Value *[]Definition `json:"value"`
	}
	if err := resp.JSON(&body); err != nil {
		return nil, &FetchError{URL: url, Err: fmt.Errorf("decode: %w", err)}
	}
	if body.Value == nil {
		return nil, &FetchError{URL: url, Err: errors.New("decode: missing value array")}
	}

	defs := make([]Definition, 0, len(*body.Value))
	for _, d := range *body.Value {
		if d.SetName == "" {
			logger.Debug().
				Str("logical_name", d.LogicalName).
				Msg("Skipping entity without a set name")
			continue
		}
		defs = append(defs, d)
	}

	logger.Debug().
		Int("definitions", len(defs)).
		Int("skipped", len(*body.Value)-len(defs)).
		Msg("Catalog fetched")

	return &Catalog{defs: defs}, nil
}
