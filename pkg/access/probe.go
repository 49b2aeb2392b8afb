// Package access checks the rights an actor holds on a sample record.
//
// The lookup response carries the rights as a JSON document encoded inside
// a string field, so a probe decodes twice. The outer and inner decode fail
// with distinct errors.
package access

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/Sternrassler/dataverse-harvester/pkg/client"
	"github.com/Sternrassler/dataverse-harvester/pkg/record"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

var probesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "harvester_access_probes_total",
	Help: "Access probes by result",
}, []string{"result"})

var (
	// ErrMissingPrimaryID means the sample record lacks its primary id attribute.
	ErrMissingPrimaryID = errors.New("primary id attribute missing")

	// ErrNonStringPrimaryID means the primary id attribute is not a string.
	ErrNonStringPrimaryID = errors.New("primary id attribute is not a string")

	// ErrLookup covers transport, status and envelope decode failures.
	ErrLookup = errors.New("access lookup failed")

	// ErrNestedDecode means the embedded access document is not valid JSON.
	ErrNestedDecode = errors.New("access info decode failed")
)

// ProbeError is returned by every failing probe step. Kind is one of the
// sentinel errors above.
type ProbeError struct {
	Kind error
	Err  error
}

// Error implements the error interface.
func (e *ProbeError) Error() string {
	if e.Err == nil {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%v: %v", e.Kind, e.Err)
}

// Unwrap exposes both the kind and the cause to errors.Is/As.
func (e *ProbeError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Result is the decoded access document.
type Result struct {
	GrantedAccessRights string `json:"GrantedAccessRights"`
}

// Config holds prober configuration.
type Config struct {
	// BaseURL is the Web API root.
	BaseURL string
}

// Prober runs RetrievePrincipalAccessInfo lookups.
type Prober struct {
	exec   client.Executor
	config Config
	logger zerolog.Logger
}

// NewProber creates a prober over exec.
func NewProber(exec client.Executor, cfg Config, logger zerolog.Logger) *Prober {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Prober{
		exec:   exec,
		config: cfg,
		logger: logger.With().Str("component", "access").Logger(),
	}
}

// SampleID returns the string value of attr in rec.
func SampleID(rec record.Record, attr string) (string, error) {
	v, ok := rec.Get(attr)
	if !ok {
		return "", &ProbeError{Kind: ErrMissingPrimaryID, Err: fmt.Errorf("attribute %q", attr)}
	}
	id, ok := v.AsString()
	if !ok {
		return "", &ProbeError{Kind: ErrNonStringPrimaryID, Err: fmt.Errorf("attribute %q is %s", attr, v.Kind())}
	}
	return id, nil
}

// LookupURL returns the RetrievePrincipalAccessInfo URL for one record.
func (p *Prober) LookupURL(logicalName, recordID, actorID string) string {
	return fmt.Sprintf("%s/systemusers(%s)/Microsoft.Dynamics.CRM.RetrievePrincipalAccessInfo(ObjectId=%s,EntityName='%s')",
		p.config.BaseURL,
		url.PathEscape(actorID),
		url.PathEscape(recordID),
		url.PathEscape(logicalName))
}

type envelope struct {
	AccessInfo *string `json:"AccessInfo"`
}

// Probe looks up the rights actorID holds on one record of logicalName.
func (p *Prober) Probe(ctx context.Context, logicalName, recordID, actorID string) (*Result, error) {
	target := p.LookupURL(logicalName, recordID, actorID)

	resp, err := p.exec.Execute(ctx, target, nil)
	if err != nil {
		return nil, p.fail(&ProbeError{Kind: ErrLookup, Err: err})
	}
	if err := client.CheckStatus(resp); err != nil {
		return nil, p.fail(&ProbeError{Kind: ErrLookup, Err: err})
	}

	var env envelope
	if err := resp.JSON(&env); err != nil {
		return nil, p.fail(&ProbeError{Kind: ErrLookup, Err: fmt.Errorf("decode envelope: %w", err)})
	}
	if env.AccessInfo == nil {
		return nil, p.fail(&ProbeError{Kind: ErrLookup, Err: errors.New("envelope has no AccessInfo")})
	}

	result, perr := decodeAccessInfo(*env.AccessInfo)
	if perr != nil {
		return nil, p.fail(perr)
	}

	probesTotal.WithLabelValues("ok").Inc()
	p.logger.Debug().
		Str("entity", logicalName).
		Str("record_id", recordID).
		Str("granted_access_rights", result.GrantedAccessRights).
		Msg("Access probe complete")

	return result, nil
}

// DecodeAccessInfo runs the inner decode of an AccessInfo string. The
// document must carry a string GrantedAccessRights.
func DecodeAccessInfo(accessInfo string) (*Result, error) {
	result, perr := decodeAccessInfo(accessInfo)
	if perr != nil {
		return nil, perr
	}
	return result, nil
}

type innerAccessInfo struct {
	GrantedAccessRights *string `json:"GrantedAccessRights"`
}

func decodeAccessInfo(accessInfo string) (*Result, *ProbeError) {
	var inner innerAccessInfo
	if err := json.Unmarshal([]byte(accessInfo), &inner); err != nil {
		return nil, &ProbeError{Kind: ErrNestedDecode, Err: err}
	}
	if inner.GrantedAccessRights == nil {
		return nil, &ProbeError{Kind: ErrNestedDecode, Err: errors.New("AccessInfo has no GrantedAccessRights")}
	}
	return &Result{GrantedAccessRights: *inner.GrantedAccessRights}, nil
}

func (p *Prober) fail(err *ProbeError) error {
	label := "lookup"
	if errors.Is(err.Kind, ErrNestedDecode) {
		label = "nested_decode"
	}
	probesTotal.WithLabelValues(label).Inc()
	return err
}
