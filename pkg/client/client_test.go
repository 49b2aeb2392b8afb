package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Sternrassler/dataverse-harvester/pkg/ratelimit"
)

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name        string
		config      Config
		expectError bool
	}{
		{
			name:        "default config",
			config:      DefaultConfig(),
			expectError: false,
		},
		{
			name:        "zero timeout",
			config:      Config{},
			expectError: true,
		},
		{
			name: "bad proxy",
			config: Config{
				Timeout: time.Second,
				Proxy:   "://nope",
			},
			expectError: true,
		},
		{
			name: "proxy and insecure",
			config: Config{
				Timeout:  time.Second,
				Proxy:    "http://localhost:8080",
				Insecure: true,
			},
			expectError: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := New(tt.config)
			if tt.expectError {
				if err == nil {
					t.Error("Expected error but got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if c == nil {
				t.Error("Client is nil")
			}
		})
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Timeout <= 0 {
		t.Errorf("Timeout = %v, should be > 0", cfg.Timeout)
	}
	if cfg.UserAgent == "" {
		t.Error("UserAgent should be set")
	}
	if cfg.RateLimit != 0 {
		t.Errorf("RateLimit = %v, want 0 (unlimited)", cfg.RateLimit)
	}
}

func TestExecute_HeadersAndBody(t *testing.T) {
	var gotHeader http.Header
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Clone()
		w.Header().Set(ratelimit.HeaderBurstRemaining, "5990")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"value":[]}`))
	}))
	defer server.Close()

	cfg := DefaultConfig()
	cfg.Headers = http.Header{}
	cfg.Headers.Set("Cookie", "CrmOwinAuth abc")
	cfg.Headers.Set("Prefer", "odata.include-annotations=*")

	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	override := http.Header{}
	override.Set("Prefer", "odata.maxpagesize=10")

	resp, err := c.Execute(context.Background(), server.URL+"/api/data/v9.2/accounts", override)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	if resp.StatusCode != http.StatusOK {
		t.Errorf("StatusCode = %d, want 200", resp.StatusCode)
	}
	if string(resp.Body) != `{"value":[]}` {
		t.Errorf("Body = %s", resp.Body)
	}
	if got := gotHeader.Get("Cookie"); got != "CrmOwinAuth abc" {
		t.Errorf("Cookie header = %q", got)
	}
	if got := gotHeader.Values("Prefer"); len(got) != 1 || got[0] != "odata.maxpagesize=10" {
		t.Errorf("Prefer header = %v, want override only", got)
	}
	if got := gotHeader.Get("OData-Version"); got != "4.0" {
		t.Errorf("OData-Version header = %q", got)
	}
	if got := c.Budget().BurstRemaining; got != 5990 {
		t.Errorf("Budget().BurstRemaining = %d, want 5990", got)
	}
}

func TestExecute_NonSuccessIsNotAnError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":{"code":"0x80060888","message":"not found"}}`))
	}))
	defer server.Close()

	c, err := New(DefaultConfig())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	resp, err := c.Execute(context.Background(), server.URL, nil)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("StatusCode = %d, want 404", resp.StatusCode)
	}
	if CheckStatus(resp) == nil {
		t.Error("CheckStatus() should fail for 404")
	}
}

func TestExecute_TimeoutIsTransportError(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	cfg := DefaultConfig()
	cfg.Timeout = 50 * time.Millisecond
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	_, err = c.Execute(context.Background(), server.URL, nil)
	if err == nil {
		t.Fatal("Execute() should time out")
	}

	var transportErr *TransportError
	if !errors.As(err, &transportErr) {
		t.Fatalf("error type = %T, want *TransportError", err)
	}
	if transportErr.URL != server.URL {
		t.Errorf("URL = %q, want %q", transportErr.URL, server.URL)
	}
}

func TestBaseURL(t *testing.T) {
	tests := []struct {
		target string
		api    string
		want   string
	}{
		{"https://org.crm6.dynamics.com", "v9.2", "https://org.crm6.dynamics.com/api/data/v9.2"},
		{"https://org.crm6.dynamics.com/", "v9.2", "https://org.crm6.dynamics.com/api/data/v9.2"},
		{"http://localhost:8080", "/v9.1/", "http://localhost:8080/api/data/v9.1"},
	}

	for _, tt := range tests {
		if got := BaseURL(tt.target, tt.api); got != tt.want {
			t.Errorf("BaseURL(%q, %q) = %q, want %q", tt.target, tt.api, got, tt.want)
		}
	}
}

func TestParseHeaders(t *testing.T) {
	header, err := ParseHeaders([]string{
		"Cookie: CrmOwinAuth a=b; c=d",
		"Referer: https://org.crm.dynamics.com/main.aspx",
		"X-Empty:",
	})
	if err != nil {
		t.Fatalf("ParseHeaders() error = %v", err)
	}

	if got := header.Get("Cookie"); got != "CrmOwinAuth a=b; c=d" {
		t.Errorf("Cookie = %q", got)
	}
	if got := header.Get("Referer"); got != "https://org.crm.dynamics.com/main.aspx" {
		t.Errorf("Referer = %q", got)
	}
	if _, ok := header["X-Empty"]; !ok {
		t.Error("X-Empty header should be present")
	}

	for _, bad := range []string{"no separator", ": value"} {
		if _, err := ParseHeaders([]string{bad}); err == nil {
			t.Errorf("ParseHeaders(%q) should fail", bad)
		}
	}
}
