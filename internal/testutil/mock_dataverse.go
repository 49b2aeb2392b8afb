// Package testutil provides testing utilities for the harvester.
package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"time"
)

// DefaultAPIVersion is the API version segment the mock serves under.
const DefaultAPIVersion = "v9.2"

// MockResponse defines the behavior for a mock endpoint response.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// EntityDefinition is one catalog entry served from EntityDefinitions.
type EntityDefinition struct {
	SchemaName         string
	LogicalName        string
	EntitySetName      string
	PrimaryIDAttribute string
}

// MockDataverse is a configurable mock Web API server for testing.
type MockDataverse struct {
	server   *httptest.Server
	mu       sync.RWMutex
	handlers map[string]http.HandlerFunc

	// Tracking
	RequestCount      int
	PathCounts        map[string]int
	LastRequestHeader http.Header
	inFlight          int
	MaxInFlight       int
}

// NewMockDataverse creates a new mock server.
func NewMockDataverse() *MockDataverse {
	mock := &MockDataverse{
		handlers:   make(map[string]http.HandlerFunc),
		PathCounts: make(map[string]int),
	}

	mock.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mock.mu.Lock()
		mock.RequestCount++
		mock.PathCounts[r.URL.Path]++
		mock.LastRequestHeader = r.Header.Clone()
		mock.inFlight++
		if mock.inFlight > mock.MaxInFlight {
			mock.MaxInFlight = mock.inFlight
		}
		handler, exists := mock.handlers[r.URL.Path]
		mock.mu.Unlock()

		defer func() {
			mock.mu.Lock()
			mock.inFlight--
			mock.mu.Unlock()
		}()

		if exists {
			handler(w, r)
			return
		}

		writeJSON(w, http.StatusNotFound, `{"error":{"code":"0x80060888","message":"Resource not found for the segment"}}`)
	}))

	return mock
}

// URL returns the mock server URL, usable as the instance target.
func (m *MockDataverse) URL() string {
	return m.server.URL
}

// BaseURL returns the Web API root for DefaultAPIVersion.
func (m *MockDataverse) BaseURL() string {
	return m.server.URL + APIRoot()
}

// APIRoot returns the Web API path prefix for DefaultAPIVersion.
func APIRoot() string {
	return "/api/data/" + DefaultAPIVersion
}

// Close shuts down the mock server.
func (m *MockDataverse) Close() {
	m.server.Close()
}

// Reset clears all tracking counters.
func (m *MockDataverse) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RequestCount = 0
	m.PathCounts = make(map[string]int)
	m.LastRequestHeader = nil
	m.MaxInFlight = 0
}

// SetHandler sets a custom handler for a path relative to the Web API root.
func (m *MockDataverse) SetHandler(path string, handler http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[APIRoot()+"/"+strings.TrimPrefix(path, "/")] = handler
}

// SetResponse configures a fixed response for a path relative to the Web API root.
func (m *MockDataverse) SetResponse(path string, resp MockResponse) {
	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		if resp.Delay > 0 {
			time.Sleep(resp.Delay)
		}
		for key, value := range resp.Headers {
			w.Header().Set(key, value)
		}
		writeJSON(w, resp.StatusCode, resp.Body)
	})
}

// SetEntityDefinitions serves the catalog listing.
func (m *MockDataverse) SetEntityDefinitions(defs ...EntityDefinition) {
	type wireDef struct {
		SchemaName         string `json:"SchemaName"`
		LogicalName        string `json:"LogicalName"`
		EntitySetName      string `json:"EntitySetName"`
		PrimaryIDAttribute string `json:"PrimaryIdAttribute"`
		MetadataID         string `json:"MetadataId"`
	}
	wire := make([]wireDef, len(defs))
	for i, d := range defs {
		wire[i] = wireDef{
			SchemaName:         d.SchemaName,
			LogicalName:        d.LogicalName,
			EntitySetName:      d.EntitySetName,
			PrimaryIDAttribute: d.PrimaryIDAttribute,
			MetadataID:         fmt.Sprintf("00000000-0000-0000-0000-%012d", i),
		}
	}
	body, _ := json.Marshal(map[string]any{
		"@odata.context": "$metadata#EntityDefinitions",
		"value":          wire,
	})
	m.SetResponse("EntityDefinitions", NewHealthyResponse(string(body)))
}

// SetPages serves a collection as a chain of pages. Each page is a list of
// raw JSON record objects. Every page except the last carries an
// @odata.nextLink pointing at the following page via $skiptoken.
func (m *MockDataverse) SetPages(setName string, pages ...[]string) {
	m.SetPagesWithDelay(setName, 0, pages...)
}

// SetPagesWithDelay is SetPages with a per-page response delay.
func (m *MockDataverse) SetPagesWithDelay(setName string, delay time.Duration, pages ...[]string) {
	m.SetHandler(setName, func(w http.ResponseWriter, r *http.Request) {
		if delay > 0 {
			time.Sleep(delay)
		}

		index := 0
		if token := r.URL.Query().Get("$skiptoken"); token != "" {
			n, err := strconv.Atoi(token)
			if err != nil || n < 0 || n >= len(pages) {
				writeJSON(w, http.StatusBadRequest, `{"error":{"code":"0x80048d19","message":"invalid skip token"}}`)
				return
			}
			index = n
		}

		var b strings.Builder
		fmt.Fprintf(&b, `{"@odata.context":"$metadata#%s",`, setName)
		if index == 0 {
			total := 0
			for _, p := range pages {
				total += len(p)
			}
			fmt.Fprintf(&b, `"@odata.count":%d,`, total)
		}
		b.WriteString(`"value":[`)
		if len(pages) > 0 {
			b.WriteString(strings.Join(pages[index], ","))
		}
		b.WriteString("]")
		if index+1 < len(pages) {
			next := fmt.Sprintf("%s%s/%s?$skiptoken=%d", m.server.URL, APIRoot(), setName, index+1)
			nextJSON, _ := json.Marshal(next)
			fmt.Fprintf(&b, `,"@odata.nextLink":%s`, nextJSON)
		}
		b.WriteString("}")

		writeJSON(w, http.StatusOK, b.String())
	})
}

// SetAccessInfo serves RetrievePrincipalAccessInfo for one (actor, record, entity).
// accessInfo is the raw string placed in the AccessInfo field.
func (m *MockDataverse) SetAccessInfo(actorID, recordID, logicalName, accessInfo string) {
	path := AccessInfoPath(actorID, recordID, logicalName)
	inner, _ := json.Marshal(accessInfo)
	m.SetResponse(path, NewHealthyResponse(fmt.Sprintf(
		`{"@odata.context":"$metadata#Microsoft.Dynamics.CRM.RetrievePrincipalAccessInfoResponse","AccessInfo":%s}`, inner)))
}

// AccessInfoPath returns the RetrievePrincipalAccessInfo path relative to the Web API root.
func AccessInfoPath(actorID, recordID, logicalName string) string {
	return fmt.Sprintf("systemusers(%s)/Microsoft.Dynamics.CRM.RetrievePrincipalAccessInfo(ObjectId=%s,EntityName='%s')",
		actorID, recordID, logicalName)
}

// SetIdentity serves WhoAmI, the systemuser record and RetrieveUserPrivileges.
func (m *MockDataverse) SetIdentity(userID, windowsLiveID string, privileges ...string) {
	m.SetResponse("WhoAmI", NewHealthyResponse(fmt.Sprintf(
		`{"@odata.context":"$metadata#Microsoft.Dynamics.CRM.WhoAmIResponse","BusinessUnitId":"bu-1","UserId":%q,"OrganizationId":"org-1"}`, userID)))

	m.SetResponse(fmt.Sprintf("systemusers(%s)", userID), NewHealthyResponse(fmt.Sprintf(
		`{"@odata.context":"$metadata#systemusers/$entity","systemuserid":%q,"windowsliveid":%q,"title":null,"fullname":"Test User"}`,
		userID, windowsLiveID)))

	type rolePrivilege struct {
		Depth                  string `json:"Depth"`
		PrivilegeID            string `json:"PrivilegeId"`
		BusinessUnitID         string `json:"BusinessUnitId"`
		PrivilegeName          string `json:"PrivilegeName"`
		RecordFilterID         string `json:"RecordFilterId"`
		RecordFilterUniqueName string `json:"RecordFilterUniqueName"`
	}
	privs := make([]rolePrivilege, len(privileges))
	for i, name := range privileges {
		privs[i] = rolePrivilege{
			Depth:          "Global",
			PrivilegeID:    fmt.Sprintf("priv-%d", i),
			BusinessUnitID: "bu-1",
			PrivilegeName:  name,
		}
	}
	body, _ := json.Marshal(map[string]any{
		"@odata.context": "$metadata#Microsoft.Dynamics.CRM.RetrieveUserPrivilegesResponse",
		"RolePrivileges": privs,
	})
	m.SetResponse(fmt.Sprintf("systemusers(%s)/Microsoft.Dynamics.CRM.RetrieveUserPrivileges", userID),
		NewHealthyResponse(string(body)))
}

// GetRequestCount returns the number of requests made to the server.
func (m *MockDataverse) GetRequestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.RequestCount
}

// GetPathCount returns the number of requests made to a path relative to the Web API root.
func (m *MockDataverse) GetPathCount(path string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.PathCounts[APIRoot()+"/"+strings.TrimPrefix(path, "/")]
}

// GetMaxInFlight returns the highest number of concurrently served requests.
func (m *MockDataverse) GetMaxInFlight() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.MaxInFlight
}

// NewHealthyResponse creates a standard 200 OK response with service protection headers.
func NewHealthyResponse(data string) MockResponse {
	return MockResponse{
		StatusCode: http.StatusOK,
		Body:       data,
		Headers: map[string]string{
			"x-ms-ratelimit-burst-remaining-xxx-requests":         "5999",
			"x-ms-ratelimit-time-remaining-xxx-combined-duration": "1199.9",
			"OData-Version": "4.0",
		},
	}
}

// NewThrottledResponse creates a 429 service protection response.
func NewThrottledResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusTooManyRequests,
		Body:       `{"error":{"code":"0x80072322","message":"Number of requests exceeded the limit of 6000 over time window of 300 seconds."}}`,
		Headers: map[string]string{
			"Retry-After": "30",
		},
	}
}

// NewServerErrorResponse creates a 500 Internal Server Error response.
func NewServerErrorResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusInternalServerError,
		Body:       `{"error":{"code":"0x80040216","message":"An unexpected error occurred."}}`,
	}
}

// NewForbiddenResponse creates a 403 missing-privilege response.
func NewForbiddenResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusForbidden,
		Body:       `{"error":{"code":"0x80040220","message":"Principal user is missing prvRead privilege"}}`,
	}
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json; odata.metadata=minimal")
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if body != "" {
		w.Write([]byte(body))
	}
}
