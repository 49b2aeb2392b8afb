package client

import (
	"fmt"
	"net/http"
	"strings"
)

// ParseHeaders converts "Name: value" strings into an http.Header.
// Only the first colon separates name and value, so values such as
// cookies or URLs may contain further colons.
func ParseHeaders(lines []string) (http.Header, error) {
	header := http.Header{}
	for _, line := range lines {
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("header %q: missing ':' separator", line)
		}
		name = strings.TrimSpace(name)
		if name == "" {
			return nil, fmt.Errorf("header %q: empty name", line)
		}
		header.Add(name, strings.TrimSpace(value))
	}
	return header, nil
}
