package netutils

import (
	"crypto/tls"
	"net/http"
	"strings"
	"time"
)

// NewClient returns the HTTP client used to reach the controller. insecure
// skips certificate verification for self-signed controller certificates.
func NewClient(insecure bool, timeout time.Duration) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if insecure {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return &http.Client{Transport: transport, Timeout: timeout}
}

// BaseURL trims trailing slashes so paths can be appended.
func BaseURL(u string) string {
	return strings.TrimRight(u, "/")
}
