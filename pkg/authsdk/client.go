package authsdk

import (
	"net/http"
	"strings"
	"time"
)

// Client talks to the application backend.
type Client struct {
	BaseURL    string
	ClientID   string
	HTTPClient *http.Client
}

// NewClient creates a client with a ten second request timeout.
func NewClient(baseURL, clientID string) *Client {
	return &Client{
		BaseURL:  strings.TrimSuffix(baseURL, "/"),
		ClientID: clientID,
		HTTPClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// WithTransport returns a copy of c whose HTTP client uses rt.
func (c *Client) WithTransport(rt http.RoundTripper) *Client {
	hc := *c.HTTPClient
	hc.Transport = rt

	cp := *c
	cp.HTTPClient = &hc
	return &cp
}
