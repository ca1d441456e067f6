// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

// Package httpx provides a simpler http.Client abstraction and derivative uses.
package httpx

import (
	"net/http"
	"time"
)

// BasicClient is a simpler http.Client that only requires a Do method.
type BasicClient interface {
	Do(*http.Request) (*http.Response, error)
}

var _ BasicClient = http.DefaultClient

// WithUserAgent is a basic HTTP client that adds a User-Agent header.
type WithUserAgent struct {
	BasicClient
	UserAgent string
}

var _ BasicClient = &WithUserAgent{}

// Do adds the User-Agent header and sends the request.
func (c *WithUserAgent) Do(req *http.Request) (*http.Response, error) {
	req.Header.Set("User-Agent", c.UserAgent)
	return c.BasicClient.Do(req)
}

// RateLimitedClient throttles outbound requests to one per tick, used to
// cap submission traffic to the downstream verification and scanning
// services.
type RateLimitedClient struct {
	BasicClient
	Ticker *time.Ticker
}

var _ BasicClient = &RateLimitedClient{}

// Do waits for the next tick before issuing the request.
func (c *RateLimitedClient) Do(req *http.Request) (*http.Response, error) {
	<-c.Ticker.C
	return c.BasicClient.Do(req)
}
