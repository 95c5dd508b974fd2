package rest

import (
	"context"
	"io"
	"net/http"
	"time"
)

type Client struct {
	httpClient *http.Client
}

type Options struct {
	Headers map[string]string
}

func NewClient(httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{httpClient: httpClient}
}

func (c *Client) applyHeaders(req *http.Request, headers map[string]string) {
	for k, v := range headers {
		req.Header.Set(k, v)
	}
}

func (c *Client) makeRequest(ctx context.Context, method string, url string, body io.Reader, options *Options) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	// Mandatory headers.
	req.Header.Set("Content-Type", "application/json; charset=UTF-8")

	if options != nil {
		// Apply all options in here, including additional headers.
		c.applyHeaders(req, options.Headers)
	}
	return req, nil
}

func (c *Client) Get(ctx context.Context, url string, body io.Reader, options *Options) (*http.Response, error) {
	req, err := c.makeRequest(ctx, http.MethodGet, url, body, options)
	if err != nil {
		return nil, err
	}
	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (c *Client) Post(ctx context.Context, url string, body io.Reader, options *Options) (*http.Response, error) {
	req, err := c.makeRequest(ctx, http.MethodPost, url, body, options)
	if err != nil {
		return nil, err
	}
	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (c *Client) Head(ctx context.Context, url string, options *Options) (*http.Response, error) {
	req, err := c.makeRequest(ctx, http.MethodHead, url, nil, options)
	if err != nil {
		return nil, err
	}
	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (c *Client) Delete(ctx context.Context, url string, body io.Reader, options *Options) (*http.Response, error) {
	req, err := c.makeRequest(ctx, http.MethodDelete, url, body, options)
	if err != nil {
		return nil, err
	}
	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	return res, nil
}
