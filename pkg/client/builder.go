package client

import (
	"context"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"
)

// Get sends a GET request. params are appended to the query string.
func (c *Client) Get(ctx context.Context, rawURL string, params url.Values) (*Response, error) {
	return c.Do(ctx, buildRequest("GET", rawURL, params))
}

// Head sends a HEAD request.
func (c *Client) Head(ctx context.Context, rawURL string, params url.Values) (*Response, error) {
	return c.Do(ctx, buildRequest("HEAD", rawURL, params))
}

// Delete sends a DELETE request.
func (c *Client) Delete(ctx context.Context, rawURL string, params url.Values) (*Response, error) {
	return c.Do(ctx, buildRequest("DELETE", rawURL, params))
}

// MGet fetches every URL of urls in parallel. The result is keyed like urls.
func (c *Client) MGet(ctx context.Context, urls map[string]string, params url.Values) (map[string]*Response, error) {
	return c.DoBatch(ctx, buildRequests("GET", urls, params))
}

func (c *Client) MHead(ctx context.Context, urls map[string]string, params url.Values) (map[string]*Response, error) {
	return c.DoBatch(ctx, buildRequests("HEAD", urls, params))
}

func (c *Client) MDelete(ctx context.Context, urls map[string]string, params url.Values) (map[string]*Response, error) {
	return c.DoBatch(ctx, buildRequests("DELETE", urls, params))
}

// Post sends fields as a url-encoded form.
func (c *Client) Post(ctx context.Context, rawURL string, fields map[string]any) (*Response, error) {
	req := NewRequest(rawURL, "POST")
	for _, k := range sortedMapKeys(fields) {
		req.AddPostField(k, fields[k])
	}
	return c.Do(ctx, req)
}

// Put sends content as the request body.
func (c *Client) Put(ctx context.Context, rawURL string, content []byte) (*Response, error) {
	req := NewRequest(rawURL, "PUT")
	if content == nil {
		content = []byte{}
	}
	req.SetBody(content)
	return c.Do(ctx, req)
}

// GetJSON sends a GET with Accept: application/json and parses the reply.
// ok is false when the request failed or the reply is not JSON.
func (c *Client) GetJSON(ctx context.Context, rawURL string, params url.Values) (gjson.Result, bool, error) {
	req := buildRequest("GET", rawURL, params)
	req.SetHeader("accept", "application/json")
	return c.doJSON(ctx, req)
}

// PostJSON posts v encoded as JSON and parses the reply.
func (c *Client) PostJSON(ctx context.Context, rawURL string, v any) (gjson.Result, bool, error) {
	return c.sendJSON(ctx, "POST", rawURL, v)
}

// PutJSON puts v encoded as JSON and parses the reply.
func (c *Client) PutJSON(ctx context.Context, rawURL string, v any) (gjson.Result, bool, error) {
	return c.sendJSON(ctx, "PUT", rawURL, v)
}

func (c *Client) sendJSON(ctx context.Context, method, rawURL string, v any) (gjson.Result, bool, error) {
	req := NewRequest(rawURL, method)
	req.SetHeader("accept", "application/json")
	if err := req.SetJSONBody(v); err != nil {
		return gjson.Result{}, false, err
	}
	return c.doJSON(ctx, req)
}

func (c *Client) doJSON(ctx context.Context, req *Request) (gjson.Result, bool, error) {
	res, err := c.Do(ctx, req)
	if err != nil {
		return gjson.Result{}, false, err
	}
	defer res.Close()
	if res.HasError() {
		return gjson.Result{}, false, res.Err
	}
	doc, ok := res.JSON()
	return doc, ok, nil
}

func buildRequest(method, rawURL string, params url.Values) *Request {
	if len(params) > 0 {
		if strings.Contains(rawURL, "?") {
			rawURL += "&"
		} else {
			rawURL += "?"
		}
		rawURL += params.Encode()
	}
	return NewRequest(rawURL, method)
}

func buildRequests(method string, urls map[string]string, params url.Values) map[string]*Request {
	reqs := make(map[string]*Request, len(urls))
	for k, u := range urls {
		reqs[k] = buildRequest(method, u, params)
	}
	return reqs
}
