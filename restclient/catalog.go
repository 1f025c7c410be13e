package restclient

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// FetchDetectableApps issues the conditional GET for the detectable
// applications catalog. When etag is non-empty it is sent as
// If-None-Match; a 304 response is reported via notModified=true and the
// body is not read. On 200 the caller owns body and must close it; the
// streaming incremental parse lives in the catalog package, not here, since
// this client only opens the connection.
func (c *Client) FetchDetectableApps(ctx context.Context, etag string) (body io.ReadCloser, newEtag string, notModified bool, err error) {
	header := http.Header{}
	if etag != "" {
		header.Set("If-None-Match", fmt.Sprintf(`W/"%s"`, etag))
	}

	req, err := c.newRequest(ctx, http.MethodGet, "/api/v9/applications/detectable", nil, header)
	if err != nil {
		return nil, "", false, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", false, fmt.Errorf("fetch detectable apps: %w", ErrTransport)
	}

	switch resp.StatusCode {
	case http.StatusOK:
		etagHeader := strings.Trim(resp.Header.Get("ETag"), `W/"`)
		return resp.Body, etagHeader, false, nil

	case http.StatusNotModified:
		resp.Body.Close()
		return nil, etag, true, nil

	default:
		resp.Body.Close()
		c.logger.Error("failed to fetch detectable apps", "status", resp.StatusCode)
		return nil, "", false, fmt.Errorf("fetch detectable apps: status %d: %w", resp.StatusCode, ErrRejected)
	}
}
