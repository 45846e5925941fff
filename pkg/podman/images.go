package podman

import (
	"bufio"
	"context"
	"net/http"
	"net/url"

	"github.com/tidwall/gjson"
)

// Pull pulls reference into local storage. The endpoint streams progress as
// JSON lines and reports failures in-band with an "error" key, so the
// stream is read to the end.
func (c *Client) Pull(ctx context.Context, reference string) error {
	q := url.Values{"reference": {reference}, "quiet": {"true"}}
	resp, err := c.do(ctx, "pull image", http.MethodPost, "/images/pull", q, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)
	var id string
	for scanner.Scan() {
		line := scanner.Bytes()
		if !gjson.ValidBytes(line) {
			continue
		}
		if msg := gjson.GetBytes(line, "error"); msg.Exists() && msg.String() != "" {
			return &APIError{Sentinel: ErrServer, Operation: "pull image", Status: resp.StatusCode, Message: msg.String()}
		}
		if v := gjson.GetBytes(line, "id"); v.Exists() {
			id = v.String()
		}
	}
	if err := scanner.Err(); err != nil {
		return &APIError{Sentinel: ErrBadResponse, Operation: "pull image", Err: err}
	}
	c.logger.Info().Str("image", reference).Str("id", id).Msg("Pulled image")
	return nil
}

// ImageExists reports whether reference is in local storage.
func (c *Client) ImageExists(ctx context.Context, reference string) (bool, error) {
	resp, err := c.do(ctx, "image exists", http.MethodGet, "/images/"+escape(reference)+"/exists", nil, nil)
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, drain(resp)
}
