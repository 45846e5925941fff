package podman

import (
	"bytes"
	"context"
	"net/http"
	"net/url"
)

// Secret is an entry of the secret list.
type Secret struct {
	ID   string `json:"ID"`
	Spec struct {
		Name   string `json:"Name"`
		Driver struct {
			Name string `json:"Name"`
		} `json:"Driver"`
	} `json:"Spec"`
}

// Name returns the secret name.
func (s Secret) Name() string {
	return s.Spec.Name
}

// ListSecrets lists the secrets known to the service.
func (c *Client) ListSecrets(ctx context.Context) ([]Secret, error) {
	var out []Secret
	if _, err := c.doJSON(ctx, "list secrets", http.MethodGet, "/secrets/json", nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// SecretExists reports whether a secret named name exists.
func (c *Client) SecretExists(ctx context.Context, name string) (bool, error) {
	list, err := c.ListSecrets(ctx)
	if err != nil {
		return false, err
	}
	for _, s := range list {
		if s.Name() == name {
			return true, nil
		}
	}
	return false, nil
}

// CreateSecret stores data as a secret. An empty driver uses podman's
// default.
func (c *Client) CreateSecret(ctx context.Context, name string, data []byte, driver string) (string, error) {
	q := url.Values{"name": {name}}
	if driver != "" {
		q.Set("driver", driver)
	}
	resp, err := c.do(ctx, "create secret", http.MethodPost, "/secrets/create", q, bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	var out struct {
		ID string `json:"ID"`
	}
	if err := decode(resp, &out); err != nil {
		return "", &APIError{Sentinel: ErrBadResponse, Operation: "create secret", Status: resp.StatusCode, Err: err}
	}
	return out.ID, nil
}

// RemoveSecret deletes a secret.
func (c *Client) RemoveSecret(ctx context.Context, name string) error {
	_, err := c.doJSON(ctx, "remove secret", http.MethodDelete, "/secrets/"+escape(name), nil, nil, nil)
	return err
}
