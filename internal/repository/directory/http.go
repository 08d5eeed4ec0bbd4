package directory

import (
	"bytes"
	"context"
	"e2e_call/internal/model"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
)

// HTTP talks to the relay server's /keys endpoints.
type HTTP struct {
	baseURL url.URL
	token   string
	client  *http.Client
}

func NewHTTP(baseURL url.URL, token string, client *http.Client) *HTTP {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTP{baseURL: baseURL, token: token, client: client}
}

func (h *HTTP) keyURL(userID string) string {
	u := h.baseURL
	u.Path = "/keys/" + url.PathEscape(userID)
	return u.String()
}

func (h *HTTP) Publish(ctx context.Context, userID, publicKey string) error {
	body, err := json.Marshal(model.PublishedKey{UserID: userID, PublicKey: publicKey})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, h.keyURL(userID), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if h.token != "" {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	defer io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("publish public key: unexpected status %d", resp.StatusCode)
	}
	return nil
}

func (h *HTTP) PublicKey(ctx context.Context, userID string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.keyURL(userID), nil)
	if err != nil {
		return "", err
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	defer io.Copy(io.Discard, resp.Body)

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return "", ErrNotFound
	default:
		return "", fmt.Errorf("get public key: unexpected status %d", resp.StatusCode)
	}

	var pk model.PublishedKey
	if err := json.NewDecoder(resp.Body).Decode(&pk); err != nil {
		return "", err
	}
	return pk.PublicKey, nil
}
