package app

import (
	"context"
	"e2e_call/internal/model"
	"e2e_call/internal/repository/directory"
	"e2e_call/internal/repository/relay"
	apperr "e2e_call/pkg/errors"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
)

// API reaches the relay server over HTTP and websocket.
type API struct {
	base   url.URL
	ws     url.URL
	client *http.Client
}

func NewAPI(host string, secure bool, client *http.Client) *API {
	if client == nil {
		client = http.DefaultClient
	}
	scheme, wsScheme := "http", "ws"
	if secure {
		scheme, wsScheme = "https", "wss"
	}
	return &API{
		base:   url.URL{Scheme: scheme, Host: host},
		ws:     url.URL{Scheme: wsScheme, Host: host, Path: "/relay"},
		client: client,
	}
}

// SignIn registers name on first use and returns its identity with a relay token.
func (a *API) SignIn(ctx context.Context, name string) (model.Identity, error) {
	return a.identity(ctx, http.MethodPost, name)
}

// LookupUser resolves a peer by display name.
func (a *API) LookupUser(ctx context.Context, name string) (model.Identity, error) {
	return a.identity(ctx, http.MethodGet, name)
}

func (a *API) identity(ctx context.Context, method, name string) (model.Identity, error) {
	u := a.base
	u.Path = "/users/" + url.PathEscape(name)

	req, err := http.NewRequestWithContext(ctx, method, u.String(), nil)
	if err != nil {
		return model.Identity{}, err
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return model.Identity{}, err
	}
	defer resp.Body.Close()
	defer io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return model.Identity{}, decodeError(resp)
	}

	var id model.Identity
	if err := json.NewDecoder(resp.Body).Decode(&id); err != nil {
		return model.Identity{}, err
	}
	return id, nil
}

func (a *API) DialRelay(ctx context.Context, token string) (*relay.WS, error) {
	return relay.DialWS(ctx, a.ws.String(), token)
}

// Directory publishes and fetches keys through the server as the given user.
func (a *API) Directory(token string) *directory.HTTP {
	return directory.NewHTTP(a.base, token, a.client)
}

func decodeError(resp *http.Response) error {
	var appErr apperr.AppError
	if err := json.NewDecoder(resp.Body).Decode(&appErr); err != nil || appErr.Code == "" {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return &appErr
}
