package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"e2e_core/internal/identity"
	"e2e_core/internal/model"

	"github.com/gorilla/websocket"
)

var errNotConnected = errors.New("not connected to relay")

func (c *App) keysURL(id model.Identity) string {
	u := url.URL{
		Scheme: "http",
		Host:   c.opts.Client.RelayHost,
		Path:   fmt.Sprintf("/keys/%s", id),
	}
	return u.String()
}

// fetchKeys returns identity.ErrUnknownIdentity when the relay has no record.
func (c *App) fetchKeys(ctx context.Context, id model.Identity) (*model.Contact, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.keysURL(id), nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	defer io.Copy(io.Discard, resp.Body)

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", identity.ErrUnknownIdentity, id)
	default:
		return nil, fmt.Errorf("get keys of %s: %s", id, resp.Status)
	}

	var rec model.KeyRecord
	if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
		return nil, err
	}
	contact, err := rec.Contact()
	if err != nil {
		return nil, err
	}
	if contact.Identity != id {
		return nil, fmt.Errorf("relay answered for %s instead of %s", contact.Identity, id)
	}
	return &contact, nil
}

func (c *App) publishKeys(ctx context.Context, self model.Contact) error {
	body, err := json.Marshal(model.RecordOf(self))
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.keysURL(self.Identity), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("put keys: %s", resp.Status)
	}
	return nil
}

// resolveContact reads the local contact list first and falls back to the relay.
func (c *App) resolveContact(ctx context.Context, id model.Identity) (*model.Contact, error) {
	contact, err := c.opts.Contacts.GetByIdentity(ctx, id)
	if err != nil {
		return nil, err
	}
	if contact != nil {
		return contact, nil
	}

	contact, err = c.fetchKeys(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := c.opts.Contacts.Upsert(ctx, *contact); err != nil {
		return nil, err
	}
	return contact, nil
}

// PublicKey makes the App the key directory of its own key store.
func (c *App) PublicKey(ctx context.Context, id model.Identity) (model.PublicKey, error) {
	contact, err := c.resolveContact(ctx, id)
	if err != nil {
		return model.PublicKey{}, err
	}
	return contact.PublicKey, nil
}

func (c *App) initWebhook(id model.Identity) (*websocket.Conn, error) {
	params := url.Values{
		"identity": []string{id.String()},
	}

	u := url.URL{
		Scheme:   "ws",
		Host:     c.opts.Client.RelayHost,
		Path:     "/ws",
		RawQuery: params.Encode(),
	}

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return nil, err
	}

	return conn, nil
}
