package remote

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"

	"github.com/syncache/syncache/internal/config"
	"github.com/syncache/syncache/pkg/errors"
	"github.com/syncache/syncache/pkg/types"
	"github.com/syncache/syncache/pkg/utils"
)

// versionHeader carries the optimistic-lock version expectation on updates.
const versionHeader = "X-Expected-Version"

// HTTPClient talks to a remote item API over JSON. It implements
// types.RemoteClient.
type HTTPClient struct {
	baseURL   string
	authToken string
	client    *http.Client
	breaker   *Breaker
	logger    *utils.StructuredLogger
}

// NewHTTPClient creates an HTTP remote client. breaker may be nil.
func NewHTTPClient(cfg config.RemoteConfig, breaker *Breaker, logger *utils.StructuredLogger) *HTTPClient {
	return &HTTPClient{
		baseURL:   cfg.BaseURL,
		authToken: cfg.AuthToken,
		client:    &http.Client{Timeout: cfg.Timeout},
		breaker:   breaker,
		logger:    logger.WithComponent("remote"),
	}
}

// Get fetches an item, returning (nil, nil) when the remote does not have it.
func (c *HTTPClient) Get(ctx context.Context, id string) (*types.Item, error) {
	var item *types.Item
	err := c.guarded(func() error {
		resp, err := c.do(ctx, http.MethodGet, c.itemURL(id), nil, "")
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		switch resp.StatusCode {
		case http.StatusOK:
			item, err = decodeItem(resp.Body)
			return err
		case http.StatusNotFound:
			return nil
		default:
			return c.statusError(resp, "get", id)
		}
	})
	return item, err
}

// Create pushes a new item and returns the remote's stored copy, which
// carries the authoritative version.
func (c *HTTPClient) Create(ctx context.Context, item *types.Item) (*types.Item, error) {
	var created *types.Item
	err := c.guarded(func() error {
		body, err := json.Marshal(item)
		if err != nil {
			return errors.Wrap(errors.ErrCodeInvalidItem, "encode item", err).WithEntity(item.ID)
		}
		resp, err := c.do(ctx, http.MethodPost, c.baseURL+"/items", body, "")
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		switch resp.StatusCode {
		case http.StatusOK, http.StatusCreated:
			created, err = decodeItem(resp.Body)
			return err
		default:
			return c.statusError(resp, "create", item.ID)
		}
	})
	return created, err
}

// Update pushes an item update under an expected version. A version mismatch
// is returned through the ConflictRecord with the server's current state; the
// error stays nil because the request itself succeeded.
func (c *HTTPClient) Update(ctx context.Context, item *types.Item, expectedVersion int64) (*types.Item, *types.ConflictRecord, error) {
	var (
		updated  *types.Item
		conflict *types.ConflictRecord
	)
	err := c.guarded(func() error {
		body, err := json.Marshal(item)
		if err != nil {
			return errors.Wrap(errors.ErrCodeInvalidItem, "encode item", err).WithEntity(item.ID)
		}
		resp, err := c.do(ctx, http.MethodPut, c.itemURL(item.ID), body,
			strconv.FormatInt(expectedVersion, 10))
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		switch resp.StatusCode {
		case http.StatusOK:
			updated, err = decodeItem(resp.Body)
			return err
		case http.StatusConflict:
			conflict, err = decodeConflict(resp.Body)
			if err != nil {
				return errors.Wrap(errors.ErrCodeRemoteRejected, "decode conflict response", err).
					WithEntity(item.ID)
			}
			c.logger.Warn("remote version conflict", map[string]interface{}{
				"entity_id":        item.ID,
				"expected_version": expectedVersion,
				"current_version":  conflict.CurrentVersion,
			})
			return nil
		default:
			return c.statusError(resp, "update", item.ID)
		}
	})
	return updated, conflict, err
}

// Delete removes an item remotely. A 404 counts as success.
func (c *HTTPClient) Delete(ctx context.Context, id string) error {
	return c.guarded(func() error {
		resp, err := c.do(ctx, http.MethodDelete, c.itemURL(id), nil, "")
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		switch resp.StatusCode {
		case http.StatusOK, http.StatusNoContent, http.StatusNotFound:
			return nil
		default:
			return c.statusError(resp, "delete", id)
		}
	})
}

// HealthCheck probes the remote. It bypasses the breaker: the health monitor
// is exactly the thing that decides when the backend has recovered.
func (c *HTTPClient) HealthCheck(ctx context.Context) bool {
	resp, err := c.do(ctx, http.MethodGet, c.baseURL+"/health", nil, "")
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

func (c *HTTPClient) itemURL(id string) string {
	return c.baseURL + "/items/" + url.PathEscape(id)
}

func (c *HTTPClient) guarded(fn func() error) error {
	if c.breaker != nil {
		if err := c.breaker.Allow(); err != nil {
			return err
		}
	}
	err := fn()
	if c.breaker != nil {
		c.breaker.Record(err)
	}
	return err
}

func (c *HTTPClient) do(ctx context.Context, method, rawURL string, body []byte, expectedVersion string) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeNetworkError, "build request", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if expectedVersion != "" {
		req.Header.Set(versionHeader, expectedVersion)
	}
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, c.transportError(err)
	}
	return resp, nil
}

func (c *HTTPClient) transportError(err error) error {
	code := errors.ErrCodeNetworkError
	msg := "remote request failed"
	var netErr net.Error
	if stderrors.As(err, &netErr) && netErr.Timeout() {
		code = errors.ErrCodeRemoteTimeout
		msg = "remote request timed out"
	}
	return errors.Wrap(code, msg, err).WithComponent("remote")
}

func (c *HTTPClient) statusError(resp *http.Response, op, id string) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	msg := fmt.Sprintf("remote %s returned %d", op, resp.StatusCode)

	code := errors.ErrCodeRemoteRejected
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		code = errors.ErrCodeRemoteUnavailable
	}
	return errors.New(code, msg).
		WithComponent("remote").
		WithOperation(op).
		WithEntity(id).
		WithDetail("status", resp.StatusCode).
		WithDetail("body", string(body))
}

func decodeItem(r io.Reader) (*types.Item, error) {
	var item types.Item
	if err := json.NewDecoder(r).Decode(&item); err != nil {
		return nil, errors.Wrap(errors.ErrCodeRemoteRejected, "decode item response", err)
	}
	return &item, nil
}

// conflictEnvelope is the 409 response body shape.
type conflictEnvelope struct {
	CurrentVersion int64       `json:"current_version"`
	ServerData     *types.Item `json:"server_data"`
}

func decodeConflict(r io.Reader) (*types.ConflictRecord, error) {
	var env conflictEnvelope
	if err := json.NewDecoder(r).Decode(&env); err != nil {
		return nil, err
	}
	return &types.ConflictRecord{
		Detected:       true,
		CurrentVersion: env.CurrentVersion,
		ServerData:     env.ServerData,
	}, nil
}
