// Package vault provides a cardea.SecretBroker implementation backed by
// HashiCorp Vault, using AppRole authentication, KV v2 reads, and transit
// signing. Private signing material never leaves the broker.
package vault

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cardea-io/cardea"
	"github.com/evergreen-ci/utility"
	"github.com/mongodb/grip"
	"github.com/mongodb/grip/message"
	"github.com/pkg/errors"
)

// Client provides a cardea.SecretBroker implementation that wraps the
// HashiCorp Vault HTTP API. It supports retrying transient transport
// failures using exponential backoff and jitter, but fails fast on
// authentication failures: once the broker rejects the role credentials, the
// client latches the failure and refuses to serve secret-dependent requests
// until it is reconstructed.
type Client struct {
	opts *ClientOptions

	mu       sync.Mutex
	token    string
	authErr  error
	isClosed bool
}

// NewClient creates a new secret broker client from the given options.
func NewClient(opts ClientOptions) (*Client, error) {
	if err := opts.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid options")
	}
	return &Client{opts: &opts}, nil
}

type authResponse struct {
	Auth struct {
		ClientToken   string `json:"client_token"`
		LeaseDuration int    `json:"lease_duration"`
		Renewable     bool   `json:"renewable"`
	} `json:"auth"`
}

// Authenticate logs in with the configured AppRole credentials and retains
// the resulting session token in memory. A rejected credential latches a
// cardea.AuthError on the client.
func (c *Client) Authenticate(ctx context.Context) error {
	body := map[string]string{
		"role_id":   utility.FromStringPtr(c.opts.RoleID),
		"secret_id": utility.FromStringPtr(c.opts.SecretID),
	}

	var out authResponse
	status, err := c.do(ctx, http.MethodPost, "auth/approle/login", "", body, &out)
	if err != nil || status != http.StatusOK || out.Auth.ClientToken == "" {
		if err == nil {
			err = errors.Errorf("broker returned status %d for login", status)
		}
		authErr := cardea.NewAuthError(err)

		c.mu.Lock()
		c.authErr = authErr
		c.token = ""
		c.mu.Unlock()

		return authErr
	}

	c.mu.Lock()
	c.token = out.Auth.ClientToken
	c.authErr = nil
	c.mu.Unlock()

	return nil
}

// sessionToken returns the current session token, authenticating first if
// the client has never logged in. A previously latched authentication
// failure is returned as-is rather than triggering another login attempt.
func (c *Client) sessionToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	if c.authErr != nil {
		err := c.authErr
		c.mu.Unlock()
		return "", err
	}
	if c.token != "" {
		token := c.token
		c.mu.Unlock()
		return token, nil
	}
	c.mu.Unlock()

	if err := c.Authenticate(ctx); err != nil {
		return "", err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token, nil
}

type readResponse struct {
	LeaseDuration int             `json:"lease_duration"`
	Renewable     bool            `json:"renewable"`
	Data          json.RawMessage `json:"data"`
}

type kvData struct {
	Data     map[string]string `json:"data"`
	Metadata struct {
		Version int `json:"version"`
	} `json:"metadata"`
}

// Fetch reads versioned secret material by its full API path under /v1/,
// e.g. "kv/data/app/config" for a KV v2 secret or "database/creds/app" for
// dynamic credentials. A version of 0 reads the latest version; versions are
// only meaningful for KV v2 paths.
func (c *Client) Fetch(ctx context.Context, path string, version int) (*cardea.Material, error) {
	token, err := c.sessionToken(ctx)
	if err != nil {
		return nil, err
	}

	reqPath := strings.TrimPrefix(path, "/")
	if version > 0 {
		reqPath = fmt.Sprintf("%s?version=%d", reqPath, version)
	}

	var out readResponse
	var status int
	if err := c.retryRequest(ctx, fmt.Sprintf("Fetch '%s'", path), func() error {
		var err error
		status, err = c.do(ctx, http.MethodGet, reqPath, token, nil, &out)
		if err == nil && status >= http.StatusInternalServerError {
			err = errors.Errorf("broker returned status %d", status)
		}
		return err
	}); err != nil {
		return nil, errors.Wrapf(err, "reading path '%s'", path)
	}

	switch status {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, cardea.NewSecretNotFoundError(path)
	case http.StatusForbidden:
		return nil, cardea.NewAccessDeniedError(path)
	default:
		return nil, errors.Errorf("broker returned status %d reading path '%s'", status, path)
	}

	return exportMaterial(out, path)
}

// exportMaterial converts a raw broker read into material, handling both the
// KV v2 shape (nested data plus version metadata) and the flat shape used by
// dynamic secret engines (lease duration at the top level).
func exportMaterial(out readResponse, path string) (*cardea.Material, error) {
	var kv kvData
	if err := json.Unmarshal(out.Data, &kv); err == nil && kv.Data != nil {
		return &cardea.Material{
			Data:          kv.Data,
			Version:       kv.Metadata.Version,
			LeaseDuration: time.Duration(out.LeaseDuration) * time.Second,
			Renewable:     out.Renewable,
		}, nil
	}

	var flat map[string]any
	if err := json.Unmarshal(out.Data, &flat); err != nil {
		return nil, errors.Wrapf(err, "parsing secret data at path '%s'", path)
	}
	data := map[string]string{}
	for k, v := range flat {
		if s, ok := v.(string); ok {
			data[k] = s
		}
	}
	return &cardea.Material{
		Data:          data,
		LeaseDuration: time.Duration(out.LeaseDuration) * time.Second,
		Renewable:     out.Renewable,
	}, nil
}

type signResponse struct {
	Data struct {
		Signature string `json:"signature"`
	} `json:"data"`
}

// Sign signs a SHA-256 digest with the named transit key. The broker returns
// signatures in the form "vault:vN:<base64>"; the embedded key version is
// parsed out and returned alongside the raw signature bytes.
func (c *Client) Sign(ctx context.Context, keyName string, digest []byte) (*cardea.Signature, error) {
	token, err := c.sessionToken(ctx)
	if err != nil {
		return nil, err
	}

	body := map[string]any{
		"input":          base64.StdEncoding.EncodeToString(digest),
		"prehashed":      true,
		"hash_algorithm": "sha2-256",
	}
	reqPath := fmt.Sprintf("%s/sign/%s", utility.FromStringPtr(c.opts.TransitMount), keyName)

	var out signResponse
	var status int
	if err := c.retryRequest(ctx, fmt.Sprintf("Sign with key '%s'", keyName), func() error {
		var err error
		status, err = c.do(ctx, http.MethodPost, reqPath, token, body, &out)
		if err == nil && status >= http.StatusInternalServerError {
			err = errors.Errorf("broker returned status %d", status)
		}
		return err
	}); err != nil {
		return nil, errors.Wrap(cardea.ErrSigningFailed, err.Error())
	}
	if status != http.StatusOK {
		return nil, errors.Wrapf(cardea.ErrSigningFailed, "broker returned status %d signing with key '%s'", status, keyName)
	}

	return parseSignature(out.Data.Signature)
}

// parseSignature splits a "vault:vN:<base64>" signature into its raw bytes
// and key version.
func parseSignature(sig string) (*cardea.Signature, error) {
	parts := strings.SplitN(sig, ":", 3)
	if len(parts) != 3 {
		return nil, errors.Wrap(cardea.ErrSigningFailed, "malformed signature from broker")
	}
	version, err := strconv.Atoi(strings.TrimPrefix(parts[1], "v"))
	if err != nil {
		return nil, errors.Wrap(cardea.ErrSigningFailed, "malformed key version in signature")
	}
	raw, err := base64.StdEncoding.DecodeString(parts[2])
	if err != nil {
		return nil, errors.Wrap(cardea.ErrSigningFailed, "decoding signature")
	}
	return &cardea.Signature{Signature: raw, KeyVersion: version}, nil
}

type keyResponse struct {
	Data struct {
		Keys map[string]struct {
			PublicKey string `json:"public_key"`
		} `json:"keys"`
	} `json:"data"`
}

// VerificationKey returns the PEM-encoded public material for the given
// version of a transit signing key.
func (c *Client) VerificationKey(ctx context.Context, keyName string, version int) ([]byte, error) {
	token, err := c.sessionToken(ctx)
	if err != nil {
		return nil, err
	}

	reqPath := fmt.Sprintf("%s/keys/%s", utility.FromStringPtr(c.opts.TransitMount), keyName)

	var out keyResponse
	var status int
	if err := c.retryRequest(ctx, fmt.Sprintf("VerificationKey '%s'", keyName), func() error {
		var err error
		status, err = c.do(ctx, http.MethodGet, reqPath, token, nil, &out)
		if err == nil && status >= http.StatusInternalServerError {
			err = errors.Errorf("broker returned status %d", status)
		}
		return err
	}); err != nil {
		return nil, errors.Wrapf(err, "reading key '%s'", keyName)
	}

	switch status {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, cardea.NewSecretNotFoundError(reqPath)
	case http.StatusForbidden:
		return nil, cardea.NewAccessDeniedError(reqPath)
	default:
		return nil, errors.Errorf("broker returned status %d reading key '%s'", status, keyName)
	}

	entry, ok := out.Data.Keys[strconv.Itoa(version)]
	if !ok || entry.PublicKey == "" {
		return nil, cardea.NewSecretNotFoundError(fmt.Sprintf("%s/v%d", reqPath, version))
	}

	return []byte(entry.PublicKey), nil
}

// Close closes the broker client, drops the session token, and cleans up its
// resources.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.isClosed {
		return nil
	}

	c.token = ""
	c.opts.Close()
	c.isClosed = true

	return nil
}

// retryRequest runs a broker request with the configured retry policy. Only
// the operation name is ever logged - never request or response contents,
// which may carry secret material.
func (c *Client) retryRequest(ctx context.Context, op string, request func() error) error {
	return utility.Retry(ctx, func() (bool, error) {
		if err := request(); err != nil {
			grip.Debug(message.WrapError(err, message.Fields{
				"message": "broker request failed",
				"op":      op,
			}))
			return true, err
		}
		return false, nil
	}, *c.opts.RetryOpts)
}

// do issues one HTTP request against the broker and decodes the JSON
// response into out when the response carries a body.
func (c *Client) do(ctx context.Context, method, path, token string, body any, out any) (int, error) {
	reqCtx, cancel := context.WithTimeout(ctx, *c.opts.RequestTimeout)
	defer cancel()

	var reqBody io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return 0, errors.Wrap(err, "encoding request body")
		}
		reqBody = bytes.NewReader(encoded)
	}

	url := fmt.Sprintf("%s/v1/%s", utility.FromStringPtr(c.opts.Address), path)
	req, err := http.NewRequestWithContext(reqCtx, method, url, reqBody)
	if err != nil {
		return 0, errors.Wrap(err, "creating request")
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("X-Vault-Token", token)
	}

	resp, err := c.opts.HTTPClient.Do(req)
	if err != nil {
		return 0, errors.Wrap(err, "sending request")
	}
	defer resp.Body.Close()

	if out != nil && resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, errors.Wrap(err, "decoding response")
		}
	} else {
		_, _ = io.Copy(io.Discard, resp.Body)
	}

	return resp.StatusCode, nil
}
