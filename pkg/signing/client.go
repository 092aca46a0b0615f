package signing

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Client talks to the remote pqsigner over HTTP. Requests carry deadlines;
// a signing timeout aborts the enclosing journal append, never a silent
// retry into a duplicate entry.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a signer client. timeout bounds each request.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

type signRequest struct {
	MessageBytesBase64 string `json:"message_bytes_base64"`
	KeyID              string `json:"key_id"`
	Scheme             string `json:"scheme"`
}

type signResponse struct {
	SigBase64 string `json:"sig_base64"`
}

type verifyRequest struct {
	Message string `json:"message"`
	Sig     string `json:"sig"`
	Pubkey  string `json:"pubkey"`
	Scheme  string `json:"scheme"`
}

type verifyResponse struct {
	Valid bool `json:"valid"`
}

// Sign implements Oracle.
func (c *Client) Sign(ctx context.Context, message []byte, keyID string, scheme Scheme) (string, error) {
	req := signRequest{
		MessageBytesBase64: base64.StdEncoding.EncodeToString(message),
		KeyID:              keyID,
		Scheme:             string(scheme),
	}
	var resp signResponse
	if err := c.post(ctx, "/sign", req, &resp); err != nil {
		return "", fmt.Errorf("signing oracle: %w", err)
	}
	return resp.SigBase64, nil
}

// Verify implements Oracle.
func (c *Client) Verify(ctx context.Context, message []byte, signature, publicKey string, scheme Scheme) (bool, error) {
	req := verifyRequest{
		Message: base64.StdEncoding.EncodeToString(message),
		Sig:     signature,
		Pubkey:  publicKey,
		Scheme:  string(scheme),
	}
	var resp verifyResponse
	if err := c.post(ctx, "/verify", req, &resp); err != nil {
		return false, fmt.Errorf("signing oracle: %w", err)
	}
	return resp.Valid, nil
}

// PublicKey implements Oracle. The remote oracle does not expose key export;
// verification goes through /verify with an empty pubkey.
func (c *Client) PublicKey(keyID string) (string, error) {
	return "", nil
}

func (c *Client) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s returned %d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
