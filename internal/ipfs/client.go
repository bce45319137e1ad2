// Package ipfs provides a thin client for the kubo HTTP RPC API.
// It wraps the four backend capabilities Reef consumes (content upload,
// the MFS files API, pubsub, and gateway reads) behind typed errors so
// services can make backend calls without knowing kubo's wire details.
package ipfs

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/multiformats/go-multibase"
)

// Client talks to a single kubo node over its HTTP RPC API.
type Client struct {
	apiURL     string
	gatewayURL string
	httpClient *http.Client
}

// NewClient creates a client for the kubo node at apiURL (e.g. http://localhost:5001).
// gatewayURL is the node's HTTP gateway (e.g. http://localhost:8080), used only
// for immutable content reads.
func NewClient(apiURL, gatewayURL string) *Client {
	return &Client{
		apiURL:     strings.TrimRight(apiURL, "/"),
		gatewayURL: strings.TrimRight(gatewayURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// addResponse is kubo's response to /api/v0/add.
type addResponse struct {
	Name string `json:"Name"`
	Hash string `json:"Hash"`
	Size string `json:"Size"`
}

// FileEntry is a single entry from an MFS directory listing.
type FileEntry struct {
	Name string `json:"Name"`
	Type int    `json:"Type"`
	Size int64  `json:"Size"`
	Hash string `json:"Hash"`
}

type filesLsResponse struct {
	Entries []FileEntry `json:"Entries"`
}

// apiError is kubo's JSON error envelope for non-200 responses.
type apiError struct {
	Message string `json:"Message"`
	Code    int    `json:"Code"`
	Type    string `json:"Type"`
}

// Add uploads data to the node and returns the content identifier kubo
// assigned to it. Identical bytes always yield the same identifier.
func (c *Client) Add(ctx context.Context, filename string, data []byte) (string, error) {
	body, contentType, err := multipartFile(filename, data)
	if err != nil {
		return "", fmt.Errorf("add: %w", err)
	}

	respBody, err := c.post(ctx, "/api/v0/add", nil, contentType, body)
	if err != nil {
		return "", fmt.Errorf("add: %w", err)
	}

	var resp addResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return "", fmt.Errorf("add: decoding response: %w", err)
	}
	if resp.Hash == "" {
		return "", fmt.Errorf("add: response missing hash")
	}
	return resp.Hash, nil
}

// FilesWrite writes data to an MFS path, creating parent directories as
// needed and truncating any existing file. Paths are unique per post, so
// concurrent writers from different instances never collide.
func (c *Client) FilesWrite(ctx context.Context, path string, data []byte) error {
	body, contentType, err := multipartFile("data", data)
	if err != nil {
		return fmt.Errorf("files/write %s: %w", path, err)
	}

	params := url.Values{}
	params.Set("arg", path)
	params.Set("create", "true")
	params.Set("parents", "true")
	params.Set("truncate", "true")

	if _, err := c.post(ctx, "/api/v0/files/write", params, contentType, body); err != nil {
		return fmt.Errorf("files/write %s: %w", path, err)
	}
	return nil
}

// FilesLs lists an MFS directory in name order. A missing directory is
// reported as ErrNotFound, distinct from the node being unreachable;
// callers use the distinction to decide between "empty channel" and
// "degrade to cache".
func (c *Client) FilesLs(ctx context.Context, path string) ([]FileEntry, error) {
	params := url.Values{}
	params.Set("arg", path)

	respBody, err := c.post(ctx, "/api/v0/files/ls", params, "", nil)
	if err != nil {
		return nil, fmt.Errorf("files/ls %s: %w", path, err)
	}

	var resp filesLsResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("files/ls %s: decoding response: %w", path, err)
	}
	return resp.Entries, nil
}

// FilesRead returns the full contents of an MFS file.
func (c *Client) FilesRead(ctx context.Context, path string) ([]byte, error) {
	params := url.Values{}
	params.Set("arg", path)

	respBody, err := c.post(ctx, "/api/v0/files/read", params, "", nil)
	if err != nil {
		return nil, fmt.Errorf("files/read %s: %w", path, err)
	}
	return respBody, nil
}

// PubSubPublish broadcasts data on a pubsub topic. Best-effort: the message
// reaches whoever is subscribed right now and is not persisted anywhere.
func (c *Client) PubSubPublish(ctx context.Context, topic string, data []byte) error {
	body, contentType, err := multipartFile("data", data)
	if err != nil {
		return fmt.Errorf("pubsub/pub %s: %w", topic, err)
	}

	params := url.Values{}
	params.Set("arg", encodeTopic(topic))

	if _, err := c.post(ctx, "/api/v0/pubsub/pub", params, contentType, body); err != nil {
		return fmt.Errorf("pubsub/pub %s: %w", topic, err)
	}
	return nil
}

// pubsubMessage is one line of the /api/v0/pubsub/sub ndjson stream.
// Data and topic IDs are multibase-encoded by kubo.
type pubsubMessage struct {
	From  string `json:"from"`
	Data  string `json:"data"`
	Seqno string `json:"seqno"`
}

// PubSubSubscribe opens a long-lived subscription on a topic and returns a
// channel of decoded message payloads. The channel closes when ctx is
// cancelled or the underlying stream fails; callers inspect ctx to tell the
// two apart. A synchronous error means the subscription could not be
// established at all (most commonly pubsub disabled on the node).
func (c *Client) PubSubSubscribe(ctx context.Context, topic string) (<-chan []byte, error) {
	params := url.Values{}
	params.Set("arg", encodeTopic(topic))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL+"/api/v0/pubsub/sub?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("pubsub/sub %s: %w", topic, err)
	}

	// No client timeout here: the response body is an infinite stream.
	streamClient := &http.Client{}
	resp, err := streamClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("pubsub/sub %s: %w", topic, ErrBackendUnreachable)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, fmt.Errorf("pubsub/sub %s: %w", topic, decodeAPIError(resp))
	}

	msgs := make(chan []byte)
	go func() {
		defer close(msgs)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			var msg pubsubMessage
			if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
				log.Printf("[IPFS] Skipping malformed pubsub frame on %s: %v", topic, err)
				continue
			}
			payload, err := decodeMultibase(msg.Data)
			if err != nil {
				log.Printf("[IPFS] Skipping undecodable pubsub payload on %s: %v", topic, err)
				continue
			}
			select {
			case msgs <- payload:
			case <-ctx.Done():
				return
			}
		}
		// Stream ended: either ctx cancellation tore down the connection or
		// the node dropped us. The caller distinguishes via ctx.Err().
	}()

	return msgs, nil
}

// GatewayGet fetches immutable content by CID from the node's HTTP gateway.
func (c *Client) GatewayGet(ctx context.Context, cidStr string) (contentType string, data []byte, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.gatewayURL+"/ipfs/"+cidStr, nil)
	if err != nil {
		return "", nil, fmt.Errorf("gateway get %s: %w", cidStr, err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", nil, fmt.Errorf("gateway get %s: %w", cidStr, ErrBackendUnreachable)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", nil, fmt.Errorf("gateway get %s: %w", cidStr, ErrNotFound)
	}
	if resp.StatusCode != http.StatusOK {
		return "", nil, fmt.Errorf("gateway get %s: HTTP %d", cidStr, resp.StatusCode)
	}

	data, err = io.ReadAll(resp.Body)
	if err != nil {
		return "", nil, fmt.Errorf("gateway get %s: reading body: %w", cidStr, err)
	}

	contentType = resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return contentType, data, nil
}

// GatewayURL returns a public gateway link for a CID.
func (c *Client) GatewayURL(cidStr string) string {
	return c.gatewayURL + "/ipfs/" + cidStr
}

// post issues an RPC call and returns the response body, mapping transport
// and API failures onto the package's typed errors.
func (c *Client) post(ctx context.Context, endpoint string, params url.Values, contentType string, body io.Reader) ([]byte, error) {
	u := c.apiURL + endpoint
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, ErrBackendUnreachable
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, decodeAPIError(resp)
	}

	return io.ReadAll(resp.Body)
}

// decodeAPIError turns kubo's JSON error envelope into a typed error.
func decodeAPIError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	var apiErr apiError
	if err := json.Unmarshal(raw, &apiErr); err == nil && apiErr.Message != "" {
		msg := strings.ToLower(apiErr.Message)
		switch {
		case strings.Contains(msg, "does not exist"), strings.Contains(msg, "not found"):
			return fmt.Errorf("%w: %s", ErrNotFound, apiErr.Message)
		case strings.Contains(msg, "pubsub"):
			return fmt.Errorf("%w: %s", ErrPubSubUnavailable, apiErr.Message)
		}
		return fmt.Errorf("kubo API error (HTTP %d): %s", resp.StatusCode, apiErr.Message)
	}

	return fmt.Errorf("kubo API error: HTTP %d", resp.StatusCode)
}

// multipartFile builds the single-file multipart body kubo expects for
// uploads and returns it with its content type.
func multipartFile(filename string, data []byte) (io.Reader, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	part, err := w.CreateFormFile("file", filename)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(data); err != nil {
		return nil, "", err
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}

	return &buf, w.FormDataContentType(), nil
}

// encodeTopic applies the multibase encoding kubo requires for pubsub topic
// names in RPC URLs.
func encodeTopic(topic string) string {
	encoded, _ := multibase.Encode(multibase.Base64url, []byte(topic))
	return encoded
}

// decodeMultibase decodes a multibase-encoded pubsub field.
func decodeMultibase(s string) ([]byte, error) {
	_, data, err := multibase.Decode(s)
	return data, err
}
