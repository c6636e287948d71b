// internal/bsky/client.go
package bsky

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/symmetricalboy/msinfo-bot/internal/types"
)

// chatProxy routes chat requests through the network's chat service.
const chatProxy = "did:web:api.bsky.chat#bsky_chat"

// Config holds the credentials and endpoint for a Client.
type Config struct {
	Handle   string
	Password string
	PDSHost  string
}

// Client implements types.Publisher over the XRPC HTTP API. It manages
// its own session, refreshing the access token when it expires.
type Client struct {
	cfg        Config
	httpClient *http.Client

	mu         sync.Mutex
	accessJWT  string
	refreshJWT string
	did        string
}

var _ types.Publisher = (*Client)(nil)

// NewClient creates a client. No session is established until the
// first request.
func NewClient(cfg Config) *Client {
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

// DID returns the authenticated account's DID, establishing a session
// if needed.
func (c *Client) DID(ctx context.Context) (string, error) {
	if err := c.ensureSession(ctx); err != nil {
		return "", err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.did, nil
}

type sessionResponse struct {
	AccessJWT  string `json:"accessJwt"`
	RefreshJWT string `json:"refreshJwt"`
	DID        string `json:"did"`
	Handle     string `json:"handle"`
}

func (c *Client) ensureSession(ctx context.Context) error {
	c.mu.Lock()
	have := c.accessJWT != ""
	c.mu.Unlock()
	if have {
		return nil
	}
	return c.createSession(ctx)
}

func (c *Client) createSession(ctx context.Context) error {
	body, err := json.Marshal(map[string]string{
		"identifier": c.cfg.Handle,
		"password":   c.cfg.Password,
	})
	if err != nil {
		return fmt.Errorf("marshaling session request: %w", err)
	}

	url := c.cfg.PDSHost + "/xrpc/com.atproto.server.createSession"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating session request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending session request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading session response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("createSession failed (status %d): %s", resp.StatusCode, string(data))
	}

	var sess sessionResponse
	if err := json.Unmarshal(data, &sess); err != nil {
		return fmt.Errorf("parsing session response: %w", err)
	}

	c.mu.Lock()
	c.accessJWT = sess.AccessJWT
	c.refreshJWT = sess.RefreshJWT
	c.did = sess.DID
	c.mu.Unlock()
	return nil
}

// xrpc performs an authenticated XRPC call, re-authenticating once on
// an expired token. A nil reqBody makes a GET with query instead of a
// POST. proxy, when set, adds the atproto-proxy header.
func (c *Client) xrpc(ctx context.Context, method, query, proxy string, reqBody, respBody any) error {
	if err := c.ensureSession(ctx); err != nil {
		return err
	}

	status, data, err := c.doXRPC(ctx, method, query, proxy, reqBody)
	if err != nil {
		return err
	}
	if status == http.StatusUnauthorized {
		// Session expired; authenticate once more and retry.
		c.mu.Lock()
		c.accessJWT = ""
		c.mu.Unlock()
		if err := c.createSession(ctx); err != nil {
			return err
		}
		status, data, err = c.doXRPC(ctx, method, query, proxy, reqBody)
		if err != nil {
			return err
		}
	}
	if status != http.StatusOK {
		return fmt.Errorf("%s failed (status %d): %s", method, status, string(data))
	}
	if respBody == nil {
		return nil
	}
	if err := json.Unmarshal(data, respBody); err != nil {
		return fmt.Errorf("parsing %s response: %w", method, err)
	}
	return nil
}

func (c *Client) doXRPC(ctx context.Context, method, query, proxy string, reqBody any) (int, []byte, error) {
	url := c.cfg.PDSHost + "/xrpc/" + method
	if query != "" {
		url += "?" + query
	}

	var req *http.Request
	var err error
	if reqBody != nil {
		body, merr := json.Marshal(reqBody)
		if merr != nil {
			return 0, nil, fmt.Errorf("marshaling %s request: %w", method, merr)
		}
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if req != nil {
			req.Header.Set("Content-Type", "application/json")
		}
	} else {
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	}
	if err != nil {
		return 0, nil, fmt.Errorf("creating %s request: %w", method, err)
	}

	c.mu.Lock()
	req.Header.Set("Authorization", "Bearer "+c.accessJWT)
	c.mu.Unlock()
	if proxy != "" {
		req.Header.Set("atproto-proxy", proxy)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("sending %s request: %w", method, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("reading %s response: %w", method, err)
	}
	return resp.StatusCode, data, nil
}

type blobRef struct {
	Type     string `json:"$type"`
	Ref      any    `json:"ref"`
	MimeType string `json:"mimeType"`
	Size     int    `json:"size"`
}

// uploadBlob uploads raw media bytes and returns the blob reference
// for embedding.
func (c *Client) uploadBlob(ctx context.Context, data []byte, mimeType string) (*blobRef, error) {
	if err := c.ensureSession(ctx); err != nil {
		return nil, err
	}

	url := c.cfg.PDSHost + "/xrpc/com.atproto.repo.uploadBlob"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("creating upload request: %w", err)
	}
	req.Header.Set("Content-Type", mimeType)
	c.mu.Lock()
	req.Header.Set("Authorization", "Bearer "+c.accessJWT)
	c.mu.Unlock()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sending upload request: %w", err)
	}
	defer resp.Body.Close()

	respData, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading upload response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("uploadBlob failed (status %d): %s", resp.StatusCode, string(respData))
	}

	var result struct {
		Blob blobRef `json:"blob"`
	}
	if err := json.Unmarshal(respData, &result); err != nil {
		return nil, fmt.Errorf("parsing upload response: %w", err)
	}
	return &result.Blob, nil
}

// postRecord is the app.bsky.feed.post record shape for createRecord.
type postRecord struct {
	Type      string     `json:"$type"`
	Text      string     `json:"text"`
	CreatedAt string     `json:"createdAt"`
	Reply     *replyRefs `json:"reply,omitempty"`
	Embed     any        `json:"embed,omitempty"`
	Facets    []facet    `json:"facets,omitempty"`
}

type replyRefs struct {
	Root   wireRef `json:"root"`
	Parent wireRef `json:"parent"`
}

type wireRef struct {
	URI string `json:"uri"`
	CID string `json:"cid"`
}

// Publish creates a post. A nil parent makes a standalone post. The
// attachment, when present, is uploaded and embedded.
func (c *Client) Publish(ctx context.Context, parent, root *types.ReplyRef, text string, att *types.Attachment) (*types.ReplyRef, error) {
	record := postRecord{
		Type:      "app.bsky.feed.post",
		Text:      text,
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
		Facets:    c.facetsFor(ctx, text),
	}

	if parent != nil {
		if root == nil {
			root = parent
		}
		record.Reply = &replyRefs{
			Root:   wireRef{URI: string(root.URI), CID: root.CID},
			Parent: wireRef{URI: string(parent.URI), CID: parent.CID},
		}
	}

	if att != nil {
		embed, err := c.buildEmbed(ctx, att)
		if err != nil {
			return nil, err
		}
		record.Embed = embed
	}

	did, err := c.DID(ctx)
	if err != nil {
		return nil, err
	}

	reqBody := map[string]any{
		"repo":       did,
		"collection": "app.bsky.feed.post",
		"record":     record,
	}
	var result struct {
		URI string `json:"uri"`
		CID string `json:"cid"`
	}
	if err := c.xrpc(ctx, "com.atproto.repo.createRecord", "", "", reqBody, &result); err != nil {
		return nil, err
	}
	return &types.ReplyRef{URI: types.EventID(result.URI), CID: result.CID}, nil
}

func (c *Client) buildEmbed(ctx context.Context, att *types.Attachment) (any, error) {
	blob, err := c.uploadBlob(ctx, att.Data, att.MimeType)
	if err != nil {
		return nil, fmt.Errorf("uploading attachment: %w", err)
	}

	if isVideo(att.MimeType) {
		return map[string]any{
			"$type": "app.bsky.embed.video",
			"video": blob,
		}, nil
	}
	return map[string]any{
		"$type": "app.bsky.embed.images",
		"images": []map[string]any{{
			"image": blob,
			"alt":   att.AltText,
		}},
	}, nil
}

func isVideo(mimeType string) bool {
	return len(mimeType) >= 6 && mimeType[:6] == "video/"
}

// SendDirectMessage delivers a private chat message to the recipient.
func (c *Client) SendDirectMessage(ctx context.Context, recipientDID, text string) error {
	var convo struct {
		Convo struct {
			ID string `json:"id"`
		} `json:"convo"`
	}
	query := "members=" + recipientDID
	if err := c.xrpc(ctx, "chat.bsky.convo.getConvoForMembers", query, chatProxy, nil, &convo); err != nil {
		return fmt.Errorf("resolving conversation: %w", err)
	}

	reqBody := map[string]any{
		"convoId": convo.Convo.ID,
		"message": map[string]string{"text": text},
	}
	if err := c.xrpc(ctx, "chat.bsky.convo.sendMessage", "", chatProxy, reqBody, nil); err != nil {
		return fmt.Errorf("sending message: %w", err)
	}
	return nil
}

// GetRecord fetches the CID for a record URI, used to anchor reply
// refs when only the URI is known.
func (c *Client) GetRecord(ctx context.Context, uri types.EventID) (*types.ReplyRef, error) {
	did := uri.DID()
	rkey := rkeyOf(uri)
	if did == "" || rkey == "" {
		return nil, fmt.Errorf("malformed record uri: %s", uri)
	}

	query := fmt.Sprintf("repo=%s&collection=app.bsky.feed.post&rkey=%s", did, rkey)
	var result struct {
		URI string `json:"uri"`
		CID string `json:"cid"`
	}
	if err := c.xrpc(ctx, "com.atproto.repo.getRecord", query, "", nil, &result); err != nil {
		return nil, err
	}
	return &types.ReplyRef{URI: types.EventID(result.URI), CID: result.CID}, nil
}

// rkeyOf extracts the record key from an AT-URI.
func rkeyOf(uri types.EventID) string {
	s := string(uri)
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '/' {
			return s[i+1:]
		}
	}
	return ""
}
