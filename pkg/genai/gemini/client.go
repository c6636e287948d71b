package gemini

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/symmetricalboy/msinfo-bot/pkg/genai"
)

// Client implements genai.Responder and genai.MediaMaker against the
// generativelanguage HTTP API.
type Client struct {
	config       *genai.Config
	httpClient   *http.Client
	pollInterval time.Duration
}

var (
	_ genai.Responder  = (*Client)(nil)
	_ genai.MediaMaker = (*Client)(nil)
)

// New creates a client with the given configuration.
func New(config *genai.Config) *Client {
	return &Client{
		config: config,
		httpClient: &http.Client{
			Timeout: 120 * time.Second,
		},
		pollInterval: 15 * time.Second,
	}
}

// generateContent request/response shapes.

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type part struct {
	Text string `json:"text"`
}

type generateRequest struct {
	Contents          []content `json:"contents"`
	SystemInstruction *content  `json:"systemInstruction,omitempty"`
}

type generateResponse struct {
	Candidates []struct {
		Content      content `json:"content"`
		FinishReason string  `json:"finishReason"`
	} `json:"candidates"`
	PromptFeedback *struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback,omitempty"`
}

// Generate produces a reply to latest given the preceding thread.
func (c *Client) Generate(ctx context.Context, thread []genai.Post, latest genai.Post) (string, error) {
	contents := make([]content, 0, len(thread)+1)
	for _, p := range thread {
		contents = append(contents, content{
			Role:  roleFor(p.Role),
			Parts: []part{{Text: p.Text}},
		})
	}
	contents = append(contents, content{
		Role:  roleFor(latest.Role),
		Parts: []part{{Text: latest.Text}},
	})
	return c.generate(ctx, contents)
}

// ComposePost produces a standalone post from an instruction.
func (c *Client) ComposePost(ctx context.Context, instruction string) (string, error) {
	return c.generate(ctx, []content{{
		Role:  "user",
		Parts: []part{{Text: instruction}},
	}})
}

func (c *Client) generate(ctx context.Context, contents []content) (string, error) {
	reqBody := generateRequest{Contents: contents}
	if c.config.SystemInstruction != "" {
		reqBody.SystemInstruction = &content{Parts: []part{{Text: c.config.SystemInstruction}}}
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent", c.config.BaseURL, c.config.TextModel)
	var genResp generateResponse
	if err := c.post(ctx, url, reqBody, &genResp); err != nil {
		return "", err
	}

	if genResp.PromptFeedback != nil && genResp.PromptFeedback.BlockReason != "" {
		return "", fmt.Errorf("prompt blocked: %s", genResp.PromptFeedback.BlockReason)
	}
	if len(genResp.Candidates) == 0 {
		return "", fmt.Errorf("no candidates in response")
	}
	cand := genResp.Candidates[0]
	if cand.FinishReason == "SAFETY" {
		return "", fmt.Errorf("response blocked: safety")
	}
	if len(cand.Content.Parts) == 0 {
		return "", fmt.Errorf("empty candidate content")
	}
	return cand.Content.Parts[0].Text, nil
}

// Image generation (predict).

type predictRequest struct {
	Instances  []predictInstance `json:"instances"`
	Parameters predictParameters `json:"parameters"`
}

type predictInstance struct {
	Prompt string `json:"prompt"`
}

type predictParameters struct {
	SampleCount int `json:"sampleCount"`
}

type predictResponse struct {
	Predictions []struct {
		BytesBase64Encoded string `json:"bytesBase64Encoded"`
		MimeType           string `json:"mimeType"`
	} `json:"predictions"`
}

// GenerateImage produces one image for the prompt.
func (c *Client) GenerateImage(ctx context.Context, prompt string) (*genai.Media, error) {
	reqBody := predictRequest{
		Instances:  []predictInstance{{Prompt: prompt}},
		Parameters: predictParameters{SampleCount: 1},
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:predict", c.config.BaseURL, c.config.ImageModel)
	var predResp predictResponse
	if err := c.post(ctx, url, reqBody, &predResp); err != nil {
		return nil, err
	}
	if len(predResp.Predictions) == 0 {
		return nil, fmt.Errorf("no predictions in response")
	}

	pred := predResp.Predictions[0]
	data, err := base64.StdEncoding.DecodeString(pred.BytesBase64Encoded)
	if err != nil {
		return nil, fmt.Errorf("decoding image data: %w", err)
	}
	mimeType := pred.MimeType
	if mimeType == "" {
		mimeType = "image/png"
	}
	return &genai.Media{Data: data, MimeType: mimeType}, nil
}

// Video generation (long-running predict with polling).

type operationResponse struct {
	Name     string `json:"name"`
	Done     bool   `json:"done"`
	Error    *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
	Response *struct {
		GenerateVideoResponse struct {
			GeneratedSamples []struct {
				Video struct {
					URI string `json:"uri"`
				} `json:"video"`
			} `json:"generatedSamples"`
		} `json:"generateVideoResponse"`
	} `json:"response,omitempty"`
}

// GenerateVideo produces one video for the prompt. Blocks, polling the
// long-running operation, until the video is ready or ctx expires.
func (c *Client) GenerateVideo(ctx context.Context, prompt string) (*genai.Media, error) {
	reqBody := predictRequest{
		Instances:  []predictInstance{{Prompt: prompt}},
		Parameters: predictParameters{SampleCount: 1},
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:predictLongRunning", c.config.BaseURL, c.config.VideoModel)
	var op operationResponse
	if err := c.post(ctx, url, reqBody, &op); err != nil {
		return nil, err
	}
	if op.Name == "" {
		return nil, fmt.Errorf("no operation name in response")
	}

	uri, err := c.pollOperation(ctx, op.Name)
	if err != nil {
		return nil, err
	}
	return c.download(ctx, uri)
}

func (c *Client) pollOperation(ctx context.Context, name string) (string, error) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}

		url := fmt.Sprintf("%s/v1beta/%s", c.config.BaseURL, name)
		var op operationResponse
		if err := c.get(ctx, url, &op); err != nil {
			return "", err
		}
		if !op.Done {
			continue
		}
		if op.Error != nil {
			return "", fmt.Errorf("video operation failed (code %d): %s", op.Error.Code, op.Error.Message)
		}
		if op.Response == nil || len(op.Response.GenerateVideoResponse.GeneratedSamples) == 0 {
			return "", fmt.Errorf("no video samples in completed operation")
		}
		return op.Response.GenerateVideoResponse.GeneratedSamples[0].Video.URI, nil
	}
}

func (c *Client) download(ctx context.Context, uri string) (*genai.Media, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, fmt.Errorf("creating download request: %w", err)
	}
	req.Header.Set("x-goog-api-key", c.config.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("downloading video: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading video data: %w", err)
	}
	mimeType := resp.Header.Get("Content-Type")
	if mimeType == "" {
		mimeType = "video/mp4"
	}
	return &genai.Media{Data: data, MimeType: mimeType}, nil
}

func (c *Client) post(ctx context.Context, url string, reqBody, respBody any) error {
	body, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("marshaling request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, respBody)
}

func (c *Client) get(ctx context.Context, url string, respBody any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	return c.do(req, respBody)
}

func (c *Client) do(req *http.Request, respBody any) error {
	req.Header.Set("x-goog-api-key", c.config.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(data))
	}
	if err := json.Unmarshal(data, respBody); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}
	return nil
}

func roleFor(r genai.Role) string {
	if r == genai.RoleSelf {
		return "model"
	}
	return "user"
}
