package gemini

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/symmetricalboy/msinfo-bot/pkg/genai"
)

func testConfig(baseURL string) *genai.Config {
	return &genai.Config{
		BaseURL:    baseURL,
		APIKey:     "test-key",
		TextModel:  "gemini-test",
		ImageModel: "imagen-test",
		VideoModel: "veo-test",
	}
}

func TestGenerate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-goog-api-key") != "test-key" {
			t.Error("missing or invalid api key header")
		}
		if r.URL.Path != "/v1beta/models/gemini-test:generateContent" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}

		body, _ := io.ReadAll(r.Body)
		var reqBody map[string]any
		json.Unmarshal(body, &reqBody)
		contents, ok := reqBody["contents"].([]any)
		if !ok || len(contents) != 3 {
			t.Errorf("expected 3 contents, got %v", reqBody["contents"])
		}

		resp := map[string]any{
			"candidates": []map[string]any{
				{"content": map[string]any{
					"role":  "model",
					"parts": []map[string]any{{"text": "generated reply"}},
				}},
			},
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	client := New(testConfig(server.URL))
	thread := []genai.Post{
		{Role: genai.RoleOther, Text: "first"},
		{Role: genai.RoleSelf, Text: "second"},
	}
	got, err := client.Generate(context.Background(), thread, genai.Post{Role: genai.RoleOther, Text: "latest"})
	if err != nil {
		t.Fatal(err)
	}
	if got != "generated reply" {
		t.Errorf("Generate = %q, want 'generated reply'", got)
	}
}

func TestGenerateRoleMapping(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var reqBody struct {
			Contents []struct {
				Role string `json:"role"`
			} `json:"contents"`
		}
		json.Unmarshal(body, &reqBody)
		if len(reqBody.Contents) != 2 {
			t.Fatalf("expected 2 contents, got %d", len(reqBody.Contents))
		}
		if reqBody.Contents[0].Role != "model" {
			t.Errorf("self post role = %q, want 'model'", reqBody.Contents[0].Role)
		}
		if reqBody.Contents[1].Role != "user" {
			t.Errorf("other post role = %q, want 'user'", reqBody.Contents[1].Role)
		}

		json.NewEncoder(w).Encode(map[string]any{
			"candidates": []map[string]any{
				{"content": map[string]any{"parts": []map[string]any{{"text": "ok"}}}},
			},
		})
	}))
	defer server.Close()

	client := New(testConfig(server.URL))
	_, err := client.Generate(context.Background(),
		[]genai.Post{{Role: genai.RoleSelf, Text: "mine"}},
		genai.Post{Role: genai.RoleOther, Text: "yours"})
	if err != nil {
		t.Fatal(err)
	}
}

func TestGenerateBlocked(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"promptFeedback": map[string]any{"blockReason": "SAFETY"},
		})
	}))
	defer server.Close()

	client := New(testConfig(server.URL))
	_, err := client.ComposePost(context.Background(), "anything")
	if err == nil {
		t.Fatal("expected error for blocked prompt")
	}
	if !strings.Contains(err.Error(), "blocked") {
		t.Errorf("error %q should mention blocking", err)
	}
}

func TestGenerateAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"message":"quota exceeded"}}`))
	}))
	defer server.Close()

	client := New(testConfig(server.URL))
	_, err := client.ComposePost(context.Background(), "hello")
	if err == nil {
		t.Fatal("expected error for 429 response")
	}
	if !strings.Contains(err.Error(), "status 429") {
		t.Errorf("error %q should carry the status code", err)
	}
}

func TestGenerateImage(t *testing.T) {
	imgData := []byte{0x89, 0x50, 0x4e, 0x47}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1beta/models/imagen-test:predict" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"predictions": []map[string]any{{
				"bytesBase64Encoded": base64.StdEncoding.EncodeToString(imgData),
				"mimeType":           "image/png",
			}},
		})
	}))
	defer server.Close()

	client := New(testConfig(server.URL))
	media, err := client.GenerateImage(context.Background(), "a lighthouse")
	if err != nil {
		t.Fatal(err)
	}
	if media.MimeType != "image/png" {
		t.Errorf("MimeType = %q, want image/png", media.MimeType)
	}
	if string(media.Data) != string(imgData) {
		t.Errorf("Data = %v, want %v", media.Data, imgData)
	}
}

func TestGenerateVideoPolling(t *testing.T) {
	videoData := []byte("fake-video-bytes")
	var polls int
	var server *httptest.Server
	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/v1beta/models/veo-test:predictLongRunning":
			json.NewEncoder(w).Encode(map[string]any{"name": "operations/op-1"})

		case r.URL.Path == "/v1beta/operations/op-1":
			polls++
			if polls < 2 {
				json.NewEncoder(w).Encode(map[string]any{"name": "operations/op-1", "done": false})
				return
			}
			json.NewEncoder(w).Encode(map[string]any{
				"name": "operations/op-1",
				"done": true,
				"response": map[string]any{
					"generateVideoResponse": map[string]any{
						"generatedSamples": []map[string]any{
							{"video": map[string]any{"uri": server.URL + "/download/video.mp4"}},
						},
					},
				},
			})

		case r.URL.Path == "/download/video.mp4":
			w.Header().Set("Content-Type", "video/mp4")
			w.Write(videoData)

		default:
			t.Errorf("unexpected path %q", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	client := New(testConfig(server.URL))
	client.pollInterval = 10 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	media, err := client.GenerateVideo(ctx, "a storm at sea")
	if err != nil {
		t.Fatal(err)
	}
	if string(media.Data) != string(videoData) {
		t.Error("video data mismatch")
	}
	if media.MimeType != "video/mp4" {
		t.Errorf("MimeType = %q, want video/mp4", media.MimeType)
	}
	if polls < 2 {
		t.Errorf("polls = %d, want at least 2", polls)
	}
}

func TestGenerateVideoOperationError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, ":predictLongRunning") {
			json.NewEncoder(w).Encode(map[string]any{"name": "operations/op-2"})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"name":  "operations/op-2",
			"done":  true,
			"error": map[string]any{"code": 3, "message": "invalid prompt"},
		})
	}))
	defer server.Close()

	client := New(testConfig(server.URL))
	client.pollInterval = 10 * time.Millisecond

	_, err := client.GenerateVideo(context.Background(), "bad prompt")
	if err == nil {
		t.Fatal("expected error for failed operation")
	}
	if !strings.Contains(err.Error(), "invalid prompt") {
		t.Errorf("error %q should carry the operation message", err)
	}
}
