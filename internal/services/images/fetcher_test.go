package images

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hadrianai/hadrian/internal/config"
	"github.com/hadrianai/hadrian/internal/schema"
)

// pngHeader is enough for content-type sniffing.
var pngHeader = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}

func imageRequest(t *testing.T, urls ...string) *schema.ChatRequest {
	t.Helper()
	parts := []schema.ContentPart{{Type: "text", Text: "what is in these?"}}
	for _, u := range urls {
		parts = append(parts, schema.ContentPart{Type: "image_url", ImageURL: &schema.ImageURL{URL: u}})
	}
	raw, err := json.Marshal(parts)
	require.NoError(t, err)
	return &schema.ChatRequest{
		Model:    "gpt-4o",
		Messages: []schema.Message{{Role: "user", Content: raw}},
	}
}

func TestInlineReplacesHTTPURLs(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(pngHeader)
	}))
	defer server.Close()

	f := New(config.ImageFetchConfig{Enabled: true}, nil, nil)
	req := imageRequest(t, server.URL+"/cat.png")

	require.NoError(t, f.Inline(context.Background(), req))

	parts := req.Messages[0].ContentParts()
	require.Len(t, parts, 2)
	assert.Equal(t, "what is in these?", parts[0].Text)
	assert.True(t, strings.HasPrefix(parts[1].ImageURL.URL, "data:image/png;base64,"))
}

func TestInlineLeavesDataURLsAlone(t *testing.T) {
	f := New(config.ImageFetchConfig{Enabled: true}, nil, nil)
	dataURL := "data:image/png;base64,aGVsbG8="
	req := imageRequest(t, dataURL)

	require.NoError(t, f.Inline(context.Background(), req))
	parts := req.Messages[0].ContentParts()
	assert.Equal(t, dataURL, parts[1].ImageURL.URL)
}

func TestInlineFailedFetchLeavesPartAndReturnsError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "missing.png") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(pngHeader)
	}))
	defer server.Close()

	f := New(config.ImageFetchConfig{Enabled: true}, nil, nil)
	req := imageRequest(t, server.URL+"/missing.png", server.URL+"/cat.png")

	err := f.Inline(context.Background(), req)
	require.Error(t, err)

	// The failing part is untouched; the healthy one still inlines.
	parts := req.Messages[0].ContentParts()
	assert.Equal(t, server.URL+"/missing.png", parts[1].ImageURL.URL)
	assert.True(t, strings.HasPrefix(parts[2].ImageURL.URL, "data:image/png;base64,"))
}

func TestInlineRespectsSizeLimit(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(make([]byte, 1024))
	}))
	defer server.Close()

	f := New(config.ImageFetchConfig{Enabled: true, MaxBytes: 256}, nil, nil)
	req := imageRequest(t, server.URL+"/big.png")

	err := f.Inline(context.Background(), req)
	require.Error(t, err)
	parts := req.Messages[0].ContentParts()
	assert.Equal(t, server.URL+"/big.png", parts[1].ImageURL.URL)
}

func TestInlineSniffsMissingContentType(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write(pngHeader)
	}))
	defer server.Close()

	f := New(config.ImageFetchConfig{Enabled: true}, nil, nil)
	req := imageRequest(t, server.URL+"/cat")

	require.NoError(t, f.Inline(context.Background(), req))
	parts := req.Messages[0].ContentParts()
	assert.True(t, strings.HasPrefix(parts[1].ImageURL.URL, "data:image/png;base64,"))
}

func TestInlineSkipsPlainStringContent(t *testing.T) {
	f := New(config.ImageFetchConfig{Enabled: true}, nil, nil)
	req := &schema.ChatRequest{
		Model:    "gpt-4o",
		Messages: []schema.Message{{Role: "user", Content: schema.TextContent("no images here")}},
	}
	require.NoError(t, f.Inline(context.Background(), req))
	text, ok := req.Messages[0].ContentString()
	require.True(t, ok)
	assert.Equal(t, "no images here", text)
}
