// Package images inlines remote image references before translation.
// Bedrock and Anthropic only accept image bytes, so HTTP image URLs in the
// request are downloaded and replaced with data URLs up front; translators
// then never deal with the network.
package images

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hadrianai/hadrian/internal/config"
	"github.com/hadrianai/hadrian/internal/schema"
)

type Fetcher struct {
	client   *http.Client
	maxBytes int64
	logger   *zap.Logger
}

func New(cfg config.ImageFetchConfig, client *http.Client, logger *zap.Logger) *Fetcher {
	if client == nil {
		client = &http.Client{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	maxBytes := cfg.MaxBytes
	if maxBytes <= 0 {
		maxBytes = 8 << 20
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Fetcher{
		client:   &http.Client{Transport: client.Transport, Timeout: timeout},
		maxBytes: maxBytes,
		logger:   logger,
	}
}

// Inline replaces every http(s) image URL in the request with a data URL.
// A failed download leaves that part untouched; the provider will produce
// its own error if it cannot handle the URL.
func (f *Fetcher) Inline(ctx context.Context, req *schema.ChatRequest) error {
	var firstErr error
	for i := range req.Messages {
		msg := &req.Messages[i]
		if _, ok := msg.ContentString(); ok {
			continue
		}
		parts := msg.ContentParts()
		if len(parts) == 0 {
			continue
		}

		changed := false
		for j := range parts {
			part := &parts[j]
			if part.Type != "image_url" || part.ImageURL == nil {
				continue
			}
			url := part.ImageURL.URL
			if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
				continue
			}
			dataURL, err := f.fetch(ctx, url)
			if err != nil {
				f.logger.Warn("image fetch failed", zap.String("url", url), zap.Error(err))
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			part.ImageURL.URL = dataURL
			changed = true
		}

		if changed {
			raw, err := json.Marshal(parts)
			if err != nil {
				return err
			}
			msg.Content = raw
		}
	}
	return firstErr
}

func (f *Fetcher) fetch(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("image fetch: status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return "", err
	}
	if int64(len(data)) > f.maxBytes {
		return "", fmt.Errorf("image exceeds %d byte limit", f.maxBytes)
	}

	mediaType := resp.Header.Get("Content-Type")
	if mediaType == "" || !strings.HasPrefix(mediaType, "image/") {
		mediaType = http.DetectContentType(data)
	}
	return "data:" + mediaType + ";base64," + base64.StdEncoding.EncodeToString(data), nil
}
