package completion

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

var chatModelPrefixes = []string{"gpt-3.5", "gpt-4"}

func (c *Client) openaiClient(apiKey string) *openai.Client {
	cfg := openai.DefaultConfig(apiKey)
	cfg.BaseURL = c.baseURL
	cfg.HTTPClient = c.http
	return openai.NewClientWithConfig(cfg)
}

// ListModels returns the chat-capable model ids visible to apiKey.
func (c *Client) ListModels(ctx context.Context, apiKey string) ([]string, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, ErrMissingAPIKey
	}
	list, err := c.openaiClient(apiKey).ListModels(ctx)
	if err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}
	ids := make([]string, 0, len(list.Models))
	for _, m := range list.Models {
		for _, prefix := range chatModelPrefixes {
			if strings.HasPrefix(m.ID, prefix) {
				ids = append(ids, m.ID)
				break
			}
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// TestKey reports whether apiKey is accepted. A rejected key is not an error;
// other failures are.
func (c *Client) TestKey(ctx context.Context, apiKey string) (bool, error) {
	_, err := c.ListModels(ctx, apiKey)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, ErrMissingAPIKey) {
		return false, nil
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode == http.StatusUnauthorized {
		return false, nil
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode == http.StatusUnauthorized {
		return false, nil
	}
	return false, err
}
