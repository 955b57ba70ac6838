package knowledge

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jurisflow/intake/pkg/errorsx"
)

// RemoteClient queries the external knowledge service over its tRPC HTTP endpoint.
type RemoteClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

type RemoteConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

func NewRemoteClient(cfg RemoteConfig) *RemoteClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &RemoteClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *RemoteClient) Name() string { return "remote" }

type remoteSnippet struct {
	ID       int64    `json:"id"`
	Topic    string   `json:"topic"`
	Content  string   `json:"content"`
	Category string   `json:"category"`
	Keywords []string `json:"keywords"`
	Priority int      `json:"priority"`
	Active   *bool    `json:"active"`
}

type trpcEnvelope struct {
	Result struct {
		Data json.RawMessage `json:"data"`
	} `json:"result"`
}

func (c *RemoteClient) Search(ctx context.Context, query string, limit int) ([]Snippet, error) {
	input, err := json.Marshal(map[string]any{"query": query, "limit": limit})
	if err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonKnowledgeRemote)
	}
	endpoint := c.baseURL + "/api/trpc/api.searchForAI?input=" + url.QueryEscape(string(input))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonKnowledgeRemote)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, errorsx.Wrapf(err, errorsx.ReasonKnowledgeRemote, "knowledge request")
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonKnowledgeRemote)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, errorsx.New(errorsx.ReasonKnowledgeRemote, fmt.Sprintf("knowledge service status %d", resp.StatusCode))
	}
	return decodeRemote(body)
}

// decodeRemote accepts result.data as a plain array or as a {"json": [...]} wrapper.
func decodeRemote(body []byte) ([]Snippet, error) {
	var env trpcEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, errorsx.Wrapf(err, errorsx.ReasonKnowledgeRemote, "decode knowledge response")
	}
	data := env.Result.Data
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}
	var items []remoteSnippet
	if err := json.Unmarshal(data, &items); err != nil {
		var wrapped struct {
			JSON []remoteSnippet `json:"json"`
		}
		if err2 := json.Unmarshal(data, &wrapped); err2 != nil {
			return nil, errorsx.Wrapf(err, errorsx.ReasonKnowledgeRemote, "decode knowledge data")
		}
		items = wrapped.JSON
	}
	out := make([]Snippet, 0, len(items))
	for _, it := range items {
		if it.Active != nil && !*it.Active {
			continue
		}
		out = append(out, Snippet{
			ID:       it.ID,
			Topic:    it.Topic,
			Content:  it.Content,
			Category: it.Category,
			Keywords: it.Keywords,
			Priority: it.Priority,
			Active:   true,
		})
	}
	return out, nil
}
