package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultSearchEndpoint = "https://api.duckduckgo.com/"
	maxSearchResults      = 5
	maxResponseBytes      = 1 << 20
)

// WebSearch queries a DuckDuckGo instant-answer compatible endpoint.
type WebSearch struct {
	endpoint string
	client   *http.Client
}

// NewWebSearch creates the web_search tool. An empty endpoint uses DuckDuckGo.
func NewWebSearch(endpoint string, client *http.Client) *WebSearch {
	if endpoint == "" {
		endpoint = defaultSearchEndpoint
	}
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &WebSearch{endpoint: endpoint, client: client}
}

func (w *WebSearch) Name() string { return "web_search" }

func (w *WebSearch) Description() string {
	return "Search the web and return short text snippets with their source URLs."
}

func (w *WebSearch) Parameters() map[string]any {
	return map[string]any{
		"query": map[string]any{
			"type":        "string",
			"description": "Search query",
		},
	}
}

func (w *WebSearch) Required() []string { return []string{"query"} }

type ddgTopic struct {
	Text     string     `json:"Text"`
	FirstURL string     `json:"FirstURL"`
	Topics   []ddgTopic `json:"Topics"`
}

type ddgResponse struct {
	Heading       string     `json:"Heading"`
	AbstractText  string     `json:"AbstractText"`
	AbstractURL   string     `json:"AbstractURL"`
	Answer        string     `json:"Answer"`
	RelatedTopics []ddgTopic `json:"RelatedTopics"`
}

func (w *WebSearch) Execute(ctx context.Context, args map[string]any) (map[string]any, error) {
	query, _ := args["query"].(string)
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("query cannot be empty")
	}

	params := url.Values{}
	params.Set("q", query)
	params.Set("format", "json")
	params.Set("no_html", "1")
	params.Set("skip_disambig", "1")

	var body ddgResponse
	if err := getJSON(ctx, w.client, w.endpoint, params, &body); err != nil {
		return nil, fmt.Errorf("search %q: %w", query, err)
	}

	results := make([]any, 0, maxSearchResults)
	add := func(text, link string) {
		if text == "" || len(results) >= maxSearchResults {
			return
		}
		results = append(results, map[string]any{"text": text, "url": link})
	}
	if body.Answer != "" {
		add(body.Answer, "")
	}
	add(body.AbstractText, body.AbstractURL)
	for _, topic := range flattenTopics(body.RelatedTopics) {
		add(topic.Text, topic.FirstURL)
	}

	return map[string]any{
		"query":   query,
		"heading": body.Heading,
		"results": results,
	}, nil
}

func flattenTopics(topics []ddgTopic) []ddgTopic {
	var out []ddgTopic
	for _, topic := range topics {
		if len(topic.Topics) > 0 {
			out = append(out, flattenTopics(topic.Topics)...)
			continue
		}
		out = append(out, topic)
	}
	return out
}

// getJSON issues a GET request and decodes a JSON body. Non-2xx responses are errors.
func getJSON(ctx context.Context, client *http.Client, endpoint string, params url.Values, dest any) error {
	u, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("parse endpoint: %w", err)
	}
	q := u.Query()
	for key, values := range params {
		for _, v := range values {
			q.Add(key, v)
		}
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "graphchat/1.0")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
