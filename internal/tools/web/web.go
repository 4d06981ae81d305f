// Package web provides the research-agent fetch tool: HTTP GET, HTML
// cleanup, Markdown conversion.
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"

	"github.com/wardenlabs/warden/internal/agent"
	"github.com/wardenlabs/warden/pkg/models"
)

const (
	defaultTimeout = 30 * time.Second

	// maxBodyBytes caps the downloaded document.
	maxBodyBytes = 2 << 20
)

// Tools exposes page fetching.
type Tools struct {
	client    *http.Client
	converter *md.Converter
}

// New builds the fetch tool. client nil uses a default with a 30s timeout.
func New(client *http.Client) *Tools {
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	return &Tools{
		client:    client,
		converter: md.NewConverter("", true, nil),
	}
}

// Register adds fetch_page to the registry.
func (t *Tools) Register(reg *agent.Registry) error {
	spec := models.ToolSpec{
		Name:        "fetch_page",
		Description: "Fetch a web page and return its content as Markdown.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {"url": {"type": "string"}},
			"required": ["url"]
		}`),
	}
	return reg.Register(spec, t.fetchPage)
}

func (t *Tools) fetchPage(ctx context.Context, input map[string]any) string {
	raw, _ := input["url"].(string)
	parsed, err := url.Parse(raw)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return fmt.Sprintf("ERROR: invalid url %q", raw)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, parsed.String(), nil)
	if err != nil {
		return fmt.Sprintf("ERROR: build request: %v", err)
	}
	req.Header.Set("User-Agent", "warden/1.0")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Sprintf("ERROR: fetch %s: %v", parsed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Sprintf("ERROR: fetch %s: status %d", parsed, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return fmt.Sprintf("ERROR: read body: %v", err)
	}

	contentType := resp.Header.Get("Content-Type")
	if !strings.Contains(contentType, "html") {
		// Plain text and JSON pass through untouched.
		return string(body)
	}

	markdown, err := t.toMarkdown(string(body))
	if err != nil {
		return fmt.Sprintf("ERROR: convert page: %v", err)
	}
	return markdown
}

// toMarkdown strips non-content elements and converts the rest.
func (t *Tools) toMarkdown(html string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", err
	}
	doc.Find("script, style, noscript, iframe, svg").Remove()

	title := strings.TrimSpace(doc.Find("title").First().Text())

	body := doc.Find("body")
	if body.Length() == 0 {
		body = doc.Selection
	}
	markdown := strings.TrimSpace(t.converter.Convert(body))

	if title != "" {
		return "# " + title + "\n\n" + markdown, nil
	}
	return markdown, nil
}
