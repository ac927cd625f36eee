// Package jobapi talks to the remote scraping job API: it submits crawl,
// batch-scrape and extract jobs and polls their status and output pages.
package jobapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/JakeFAU/crawlq/internal/httpclient"
)

// Kind names a remote job type.
type Kind string

// Remote job kinds.
const (
	KindCrawl   Kind = "crawl"
	KindBatch   Kind = "batch"
	KindExtract Kind = "extract"
)

const maxPages = 200

// APIError is an error payload returned by the remote API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("job API error (status %d): %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err says the job does not exist (anymore).
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// Client is a job API client. All calls go through the resilient request
// layer supplied at construction.
type Client struct {
	baseURL string
	apiKey  string
	http    *httpclient.Client
}

// New returns a Client for baseURL.
func New(baseURL, apiKey string, hc *httpclient.Client) *Client {
	if hc == nil {
		hc = httpclient.New()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    hc,
	}
}

// Submission is the API's acknowledgement of a new job.
type Submission struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// Metadata describes one scraped page.
type Metadata struct {
	SourceURL  string `json:"sourceURL"`
	URL        string `json:"url"`
	Title      string `json:"title"`
	StatusCode int    `json:"statusCode"`
}

// Document is one scraped page.
type Document struct {
	Markdown string   `json:"markdown"`
	Metadata Metadata `json:"metadata"`
}

// Source returns the page's origin URL.
func (d Document) Source() string {
	if d.Metadata.SourceURL != "" {
		return d.Metadata.SourceURL
	}
	return d.Metadata.URL
}

// JobStatus is a remote job's state at one point in time.
type JobStatus struct {
	ID        string          `json:"id"`
	Kind      Kind            `json:"kind"`
	Status    string          `json:"status"`
	Completed *int            `json:"completed,omitempty"`
	Total     *int            `json:"total,omitempty"`
	Error     string          `json:"error,omitempty"`
	SourceURL string          `json:"sourceUrl,omitempty"`
	Next      string          `json:"-"`
	Data      []Document      `json:"-"`
	Extracted json.RawMessage `json:"-"`
}

// Terminal reports whether the remote job has stopped changing.
func (s JobStatus) Terminal() bool {
	switch strings.ToLower(s.Status) {
	case "completed", "failed", "cancelled", "canceled":
		return true
	default:
		return false
	}
}

// Succeeded reports whether the remote job finished successfully.
func (s JobStatus) Succeeded() bool {
	return strings.EqualFold(s.Status, "completed")
}

// ActiveCrawl is one entry of the active crawl listing.
type ActiveCrawl struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// CrawlRequest configures a crawl submission.
type CrawlRequest struct {
	URL   string
	Limit int
}

type scrapeOptions struct {
	Formats []string `json:"formats"`
}

type crawlBody struct {
	URL           string        `json:"url"`
	Limit         int           `json:"limit,omitempty"`
	ScrapeOptions scrapeOptions `json:"scrapeOptions"`
}

type batchBody struct {
	URLs    []string `json:"urls"`
	Formats []string `json:"formats"`
}

type extractBody struct {
	URLs   []string `json:"urls"`
	Prompt string   `json:"prompt,omitempty"`
}

type submitResponse struct {
	Success bool   `json:"success"`
	ID      string `json:"id"`
	URL     string `json:"url"`
	Error   string `json:"error"`
}

type statusResponse struct {
	Success   *bool           `json:"success"`
	Status    string          `json:"status"`
	Completed *int            `json:"completed"`
	Total     *int            `json:"total"`
	Error     string          `json:"error"`
	Next      string          `json:"next"`
	Data      json.RawMessage `json:"data"`
}

type activeResponse struct {
	Crawls []ActiveCrawl `json:"crawls"`
}

// StartCrawl submits a crawl job rooted at req.URL.
func (c *Client) StartCrawl(ctx context.Context, req CrawlRequest) (Submission, error) {
	body := crawlBody{URL: req.URL, Limit: req.Limit, ScrapeOptions: scrapeOptions{Formats: []string{"markdown"}}}
	return c.submit(ctx, "/v2/crawl", body)
}

// StartBatchScrape submits a batch scrape of urls.
func (c *Client) StartBatchScrape(ctx context.Context, urls []string) (Submission, error) {
	return c.submit(ctx, "/v2/batch/scrape", batchBody{URLs: urls, Formats: []string{"markdown"}})
}

// StartExtract submits a structured extraction over urls.
func (c *Client) StartExtract(ctx context.Context, urls []string, prompt string) (Submission, error) {
	return c.submit(ctx, "/v2/extract", extractBody{URLs: urls, Prompt: prompt})
}

func (c *Client) submit(ctx context.Context, path string, body any) (Submission, error) {
	var resp submitResponse
	if err := c.call(ctx, http.MethodPost, c.baseURL+path, body, &resp); err != nil {
		return Submission{}, fmt.Errorf("submit %s: %w", path, err)
	}
	if resp.ID == "" {
		msg := resp.Error
		if msg == "" {
			msg = "response carried no job id"
		}
		return Submission{}, fmt.Errorf("submit %s: %w", path, &APIError{StatusCode: http.StatusOK, Message: msg})
	}
	sub := Submission{ID: resp.ID, URL: resp.URL}
	if sub.URL == "" {
		sub.URL = c.baseURL + path + "/" + resp.ID
	}
	return sub, nil
}

// Status fetches the current state of one job. For crawl and batch jobs the
// first page of documents is included.
func (c *Client) Status(ctx context.Context, kind Kind, id string) (JobStatus, error) {
	path, err := statusPath(kind)
	if err != nil {
		return JobStatus{}, err
	}
	return c.fetchStatus(ctx, kind, id, c.baseURL+path+"/"+url.PathEscape(id))
}

// Documents fetches a crawl or batch job with every page of its output.
func (c *Client) Documents(ctx context.Context, kind Kind, id string) (JobStatus, error) {
	if kind == KindExtract {
		return JobStatus{}, fmt.Errorf("extract jobs have no document pages")
	}
	status, err := c.Status(ctx, kind, id)
	if err != nil {
		return JobStatus{}, err
	}
	next := status.Next
	for page := 1; next != "" && page < maxPages; page++ {
		if err := c.sameOrigin(next); err != nil {
			return JobStatus{}, err
		}
		more, err := c.fetchStatus(ctx, kind, id, next)
		if err != nil {
			return JobStatus{}, fmt.Errorf("fetch page %d of %s: %w", page+1, id, err)
		}
		status.Data = append(status.Data, more.Data...)
		next = more.Next
	}
	status.Next = ""
	if status.SourceURL == "" {
		status.SourceURL = firstSource(status.Data)
	}
	return status, nil
}

// ActiveCrawls lists crawls the API still considers running.
func (c *Client) ActiveCrawls(ctx context.Context) ([]ActiveCrawl, error) {
	var resp activeResponse
	if err := c.call(ctx, http.MethodGet, c.baseURL+"/v2/crawl/active", nil, &resp); err != nil {
		return nil, fmt.Errorf("list active crawls: %w", err)
	}
	return resp.Crawls, nil
}

func (c *Client) fetchStatus(ctx context.Context, kind Kind, id, endpoint string) (JobStatus, error) {
	var resp statusResponse
	if err := c.call(ctx, http.MethodGet, endpoint, nil, &resp); err != nil {
		return JobStatus{}, fmt.Errorf("%s status %s: %w", kind, id, err)
	}
	if resp.Success != nil && !*resp.Success && resp.Status == "" {
		msg := resp.Error
		if msg == "" {
			msg = "request was not successful"
		}
		return JobStatus{}, fmt.Errorf("%s status %s: %w", kind, id, &APIError{StatusCode: http.StatusOK, Message: msg})
	}

	status := JobStatus{
		ID:        id,
		Kind:      kind,
		Status:    resp.Status,
		Completed: resp.Completed,
		Total:     resp.Total,
		Error:     resp.Error,
		Next:      resp.Next,
	}
	if len(resp.Data) > 0 && string(resp.Data) != "null" {
		if kind == KindExtract {
			status.Extracted = resp.Data
		} else if err := json.Unmarshal(resp.Data, &status.Data); err != nil {
			return JobStatus{}, fmt.Errorf("%s status %s: decode documents: %w", kind, id, err)
		}
	}
	status.SourceURL = firstSource(status.Data)
	return status, nil
}

func (c *Client) call(ctx context.Context, method, endpoint string, in, out any) error {
	header := http.Header{}
	if c.apiKey != "" {
		header.Set("Authorization", "Bearer "+c.apiKey)
	}
	err := c.http.DoJSON(ctx, method, endpoint, header, in, out)
	var statusErr *httpclient.StatusError
	if errors.As(err, &statusErr) {
		return &APIError{StatusCode: statusErr.StatusCode, Message: errorMessage(statusErr.Body, statusErr.StatusCode)}
	}
	return err
}

func (c *Client) sameOrigin(next string) error {
	base, err := url.Parse(c.baseURL)
	if err != nil {
		return fmt.Errorf("parse base url: %w", err)
	}
	u, err := url.Parse(next)
	if err != nil {
		return fmt.Errorf("parse next page url: %w", err)
	}
	if !strings.EqualFold(u.Host, base.Host) {
		return fmt.Errorf("next page %q leaves %s", next, base.Host)
	}
	return nil
}

func statusPath(kind Kind) (string, error) {
	switch kind {
	case KindCrawl:
		return "/v2/crawl", nil
	case KindBatch:
		return "/v2/batch/scrape", nil
	case KindExtract:
		return "/v2/extract", nil
	default:
		return "", fmt.Errorf("unknown job kind %q", kind)
	}
}

func errorMessage(body string, status int) string {
	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal([]byte(body), &payload); err == nil {
		if payload.Error != "" {
			return payload.Error
		}
		if payload.Message != "" {
			return payload.Message
		}
	}
	if body != "" {
		return body
	}
	return http.StatusText(status)
}

func firstSource(docs []Document) string {
	for _, d := range docs {
		if src := d.Source(); src != "" {
			return src
		}
	}
	return ""
}
