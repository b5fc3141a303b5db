package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"merch-rank/internal/logging"
	"merch-rank/internal/metrics"
	"merch-rank/internal/model"

	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"
)

// PageLimit is the maximum page size accepted by the Admin REST API.
const PageLimit = 250

// ErrUnexpectedShape is returned when a page body is not JSON or lacks the
// expected top-level array.
var ErrUnexpectedShape = errors.New("unexpected response shape")

// HTTPStatusError is returned for any non-2xx page response.
type HTTPStatusError struct {
	URL        string
	StatusCode int
	Body       string
}

func (e *HTTPStatusError) Error() string {
	body := e.Body
	if len(body) > 200 {
		body = body[:200] + "..."
	}
	return fmt.Sprintf("GET %s: status %d: %s", e.URL, e.StatusCode, body)
}

// ------------------- Collector -------------------

// Collector issues authenticated, throttled GETs against the commerce API.
type Collector struct {
	client  *resty.Client
	token   string
	limiter *rate.Limiter
	metrics *metrics.Registry
}

type CollectorOption func(*Collector)

// WithRateLimit caps the request rate shared by every collection of a run.
// A non-positive rps disables throttling.
func WithRateLimit(rps float64, burst int) CollectorOption {
	return func(c *Collector) {
		if burst < 1 {
			burst = 1
		}
		if rps <= 0 {
			c.limiter = rate.NewLimiter(rate.Inf, burst)
			return
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

func WithTimeout(d time.Duration) CollectorOption {
	return func(c *Collector) {
		if d > 0 {
			c.client.SetTimeout(d)
		}
	}
}

func WithMetrics(m *metrics.Registry) CollectorOption {
	return func(c *Collector) { c.metrics = m }
}

// NewCollector builds a collector. Retries are disabled: one failed page
// aborts the collection.
func NewCollector(token string, opts ...CollectorOption) *Collector {
	client := resty.New()
	client.SetTimeout(30 * time.Second)
	client.SetRetryCount(0)
	client.SetHeader("Accept", "application/json")
	client.SetHeader("Content-Type", "application/json")

	c := &Collector{
		client:  client,
		token:   token,
		limiter: rate.NewLimiter(rate.Inf, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// page is one successful response: its body and the next cursor, if any.
type page struct {
	body []byte
	next string
}

func (c *Collector) fetchPage(ctx context.Context, pageURL string) (*page, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	resp, err := c.client.R().
		SetContext(ctx).
		SetHeader("X-Shopify-Access-Token", c.token).
		Get(pageURL)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", pageURL, err)
	}
	if !resp.IsSuccess() {
		return nil, &HTTPStatusError{URL: pageURL, StatusCode: resp.StatusCode(), Body: string(resp.Body())}
	}

	next, err := resolveNext(pageURL, NextPageURL(resp.Header().Values("Link")))
	if err != nil {
		return nil, err
	}
	return &page{body: resp.Body(), next: next}, nil
}

// CollectPages follows the Link header cursor from startURL and concatenates
// the items of the top-level array field of every page, in API order. Any
// failed page discards everything collected so far.
func CollectPages[T any](ctx context.Context, c *Collector, startURL, field string) ([]T, error) {
	var items []T
	pages := 0
	for next := startURL; next != ""; {
		p, err := c.fetchPage(ctx, next)
		if err != nil {
			return nil, err
		}
		batch, err := decodeField[T](p.body, field)
		if err != nil {
			return nil, fmt.Errorf("page %d of %s: %w", pages+1, field, err)
		}
		items = append(items, batch...)
		pages++
		c.metrics.PageFetched(field, len(batch))
		logging.Debug("page fetched", "collection", field, "page", pages, "items", len(batch))
		next = p.next
	}
	logging.Info(fmt.Sprintf("📦 Collected %d %s across %d pages", len(items), field, pages))
	return items, nil
}

func decodeField[T any](body []byte, field string) ([]T, error) {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnexpectedShape, err)
	}
	raw, ok := envelope[field]
	if !ok || string(raw) == "null" {
		return nil, fmt.Errorf("%w: missing %q array", ErrUnexpectedShape, field)
	}
	var items []T
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnexpectedShape, field, err)
	}
	return items, nil
}

// ------------------- Link header -------------------

// NextPageURL returns the URL of the entry whose rel is exactly "next" across
// all Link header values, or "" when there is none. The URL is returned
// verbatim.
func NextPageURL(values []string) string {
	for _, v := range values {
		for _, link := range splitLinks(v) {
			for _, rel := range strings.Fields(link.rel) {
				if rel == "next" {
					return link.target
				}
			}
		}
	}
	return ""
}

type linkEntry struct {
	target string
	rel    string
}

// splitLinks scans `<url>; param=value, <url>; ...`. URLs may contain commas,
// so entries are delimited by the angle brackets rather than by splitting.
func splitLinks(header string) []linkEntry {
	var out []linkEntry
	rest := header
	for {
		open := strings.IndexByte(rest, '<')
		if open < 0 {
			return out
		}
		closing := strings.IndexByte(rest[open:], '>')
		if closing < 0 {
			return out
		}
		entry := linkEntry{target: rest[open+1 : open+closing]}
		rest = rest[open+closing+1:]

		params := rest
		if nextOpen := strings.IndexByte(rest, '<'); nextOpen >= 0 {
			params = rest[:nextOpen]
		}
		for _, param := range strings.Split(params, ";") {
			key, value, ok := strings.Cut(strings.TrimSpace(param), "=")
			if !ok || !strings.EqualFold(strings.TrimSpace(key), "rel") {
				continue
			}
			value = strings.TrimSpace(value)
			value = strings.TrimRight(value, ", ")
			entry.rel = strings.Trim(value, `"`)
		}
		out = append(out, entry)
	}
}

// resolveNext makes a relative cursor absolute against the page that sent it.
func resolveNext(current, next string) (string, error) {
	if next == "" {
		return "", nil
	}
	ref, err := url.Parse(next)
	if err != nil {
		return "", fmt.Errorf("%w: bad next link %q: %v", ErrUnexpectedShape, next, err)
	}
	if ref.IsAbs() {
		return next, nil
	}
	base, err := url.Parse(current)
	if err != nil {
		return "", fmt.Errorf("bad page url %q: %w", current, err)
	}
	return base.ResolveReference(ref).String(), nil
}

// ------------------- Endpoints -------------------

var productFields = []string{
	"id", "title", "handle", "images", "variants", "tags",
	"product_type", "vendor", "created_at", "published_at", "status",
}

func adminURL(src model.Source, resource string, query url.Values) string {
	return fmt.Sprintf("%s/admin/api/%s/%s.json?%s", src.BaseURL(), src.APIVersion, resource, query.Encode())
}

// ProductsURL is the first page of active products.
func ProductsURL(src model.Source) string {
	q := url.Values{}
	q.Set("limit", fmt.Sprint(PageLimit))
	q.Set("status", "active")
	q.Set("fields", strings.Join(productFields, ","))
	return adminURL(src, "products", q)
}

// OrdersURL is the first page of orders in any state created on or after the
// configured minimum date.
func OrdersURL(src model.Source) string {
	q := url.Values{}
	q.Set("status", "any")
	q.Set("limit", fmt.Sprint(PageLimit))
	if src.MinOrderDate != "" {
		q.Set("created_at_min", src.MinOrderDate)
	}
	q.Set("fields", "id,financial_status,line_items")
	return adminURL(src, "orders", q)
}

func (c *Collector) Products(ctx context.Context, src model.Source) ([]model.Product, error) {
	products, err := CollectPages[model.Product](ctx, c, ProductsURL(src), "products")
	if err != nil {
		return nil, fmt.Errorf("collect products: %w", err)
	}
	return products, nil
}

func (c *Collector) Orders(ctx context.Context, src model.Source) ([]model.Order, error) {
	orders, err := CollectPages[model.Order](ctx, c, OrdersURL(src), "orders")
	if err != nil {
		return nil, fmt.Errorf("collect orders: %w", err)
	}
	return orders, nil
}

// ------------------- Ratings -------------------

type reviewsResponse struct {
	Reviews []struct {
		ProductHandle string  `json:"product_handle"`
		Rating        float64 `json:"rating"`
	} `json:"reviews"`
}

// FetchRatings asks a reviews endpoint for every handle in one request and
// averages the ratings per handle. The store token is not sent.
func (c *Collector) FetchRatings(ctx context.Context, reviewsURL string, handles []string) (map[string]model.Rating, error) {
	if reviewsURL == "" || len(handles) == 0 {
		return map[string]model.Rating{}, nil
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	resp, err := c.client.R().
		SetContext(ctx).
		SetQueryParam("handles", strings.Join(handles, ",")).
		Get(reviewsURL)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", reviewsURL, err)
	}
	if !resp.IsSuccess() {
		return nil, &HTTPStatusError{URL: reviewsURL, StatusCode: resp.StatusCode(), Body: string(resp.Body())}
	}

	var body reviewsResponse
	if err := json.Unmarshal(resp.Body(), &body); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnexpectedShape, err)
	}

	sums := make(map[string]float64)
	ratings := make(map[string]model.Rating)
	for _, r := range body.Reviews {
		if r.ProductHandle == "" {
			continue
		}
		sums[r.ProductHandle] += r.Rating
		entry := ratings[r.ProductHandle]
		entry.Count++
		ratings[r.ProductHandle] = entry
	}
	for handle, entry := range ratings {
		entry.Average = sums[handle] / float64(entry.Count)
		ratings[handle] = entry
	}
	return ratings, nil
}
