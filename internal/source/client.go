// Package source talks to the manga site's JSON API.
package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	cloudflarebp "github.com/DaRealFreak/cloudflare-bp-go"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"mangavault/pkg/models"
)

const (
	DefaultTimeout = 30 * time.Second
	acceptLanguage = "en-US,en;q=0.9"
)

// APIError is a non-2xx answer from the site.
type APIError struct {
	StatusCode int
	Endpoint   string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("source api %s: HTTP %d: %s", e.Endpoint, e.StatusCode, e.Body)
}

type Client struct {
	baseURL    string
	apiBaseURL string
	userAgent  string
	httpClient *http.Client
	limiter    *rate.Limiter
	log        *zap.Logger
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

func WithAPIBaseURL(u string) Option {
	return func(c *Client) { c.apiBaseURL = strings.TrimRight(u, "/") }
}

func WithUserAgent(ua string) Option {
	return func(c *Client) { c.userAgent = ua }
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.log = l.Named("source") }
}

// WithRateLimit caps requests per second. Zero or less disables limiting.
func WithRateLimit(rps float64) Option {
	return func(c *Client) {
		if rps <= 0 {
			c.limiter = rate.NewLimiter(rate.Inf, 0)
			return
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), max(1, int(rps)))
	}
}

// NewClient builds a client whose transport mimics a real browser TLS handshake.
func NewClient(baseURL string, opts ...Option) *Client {
	base := strings.TrimRight(baseURL, "/")
	c := &Client{
		baseURL:    base,
		apiBaseURL: base,
		httpClient: &http.Client{
			Timeout:   DefaultTimeout,
			Transport: cloudflarebp.AddCloudFlareByPass(http.DefaultTransport.(*http.Transport).Clone()),
		},
		limiter: rate.NewLimiter(rate.Limit(2), 2),
		log:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ChapterURL is the reader page of a chapter.
func (c *Client) ChapterURL(mangaID, chapterID int64) string {
	return fmt.Sprintf("%s/mangas/%d/chapters/%d", c.baseURL, mangaID, chapterID)
}

// Chapter returns metadata of one chapter. A missing chapter is models.ErrNoChapterData.
func (c *Client) Chapter(ctx context.Context, mangaID, chapterID int64) (models.ChapterMeta, error) {
	var body struct {
		Data *chapterDTO `json:"data"`
	}
	if err := c.get(ctx, fmt.Sprintf("/api/v2/chapters/%d", chapterID), &body); err != nil {
		return models.ChapterMeta{}, err
	}
	if body.Data == nil || body.Data.ID == 0 {
		return models.ChapterMeta{}, fmt.Errorf("chapter %d: %w", chapterID, models.ErrNoChapterData)
	}
	meta := body.Data.meta()
	if meta.MangaID == 0 {
		meta.MangaID = mangaID
	}
	return meta, nil
}

// Chapters lists the chapters of a manga as the site orders them.
func (c *Client) Chapters(ctx context.Context, mangaID int64) ([]models.ChapterMeta, error) {
	var body struct {
		Data []chapterDTO `json:"data"`
	}
	if err := c.get(ctx, fmt.Sprintf("/api/v2/mangas/%d/chapters", mangaID), &body); err != nil {
		return nil, err
	}
	out := make([]models.ChapterMeta, 0, len(body.Data))
	for _, d := range body.Data {
		m := d.meta()
		if m.MangaID == 0 {
			m.MangaID = mangaID
		}
		out = append(out, m)
	}
	return out, nil
}

// ImageHeaders are the headers a browser sends for an image on the chapter page.
func (c *Client) ImageHeaders(referer string) map[string]string {
	return map[string]string{
		"User-Agent":      c.userAgent,
		"Accept":          "image/webp,image/apng,image/*,*/*;q=0.8",
		"Accept-Language": acceptLanguage,
		"Referer":         referer,
	}
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiBaseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Accept-Language", acceptLanguage)
	req.Header.Set("Referer", c.baseURL+"/")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("get %s: %w", path, err)
	}
	defer resp.Body.Close()
	c.log.Debug("api request", zap.String("path", path), zap.Int("status", resp.StatusCode), zap.Duration("took", time.Since(start)))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &APIError{StatusCode: resp.StatusCode, Endpoint: path, Body: strings.TrimSpace(string(b))}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

type chapterDTO struct {
	ID     int64      `json:"id"`
	Number flexString `json:"number"`
	Name   string     `json:"name"`
	Pages  []struct{} `json:"pages"`
	Manga  *struct {
		ID int64 `json:"id"`
	} `json:"manga"`
	PagesCount int `json:"pages_count"`
}

func (d chapterDTO) meta() models.ChapterMeta {
	m := models.ChapterMeta{
		ID:         d.ID,
		Number:     string(d.Number),
		Name:       strings.TrimSpace(d.Name),
		TotalPages: d.PagesCount,
	}
	if len(d.Pages) > 0 {
		m.TotalPages = len(d.Pages)
	}
	if d.Manga != nil {
		m.MangaID = d.Manga.ID
	}
	return m
}

// flexString accepts a JSON string or number.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	if string(b) == "null" {
		*f = ""
		return nil
	}
	n, err := strconv.ParseFloat(string(b), 64)
	if err != nil {
		return fmt.Errorf("number: %w", err)
	}
	*f = flexString(strconv.FormatFloat(n, 'f', -1, 64))
	return nil
}
