// Package googlephotos reads a user's library through the Google Photos
// Library API.
package googlephotos

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"facefinder/internal/domain"
	"facefinder/internal/ports"
)

var _ ports.PhotoSource = (*Client)(nil)

// refreshMargin makes tokens count as expired this long before they really are.
const refreshMargin = 5 * time.Minute

type Options struct {
	APIURL    string
	OAuth     oauth2.Config
	PageSize  int
	PageDelay time.Duration
	// MaxPages caps enumeration. Zero means unlimited.
	MaxPages int
	Timeout  time.Duration
	Logger   logrus.FieldLogger
}

type Client struct {
	opts Options
	http *http.Client
	log  logrus.FieldLogger
}

func New(opts Options) *Client {
	if opts.PageSize <= 0 || opts.PageSize > 100 {
		opts.PageSize = 100
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	opts.APIURL = strings.TrimRight(opts.APIURL, "/")
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Client{
		opts: opts,
		http: &http.Client{Timeout: opts.Timeout},
		log:  log.WithField("component", "googlephotos"),
	}
}

// TokenSource returns a token source that refreshes the credential whenever
// it is within refreshMargin of expiring. It is asked before every call.
func (c *Client) TokenSource(ctx context.Context, cred domain.Credential) oauth2.TokenSource {
	tok := &oauth2.Token{
		AccessToken:  cred.AccessToken,
		RefreshToken: cred.RefreshToken,
		Expiry:       cred.Expiry,
		TokenType:    "Bearer",
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, &http.Client{Timeout: c.opts.Timeout})
	return oauth2.ReuseTokenSourceWithExpiry(tok, &refresher{ctx: ctx, cfg: c.opts.OAuth, refreshToken: cred.RefreshToken}, refreshMargin)
}

// refresher exchanges the refresh token on every call. Callers wrap it in a
// reuse source, which serializes access.
type refresher struct {
	ctx          context.Context
	cfg          oauth2.Config
	refreshToken string
}

func (r *refresher) Token() (*oauth2.Token, error) {
	if r.refreshToken == "" {
		return nil, errors.New("access token expired and no refresh token is stored")
	}
	tok, err := r.cfg.TokenSource(r.ctx, &oauth2.Token{RefreshToken: r.refreshToken}).Token()
	if err != nil {
		return nil, err
	}
	if tok.RefreshToken != "" {
		r.refreshToken = tok.RefreshToken
	}
	return tok, nil
}

type mediaItem struct {
	ID            string `json:"id"`
	ProductURL    string `json:"productUrl"`
	BaseURL       string `json:"baseUrl"`
	MimeType      string `json:"mimeType"`
	Filename      string `json:"filename"`
	MediaMetadata struct {
		CreationTime time.Time       `json:"creationTime"`
		Width        string          `json:"width"`
		Height       string          `json:"height"`
		Video        json.RawMessage `json:"video,omitempty"`
	} `json:"mediaMetadata"`
}

func (m mediaItem) isVideo() bool {
	return len(m.MediaMetadata.Video) > 0 || strings.HasPrefix(m.MimeType, "video/")
}

func (m mediaItem) toDomain() domain.RemoteItem {
	w, _ := strconv.Atoi(m.MediaMetadata.Width)
	h, _ := strconv.Atoi(m.MediaMetadata.Height)
	return domain.RemoteItem{
		ID:           m.ID,
		BaseURL:      m.BaseURL,
		ProductURL:   m.ProductURL,
		MimeType:     m.MimeType,
		Filename:     m.Filename,
		CreationTime: m.MediaMetadata.CreationTime,
		Width:        w,
		Height:       h,
	}
}

type listResponse struct {
	MediaItems    []mediaItem `json:"mediaItems"`
	NextPageToken string      `json:"nextPageToken"`
}

// Paginator walks the library from the first page. Pages after the first
// are paced by the configured delay.
type Paginator struct {
	c         *Client
	ts        oauth2.TokenSource
	limiter   *rate.Limiter
	token     string
	pages     int
	done      bool
	truncated bool
}

func (c *Client) Paginator(ts oauth2.TokenSource) ports.ItemPager {
	return c.newPaginator(ts)
}

func (c *Client) newPaginator(ts oauth2.TokenSource) *Paginator {
	limit := rate.Inf
	if c.opts.PageDelay > 0 {
		limit = rate.Every(c.opts.PageDelay)
	}
	return &Paginator{c: c, ts: ts, limiter: rate.NewLimiter(limit, 1)}
}

func (p *Paginator) HasMorePages() bool { return !p.done }

// Truncated reports whether enumeration stopped at the page cap.
func (p *Paginator) Truncated() bool { return p.truncated }

func (p *Paginator) NextPage(ctx context.Context) ([]domain.RemoteItem, error) {
	if p.done {
		return nil, errors.New("no more pages")
	}
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	q := url.Values{"pageSize": {strconv.Itoa(p.c.opts.PageSize)}}
	if p.token != "" {
		q.Set("pageToken", p.token)
	}
	var resp listResponse
	if err := p.c.getJSON(ctx, p.ts, p.c.opts.APIURL+"/v1/mediaItems?"+q.Encode(), &resp); err != nil {
		return nil, fmt.Errorf("list media items (page %d): %w", p.pages+1, err)
	}
	p.pages++
	p.token = resp.NextPageToken

	if p.token == "" {
		p.done = true
	} else if p.c.opts.MaxPages > 0 && p.pages >= p.c.opts.MaxPages {
		p.done = true
		p.truncated = true
		p.c.log.WithField("pages", p.pages).Warn("page cap reached, enumeration truncated")
	}

	items := make([]domain.RemoteItem, 0, len(resp.MediaItems))
	for _, m := range resp.MediaItems {
		if m.isVideo() {
			continue
		}
		items = append(items, m.toDomain())
	}
	return items, nil
}

// DownloadURL is the base URL with the size parameter for the rendition.
func DownloadURL(item domain.RemoteItem, size ports.ImageSize) string {
	if size == ports.SizeOriginal {
		return item.BaseURL + "=d"
	}
	return item.BaseURL + "=w512-h512"
}

// DownloadMany fetches every item with at most concurrency requests in
// flight. Failed items are dropped and counted in a single warning.
func (c *Client) DownloadMany(ctx context.Context, ts oauth2.TokenSource, items []domain.RemoteItem, concurrency int, size ports.ImageSize) []ports.Download {
	if concurrency < 1 {
		concurrency = 1
	}
	var (
		mu    sync.Mutex
		out   = make([]ports.Download, 0, len(items))
		fails int
		g     errgroup.Group
	)
	g.SetLimit(concurrency)
	for _, item := range items {
		item := item
		g.Go(func() error {
			data, err := c.download(ctx, ts, DownloadURL(item, size))
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				fails++
				c.log.WithError(err).WithField("remote_id", item.ID).Debug("download failed")
				return nil
			}
			out = append(out, ports.Download{Item: item, Data: data})
			return nil
		})
	}
	_ = g.Wait()
	if fails > 0 {
		c.log.WithFields(logrus.Fields{"size": size, "dropped": fails, "requested": len(items)}).Warn("downloads dropped")
	}
	return out
}

func (c *Client) download(ctx context.Context, ts oauth2.TokenSource, rawURL string) ([]byte, error) {
	resp, err := c.do(ctx, ts, rawURL)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

func (c *Client) getJSON(ctx context.Context, ts oauth2.TokenSource, rawURL string, dst any) error {
	resp, err := c.do(ctx, ts, rawURL)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return json.NewDecoder(resp.Body).Decode(dst)
}

// do issues an authorized GET. Non-2xx responses become errors.
func (c *Client) do(ctx context.Context, ts oauth2.TokenSource, rawURL string) (*http.Response, error) {
	tok, err := ts.Token()
	if err != nil {
		return nil, fmt.Errorf("access token: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	tok.SetAuthHeader(req)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode/100 != 2 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, fmt.Errorf("GET %s: %s: %s", req.URL.Path, resp.Status, strings.TrimSpace(string(body)))
	}
	return resp, nil
}
