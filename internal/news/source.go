// Package news fetches the daily news image that the scheduler delivers.
package news

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/doyensec/safeurl"

	"daynews/pkg/logx"
)

// ErrUnavailable covers every fetch failure: transport, status, decode or an
// empty result.
var ErrUnavailable = errors.New("news unavailable")

const (
	DefaultALAPIURL = "https://v3.alapi.cn/api/zaobao"
	defaultTimeout  = 15 * time.Second
	defaultCacheTTL = 10 * time.Minute
	maxBodyBytes    = 4 << 20
	userAgent       = "daynews/1.0"
)

// Image is a remote picture the transport can send by URL.
type Image struct {
	URL     string
	Caption string
}

type Source interface {
	Fetch(ctx context.Context) (Image, error)
}

type Config struct {
	Provider     string // "alapi" (default) or "rss"
	URL          string // alapi endpoint or feed URL
	Token        string // alapi only
	Timeout      time.Duration
	CacheTTL     time.Duration // 0 means default, negative disables
	AllowPrivate bool          // skip the SSRF guard (tests, self-hosted feeds)
}

// NewHTTPClient returns the outbound client for news fetches. Unless
// allowPrivate is set it refuses private, loopback and link-local targets,
// including after DNS resolution.
func NewHTTPClient(timeout time.Duration, allowPrivate bool) *http.Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if allowPrivate {
		return &http.Client{Timeout: timeout}
	}
	config := safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		SetAllowedSchemes("http", "https").
		SetAllowedPorts(80, 443).
		Build()
	return safeurl.Client(config).Client
}

// New builds the configured source. A nil client means NewHTTPClient(cfg).
func New(cfg Config, client *http.Client, log logx.Logger) (Source, error) {
	if client == nil {
		client = NewHTTPClient(cfg.Timeout, cfg.AllowPrivate)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "news"))

	var src Source
	switch p := strings.ToLower(strings.TrimSpace(cfg.Provider)); p {
	case "", "alapi":
		if strings.TrimSpace(cfg.Token) == "" {
			return nil, errors.New("news.token is required for alapi provider")
		}
		u := strings.TrimSpace(cfg.URL)
		if u == "" {
			u = DefaultALAPIURL
		}
		src = &alapiSource{url: u, token: cfg.Token, client: client}
	case "rss":
		if strings.TrimSpace(cfg.URL) == "" {
			return nil, errors.New("news.url is required for rss provider")
		}
		src = newRSSSource(cfg.URL, client)
	default:
		return nil, fmt.Errorf("unknown news provider %q", p)
	}

	ttl := cfg.CacheTTL
	if ttl == 0 {
		ttl = defaultCacheTTL
	}
	if ttl < 0 {
		return src, nil
	}
	return NewCached(src, ttl, log), nil
}

// Cached remembers the last successful fetch for ttl. Concurrent callers
// share a single in-flight fetch, so a burst of timers firing at the same
// minute hits the provider once. Failures are never cached.
type Cached struct {
	src Source
	ttl time.Duration
	log logx.Logger
	now func() time.Time

	mu  sync.Mutex
	img Image
	at  time.Time
}

func NewCached(src Source, ttl time.Duration, log logx.Logger) *Cached {
	return &Cached{src: src, ttl: ttl, log: log, now: time.Now}
}

func (c *Cached) Fetch(ctx context.Context) (Image, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.img.URL != "" && c.now().Sub(c.at) < c.ttl {
		return c.img, nil
	}
	img, err := c.src.Fetch(ctx)
	if err != nil {
		c.log.Warn("news fetch failed", logx.Err(err))
		return Image{}, err
	}
	c.img, c.at = img, c.now()
	c.log.Debug("news fetched", logx.String("url", img.URL))
	return img, nil
}

// Invalidate drops the cached image.
func (c *Cached) Invalidate() {
	c.mu.Lock()
	c.img, c.at = Image{}, time.Time{}
	c.mu.Unlock()
}

func unavailable(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrUnavailable, fmt.Sprintf(format, args...))
}
