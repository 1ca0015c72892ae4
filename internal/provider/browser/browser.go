// Package browser fetches feeds through a real Chrome driven by rod, with
// stealth patches and the session's cookies injected.
package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"

	"feedcrawler/internal/config"
	"feedcrawler/internal/logbus"
	"feedcrawler/internal/model"
	"feedcrawler/internal/provider"
	"feedcrawler/internal/utils"
)

// exhaustedAfter consecutive steps without new items means the feed is dry.
const exhaustedAfter = 5

const emptyStateSelector = `[data-testid="emptyState"]`

type Fetcher struct {
	cfg config.BrowserConfig
	bus *logbus.Bus

	mu       sync.Mutex
	browser  *rod.Browser
	launcher *launcher.Launcher
}

func New(cfg config.BrowserConfig, bus *logbus.Bus) *Fetcher {
	return &Fetcher{cfg: cfg, bus: bus}
}

func (f *Fetcher) Name() string { return "browser" }

func (f *Fetcher) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var firstErr error
	if f.browser != nil {
		if err := f.browser.Close(); err != nil {
			firstErr = err
		}
		f.browser = nil
	}
	if f.launcher != nil {
		f.launcher.Kill()
		f.launcher = nil
	}
	return firstErr
}

func (f *Fetcher) getBrowser() (*rod.Browser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.browser != nil {
		return f.browser, nil
	}

	u := f.cfg.ControlURL
	var l *launcher.Launcher
	if u == "" {
		l = launcher.New().Headless(f.cfg.Headless).Set("disable-blink-features", "AutomationControlled")
		var err error
		u, err = l.Launch()
		if err != nil {
			l.Kill()
			return nil, fmt.Errorf("browser: launch: %w", err)
		}
	}
	b := rod.New().ControlURL(u)
	if err := b.Connect(); err != nil {
		if l != nil {
			l.Kill()
		}
		return nil, fmt.Errorf("browser: connect: %w", err)
	}
	f.browser = b
	f.launcher = l
	f.bus.Log("info", "浏览器已就绪", map[string]any{"headless": f.cfg.Headless, "remote": f.cfg.ControlURL != ""})
	return b, nil
}

type scrapedItem struct {
	ID       string `json:"id"`
	Author   string `json:"author"`
	Text     string `json:"text"`
	URL      string `json:"url"`
	PostedAt string `json:"postedAt"`
}

const collectJS = `(sel) => JSON.stringify(Array.from(document.querySelectorAll(sel)).map((el) => {
	const link = el.querySelector('a[href*="/status/"]');
	const href = link ? link.getAttribute('href') : '';
	const m = href.match(/\/([^\/]+)\/status\/(\d+)/);
	const t = el.querySelector('time');
	const body = el.querySelector('[data-testid="tweetText"]');
	return {
		id: m ? m[2] : '',
		author: m ? m[1] : '',
		text: body ? body.innerText : '',
		url: href ? new URL(href, location.origin).toString() : '',
		postedAt: t ? t.getAttribute('datetime') : '',
	};
}))`

func (f *Fetcher) Fetch(ctx context.Context, req provider.Request, observe provider.Observer) (provider.Result, error) {
	if strings.TrimSpace(req.Query) == "" {
		return provider.Result{}, provider.ErrNoQuery
	}
	ctx, cancelAll := context.WithCancel(ctx)
	defer cancelAll()

	b, err := f.getBrowser()
	if err != nil {
		return provider.Result{}, err
	}

	bc, err := proto.TargetCreateBrowserContext{ProxyServer: proxyServer(req.Runtime.Proxy)}.Call(b)
	if err != nil {
		return provider.Result{}, fmt.Errorf("browser: context: %w", err)
	}
	defer func() {
		_ = proto.TargetDisposeBrowserContext{BrowserContextID: bc.BrowserContextID}.Call(b)
	}()

	page, err := b.Page(proto.TargetCreateTarget{URL: "", BrowserContextID: bc.BrowserContextID})
	if err != nil {
		return provider.Result{}, fmt.Errorf("browser: page: %w", err)
	}
	page = page.Context(ctx)
	if _, err := page.EvalOnNewDocument(stealth.JS); err != nil {
		return provider.Result{}, fmt.Errorf("browser: stealth: %w", err)
	}
	if err := page.SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: utils.NormalizeDesktopUserAgent(req.Runtime.UserAgent)}); err != nil {
		return provider.Result{}, fmt.Errorf("browser: user agent: %w", err)
	}
	if err := page.SetCookies(cookieParams(req.Runtime.Session.Cookies, f.cfg.BaseURL)); err != nil {
		return provider.Result{}, fmt.Errorf("browser: cookies: %w", err)
	}

	var xhrErrors, rateLimited atomic.Int64
	if err := (proto.NetworkEnable{}).Call(page); err != nil {
		return provider.Result{}, fmt.Errorf("browser: network: %w", err)
	}
	wait := page.EachEvent(func(e *proto.NetworkResponseReceived) {
		if e.Type != proto.NetworkResourceTypeXHR && e.Type != proto.NetworkResourceTypeFetch {
			return
		}
		if e.Response.Status == 429 {
			rateLimited.Add(1)
		}
		if e.Response.Status >= 400 {
			xhrErrors.Add(1)
		}
	})
	go wait()

	if err := req.Wait(ctx); err != nil {
		return provider.Result{}, err
	}
	navCtx, cancel := context.WithTimeout(ctx, f.cfg.NavTimeout())
	err = page.Context(navCtx).Navigate(searchURL(f.cfg.BaseURL, req.Query, req.Sort))
	if err == nil {
		err = page.Context(navCtx).WaitLoad()
	}
	cancel()
	if err != nil {
		return provider.Result{}, fmt.Errorf("browser: navigate: %w", err)
	}

	tr := provider.NewTracker()
	var lastXHR, lastRate int64
	for {
		start := time.Now()
		items, err := f.collect(page)
		if err != nil {
			return tr.Result(false), err
		}
		captcha, _, _ := page.Has(f.cfg.CaptchaSelector)
		now := time.Now()

		xhr, rl := xhrErrors.Load(), rateLimited.Load()
		tel := tr.Step(now, now.Sub(start), tr.Add(items), int(xhr-lastXHR), captcha, rl > lastRate)
		lastXHR, lastRate = xhr, rl

		d := observe(tel)
		if d.ShouldStop {
			return tr.Result(false), nil
		}
		if tr.EmptyRun() >= exhaustedAfter {
			return tr.Result(true), nil
		}
		if empty, _, _ := page.Has(emptyStateSelector); empty && len(items) == 0 {
			return tr.Result(true), nil
		}

		if err := provider.Sleep(ctx, d.Hint.Delay); err != nil {
			return tr.Result(false), err
		}
		if err := req.Wait(ctx); err != nil {
			return tr.Result(false), err
		}
		if err := page.Mouse.Scroll(0, float64(d.Hint.Distance), 4); err != nil {
			return tr.Result(false), fmt.Errorf("browser: scroll: %w", err)
		}
	}
}

func (f *Fetcher) collect(page *rod.Page) ([]model.Item, error) {
	res, err := page.Eval(collectJS, f.cfg.ItemSelector)
	if err != nil {
		return nil, fmt.Errorf("browser: collect: %w", err)
	}
	var raw []scrapedItem
	if err := json.Unmarshal([]byte(res.Value.Str()), &raw); err != nil {
		return nil, fmt.Errorf("browser: decode items: %w", err)
	}
	now := time.Now()
	out := make([]model.Item, 0, len(raw))
	for _, r := range raw {
		if r.ID == "" {
			continue
		}
		it := model.Item{ID: r.ID, Author: r.Author, Text: r.Text, URL: r.URL, FetchedAt: now}
		if ts, err := time.Parse(time.RFC3339, r.PostedAt); err == nil {
			it.PostedAt = ts
		}
		out = append(out, it)
	}
	return out, nil
}

func searchURL(base, query, sort string) string {
	v := url.Values{}
	v.Set("q", query)
	v.Set("src", "typed_query")
	if sort == "live" {
		v.Set("f", "live")
	}
	return strings.TrimRight(base, "/") + "/search?" + v.Encode()
}

// proxyServer drops credentials; Chrome takes them through auth challenges.
func proxyServer(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}
	return u.Scheme + "://" + u.Host
}

func cookieParams(cookies []model.Cookie, base string) []*proto.NetworkCookieParam {
	host := ""
	if u, err := url.Parse(base); err == nil {
		host = u.Hostname()
	}
	out := make([]*proto.NetworkCookieParam, 0, len(cookies))
	for _, c := range cookies {
		domain := c.Domain
		if domain == "" {
			domain = "." + host
		}
		path := c.Path
		if path == "" {
			path = "/"
		}
		p := &proto.NetworkCookieParam{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   domain,
			Path:     path,
			Secure:   c.Secure,
			HTTPOnly: c.HttpOnly,
		}
		switch strings.ToLower(c.SameSite) {
		case "lax":
			p.SameSite = proto.NetworkCookieSameSiteLax
		case "strict":
			p.SameSite = proto.NetworkCookieSameSiteStrict
		case "none":
			p.SameSite = proto.NetworkCookieSameSiteNone
		}
		if c.Expires > 0 {
			p.Expires = proto.TimeSinceEpoch(float64(c.Expires) / 1000)
		}
		out = append(out, p)
	}
	return out
}
