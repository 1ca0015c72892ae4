// Package remote drives a scraping sidecar over HTTP. The sidecar owns the
// browser; this side owns pacing and stop decisions.
package remote

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"feedcrawler/internal/config"
	"feedcrawler/internal/logbus"
	"feedcrawler/internal/model"
	"feedcrawler/internal/provider"
)

type Fetcher struct {
	cfg    config.RemoteConfig
	bus    *logbus.Bus
	client *resty.Client
	// steps advance the sidecar's scroll and are paced, so they are never
	// retried by the transport; stepOnce retries them behind req.Wait.
	steps *resty.Client
}

func New(cfg config.RemoteConfig, bus *logbus.Bus) *Fetcher {
	client := newClient(cfg, bus).
		SetRetryCount(cfg.Retry.Count).
		SetRetryWaitTime(cfg.Retry.Wait()).
		SetRetryMaxWaitTime(cfg.Retry.MaxWait()).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			if r == nil {
				return true
			}
			return r.StatusCode() >= 500
		})
	return &Fetcher{cfg: cfg, bus: bus, client: client, steps: newClient(cfg, bus)}
}

func newClient(cfg config.RemoteConfig, bus *logbus.Bus) *resty.Client {
	client := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(cfg.Timeout())
	client.OnBeforeRequest(func(_ *resty.Client, req *resty.Request) error {
		bus.Log("debug", "http request", map[string]any{
			"method": req.Method,
			"url":    req.URL,
		})
		return nil
	})
	return client
}

func (f *Fetcher) Name() string { return "remote" }

func (f *Fetcher) Close() error { return nil }

// StatusError is a non-2xx answer from the sidecar, or a 2xx envelope
// with success=false (Code is then the 2xx code).
type StatusError struct {
	Path string
	Code int
	Msg  string
}

func (e *StatusError) Error() string { return fmt.Sprintf("remote %s: %s", e.Path, e.Msg) }

func post[T any](ctx context.Context, c *resty.Client, path string, body any) (T, error) {
	var env Envelope[T]
	var zero T
	resp, err := c.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&env).
		SetError(&env).
		Post(path)
	if err != nil {
		return zero, err
	}
	if resp.IsError() || !env.Success {
		msg := env.Error
		if msg == "" {
			msg = resp.Status()
		}
		return zero, &StatusError{Path: path, Code: resp.StatusCode(), Msg: msg}
	}
	return env.Data, nil
}

// retryable reports transport failures and 5xx answers while ctx is live.
func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code >= 500
	}
	return true
}

// stepOnce sends one scroll step. Every attempt, retries included, waits
// for the pace limiter first. latency covers the successful attempt only.
func (f *Fetcher) stepOnce(ctx context.Context, req provider.Request, body StepRequest) (StepResponse, time.Duration, error) {
	var lastErr error
	for attempt := 0; attempt <= f.cfg.Retry.Count; attempt++ {
		if attempt > 0 {
			f.bus.Log("warn", "远端滚动失败，重试", map[string]any{
				"fetchId": body.FetchID,
				"attempt": attempt,
				"error":   lastErr.Error(),
			})
			if err := provider.Sleep(ctx, f.cfg.Retry.Wait()); err != nil {
				return StepResponse{}, 0, err
			}
		}
		if err := req.Wait(ctx); err != nil {
			return StepResponse{}, 0, err
		}
		began := time.Now()
		step, err := post[StepResponse](ctx, f.steps, "/v1/fetch/step", body)
		if err == nil {
			return step, time.Since(began), nil
		}
		if !retryable(ctx, err) {
			return StepResponse{}, 0, err
		}
		lastErr = err
	}
	return StepResponse{}, 0, lastErr
}

func (f *Fetcher) Fetch(ctx context.Context, req provider.Request, observe provider.Observer) (provider.Result, error) {
	if strings.TrimSpace(req.Query) == "" {
		return provider.Result{}, provider.ErrNoQuery
	}

	if err := req.Wait(ctx); err != nil {
		return provider.Result{}, err
	}
	start, err := post[StartResponse](ctx, f.client, "/v1/fetch/start", StartRequest{
		TaskID:    req.TaskID,
		Query:     req.Query,
		Sort:      req.Sort,
		Planned:   req.PlannedPosts,
		BatchSize: req.First.BatchSize,
		Proxy:     req.Runtime.Proxy,
		UserAgent: req.Runtime.UserAgent,
		Cookies:   wireCookies(req.Runtime.Session.Cookies),
	})
	if err != nil {
		return provider.Result{}, err
	}
	if start.FetchID == "" {
		return provider.Result{}, errors.New("remote: start returned no fetch id")
	}
	defer func() {
		// finish must reach the sidecar even after a timeout
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), f.cfg.Timeout())
		defer cancel()
		if _, err := post[struct{}](fctx, f.client, "/v1/fetch/finish", FinishRequest{FetchID: start.FetchID}); err != nil {
			f.bus.Log("warn", "远端抓取收尾失败", map[string]any{"fetchId": start.FetchID, "error": err.Error()})
		}
	}()

	tr := provider.NewTracker()
	hint := req.First
	for {
		step, latency, err := f.stepOnce(ctx, req, StepRequest{
			FetchID:   start.FetchID,
			Distance:  hint.Distance,
			BatchSize: hint.BatchSize,
		})
		if err != nil {
			return tr.Result(false), err
		}
		now := time.Now()
		if step.LatencyMs > 0 {
			latency = time.Duration(step.LatencyMs) * time.Millisecond
		}

		newItems := tr.Add(items(step.Items, now))
		d := observe(tr.Step(now, latency, newItems, step.XHRErrors, step.CaptchaSeen, step.RateLimited))
		if d.ShouldStop {
			return tr.Result(false), nil
		}
		if step.Exhausted {
			return tr.Result(true), nil
		}
		hint = d.Hint
		if err := provider.Sleep(ctx, hint.Delay); err != nil {
			return tr.Result(false), err
		}
	}
}

func items(in []WireItem, now time.Time) []model.Item {
	out := make([]model.Item, 0, len(in))
	for _, w := range in {
		it := model.Item{ID: w.ID, Author: w.Author, Text: w.Text, URL: w.URL, FetchedAt: now}
		if w.PostedAt > 0 {
			it.PostedAt = time.UnixMilli(w.PostedAt)
		}
		out = append(out, it)
	}
	return out
}

func wireCookies(in []model.Cookie) []WireCookie {
	out := make([]WireCookie, 0, len(in))
	for _, c := range in {
		out = append(out, WireCookie{Name: c.Name, Value: c.Value, Domain: c.Domain, Path: c.Path})
	}
	return out
}
