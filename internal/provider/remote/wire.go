package remote

// Wire types of the fetch sidecar protocol.

type Envelope[T any] struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Data    T      `json:"data"`
}

type StartRequest struct {
	TaskID    string       `json:"taskId"`
	Query     string       `json:"query"`
	Sort      string       `json:"sort,omitempty"`
	Planned   int          `json:"planned"`
	BatchSize int          `json:"batchSize"`
	Proxy     string       `json:"proxy,omitempty"`
	UserAgent string       `json:"userAgent,omitempty"`
	Cookies   []WireCookie `json:"cookies,omitempty"`
}

type WireCookie struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Domain string `json:"domain,omitempty"`
	Path   string `json:"path,omitempty"`
}

type StartResponse struct {
	FetchID string `json:"fetchId"`
}

type StepRequest struct {
	FetchID   string `json:"fetchId"`
	Distance  int    `json:"distance"`
	BatchSize int    `json:"batchSize"`
}

type StepResponse struct {
	Items       []WireItem `json:"items"`
	LatencyMs   int64      `json:"latencyMs"`
	XHRErrors   int        `json:"xhrErrors"`
	CaptchaSeen bool       `json:"captchaSeen"`
	RateLimited bool       `json:"rateLimited"`
	// Exhausted means the feed has nothing more to give.
	Exhausted bool `json:"exhausted"`
}

type WireItem struct {
	ID       string `json:"id"`
	Author   string `json:"author,omitempty"`
	Text     string `json:"text"`
	URL      string `json:"url,omitempty"`
	PostedAt int64  `json:"postedAt,omitempty"`
}

type FinishRequest struct {
	FetchID string `json:"fetchId"`
}

func OK[T any](data T) Envelope[T] {
	return Envelope[T]{Success: true, Data: data}
}

func Fail(msg string) Envelope[struct{}] {
	return Envelope[struct{}]{Success: false, Error: msg}
}
