// Package variant builds the catalogue of query shapes for a target and
// rotates through them so repeated runs do not look identical.
package variant

import (
	"fmt"
	"strings"
	"unicode"

	"feedcrawler/internal/model"
)

type Tier int

const (
	TierSafe Tier = iota
	TierNormal
	TierAggressive
)

func (t Tier) String() string {
	switch t {
	case TierSafe:
		return "safe"
	case TierNormal:
		return "normal"
	case TierAggressive:
		return "aggressive"
	}
	return fmt.Sprintf("Tier(%d)", int(t))
}

func (t Tier) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

type Sort string

const (
	SortLive Sort = "live"
	SortTop  Sort = "top"
)

type Variant struct {
	ID             string  `json:"id"`
	Query          string  `json:"query"`
	Sort           Sort    `json:"sort"`
	Window         string  `json:"window,omitempty"`
	IncludeReplies bool    `json:"includeReplies"`
	Weight         float64 `json:"weight"`
	Tier           Tier    `json:"tier"`
}

type phrasing struct {
	key  string
	text string
	tier Tier
	wt   float64
}

type template struct {
	key     string
	sort    Sort
	window  string
	replies bool
	tier    Tier
	wt      float64
}

var keywordTemplates = []template{
	{key: "live", sort: SortLive, tier: TierSafe, wt: 1.0},
	{key: "top24h", sort: SortTop, window: "24h", tier: TierNormal, wt: 0.8},
	{key: "live6h_replies", sort: SortLive, window: "6h", replies: true, tier: TierAggressive, wt: 0.6},
}

var accountTemplates = []template{
	{key: "live", sort: SortLive, tier: TierSafe, wt: 1.0},
	{key: "top7d", sort: SortTop, window: "7d", tier: TierNormal, wt: 0.8},
	{key: "live24h", sort: SortLive, window: "24h", tier: TierAggressive, wt: 0.6},
}

// synonyms is a fixed table keyed by lower-cased term.
var synonyms = map[string][]string{
	"bitcoin":    {"btc", "xbt"},
	"btc":        {"bitcoin"},
	"ethereum":   {"eth", "ether"},
	"eth":        {"ethereum"},
	"solana":     {"sol"},
	"dogecoin":   {"doge"},
	"ripple":     {"xrp"},
	"airdrop":    {"claim", "drop"},
	"memecoin":   {"meme coin", "memecoins"},
	"defi":       {"decentralized finance"},
	"nft":        {"nfts", "non-fungible"},
	"stablecoin": {"usdt", "usdc"},
}

var spamTerms = []string{"giveaway", "airdrop", "promo", "dm"}

// Catalogue returns every variant for the target in a stable order.
func Catalogue(t model.Target) []Variant {
	value := strings.TrimSpace(t.Value)
	if value == "" {
		return nil
	}
	if t.Kind == model.TargetAccount {
		handle := strings.TrimPrefix(value, "@")
		base := phrasing{key: "from", text: "from:" + handle, tier: TierSafe, wt: 1}
		return cross([]phrasing{base}, accountTemplates)
	}
	return cross(keywordPhrasings(value), keywordTemplates)
}

func keywordPhrasings(term string) []phrasing {
	out := []phrasing{{key: "literal", text: quoteIfPhrase(term), tier: TierSafe, wt: 1}}

	if tag := hashtag(term); tag != "" {
		out = append(out, phrasing{key: "hashtag", text: tag, tier: TierSafe, wt: 0.9})
	}
	if syns := synonyms[strings.ToLower(term)]; len(syns) > 0 {
		parts := []string{quoteIfPhrase(term)}
		for _, s := range syns {
			parts = append(parts, quoteIfPhrase(s))
		}
		out = append(out, phrasing{key: "synonyms", text: "(" + strings.Join(parts, " OR ") + ")", tier: TierNormal, wt: 0.8})
	}

	excl := quoteIfPhrase(term)
	for _, s := range spamTerms {
		if strings.EqualFold(s, term) {
			continue
		}
		excl += " -" + s
	}
	out = append(out, phrasing{key: "nospam", text: excl + " -filter:links", tier: TierSafe, wt: 0.9})
	return out
}

func cross(ps []phrasing, ts []template) []Variant {
	out := make([]Variant, 0, len(ps)*len(ts))
	for _, p := range ps {
		for _, tp := range ts {
			q := p.text
			if tp.window != "" {
				q += " within_time:" + tp.window
			}
			if !tp.replies {
				q += " -filter:replies"
			}
			out = append(out, Variant{
				ID:             p.key + "." + tp.key,
				Query:          q,
				Sort:           tp.sort,
				Window:         tp.window,
				IncludeReplies: tp.replies,
				Weight:         p.wt * tp.wt,
				Tier:           max(p.tier, tp.tier),
			})
		}
	}
	return out
}

// Eligible filters variants by the target's quality: UNSTABLE keeps only safe
// variants, DEGRADED drops aggressive ones, HEALTHY keeps everything.
func Eligible(vs []Variant, q model.Quality) []Variant {
	ceiling := TierAggressive
	switch q {
	case model.QualityUnstable:
		ceiling = TierSafe
	case model.QualityDegraded:
		ceiling = TierNormal
	case model.QualityHealthy:
		ceiling = TierAggressive
	}
	out := make([]Variant, 0, len(vs))
	for _, v := range vs {
		if v.Tier <= ceiling {
			out = append(out, v)
		}
	}
	return out
}

// Select picks the variant for run number runCount. The pick is round-robin
// over the eligible pool; if it equals previousID and there is an
// alternative, the next one is used instead.
func Select(t model.Target, runCount int, previousID string) (Variant, bool) {
	pool := Eligible(Catalogue(t), t.Quality)
	n := len(pool)
	if n == 0 {
		return Variant{}, false
	}
	if runCount < 0 {
		runCount = -runCount
	}
	idx := runCount % n
	if n > 1 && pool[idx].ID == previousID {
		idx = (idx + 1) % n
	}
	return pool[idx], true
}

func quoteIfPhrase(s string) string {
	s = strings.TrimSpace(s)
	if strings.ContainsAny(s, " \t") {
		return `"` + s + `"`
	}
	return s
}

func hashtag(term string) string {
	var b strings.Builder
	for _, r := range term {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return ""
	}
	return "#" + b.String()
}
