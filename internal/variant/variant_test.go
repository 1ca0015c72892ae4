package variant

import (
	"strings"
	"testing"

	"feedcrawler/internal/model"
)

func keyword(v string, q model.Quality) model.Target {
	return model.Target{ID: "t1", Kind: model.TargetKeyword, Value: v, Quality: q}
}

func TestKeywordCatalogue(t *testing.T) {
	vs := Catalogue(keyword("bitcoin", model.QualityHealthy))
	if len(vs) != 12 {
		t.Fatalf("len = %d, want 12 (4 phrasings x 3 templates)", len(vs))
	}
	seen := map[string]bool{}
	for _, v := range vs {
		if seen[v.ID] {
			t.Fatalf("duplicate id %s", v.ID)
		}
		seen[v.ID] = true
	}
	byID := func(id string) Variant {
		for _, v := range vs {
			if v.ID == id {
				return v
			}
		}
		t.Fatalf("missing variant %s", id)
		return Variant{}
	}
	if q := byID("hashtag.live").Query; !strings.HasPrefix(q, "#bitcoin") {
		t.Fatalf("hashtag query = %q", q)
	}
	if q := byID("synonyms.live").Query; !strings.Contains(q, "(bitcoin OR btc OR xbt)") {
		t.Fatalf("synonym query = %q", q)
	}
	if byID("synonyms.live").Tier != TierNormal {
		t.Fatal("synonym disjunction should be at least normal tier")
	}
	if q := byID("nospam.top24h").Query; !strings.Contains(q, "-giveaway") || !strings.Contains(q, "within_time:24h") {
		t.Fatalf("nospam query = %q", q)
	}
	if v := byID("literal.live6h_replies"); !v.IncludeReplies || v.Tier != TierAggressive {
		t.Fatalf("replies variant = %+v", v)
	}
}

func TestKeywordWithoutSynonyms(t *testing.T) {
	vs := Catalogue(keyword("layer two", model.QualityHealthy))
	if len(vs) != 9 {
		t.Fatalf("len = %d, want 9", len(vs))
	}
	if !strings.HasPrefix(vs[0].Query, `"layer two"`) {
		t.Fatalf("phrase should be quoted: %q", vs[0].Query)
	}
}

func TestAccountCatalogueVariesOnlySortAndWindow(t *testing.T) {
	vs := Catalogue(model.Target{Kind: model.TargetAccount, Value: "@vitalik"})
	if len(vs) != 3 {
		t.Fatalf("len = %d", len(vs))
	}
	for _, v := range vs {
		if !strings.HasPrefix(v.Query, "from:vitalik") {
			t.Fatalf("query = %q", v.Query)
		}
		if v.IncludeReplies {
			t.Fatalf("account variant %s includes replies", v.ID)
		}
	}
}

func TestEligibleByQuality(t *testing.T) {
	all := Catalogue(keyword("bitcoin", model.QualityHealthy))
	if n := len(Eligible(all, model.QualityHealthy)); n != 12 {
		t.Fatalf("healthy = %d", n)
	}
	degraded := Eligible(all, model.QualityDegraded)
	if len(degraded) != 8 {
		t.Fatalf("degraded = %d", len(degraded))
	}
	for _, v := range degraded {
		if v.Tier == TierAggressive {
			t.Fatalf("degraded kept %s", v.ID)
		}
	}
	unstable := Eligible(all, model.QualityUnstable)
	if len(unstable) != 3 {
		t.Fatalf("unstable = %d", len(unstable))
	}
	for _, v := range unstable {
		if v.Tier != TierSafe {
			t.Fatalf("unstable kept %s (%s)", v.ID, v.Tier)
		}
	}
}

func TestUnstableNeverSelectsAggressive(t *testing.T) {
	for _, term := range []string{"bitcoin", "solana", "layer two"} {
		target := keyword(term, model.QualityUnstable)
		prev := ""
		for run := 0; run < 50; run++ {
			v, ok := Select(target, run, prev)
			if !ok {
				t.Fatal("no variant")
			}
			if v.Tier == TierAggressive {
				t.Fatalf("%s run %d picked aggressive %s", term, run, v.ID)
			}
			prev = v.ID
		}
	}
}

func TestSelectCyclesWithoutImmediateRepeat(t *testing.T) {
	for _, q := range []model.Quality{model.QualityHealthy, model.QualityDegraded, model.QualityUnstable} {
		target := keyword("ethereum", q)
		pool := Eligible(Catalogue(target), q)

		for _, start := range []string{"", pool[0].ID} {
			seen := map[string]bool{}
			prev := start
			for run := 0; run < 3*len(pool); run++ {
				v, _ := Select(target, run, prev)
				if v.ID == prev {
					t.Fatalf("%s: run %d repeated %s", q, run, v.ID)
				}
				seen[v.ID] = true
				prev = v.ID
			}
			if len(seen) != len(pool) {
				t.Fatalf("%s: visited %d of %d variants", q, len(seen), len(pool))
			}
		}
	}
}

func TestSelectIsDeterministic(t *testing.T) {
	target := keyword("bitcoin", model.QualityHealthy)
	a, _ := Select(target, 7, "x")
	b, _ := Select(target, 7, "x")
	if a.ID != b.ID {
		t.Fatalf("%s != %s", a.ID, b.ID)
	}
}

func TestSelectEmptyValue(t *testing.T) {
	if _, ok := Select(keyword("  ", model.QualityHealthy), 0, ""); ok {
		t.Fatal("empty target should have no variants")
	}
}
