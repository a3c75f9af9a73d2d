package catalog

import (
	"strings"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.70
	defaultFuzzyThreshold    = 0.85
)

// ResolverOption is a functional option for configuring a [Resolver].
type ResolverOption func(*Resolver)

// WithPhoneticThreshold sets the minimum Jaro-Winkler score required for a
// phonetically-matched name to be accepted. Default: 0.70.
func WithPhoneticThreshold(threshold float64) ResolverOption {
	return func(r *Resolver) {
		r.phoneticThreshold = threshold
	}
}

// WithFuzzyThreshold sets the minimum Jaro-Winkler score required when no
// phonetic match is found and the resolver falls back to pure string
// similarity. Default: 0.85.
func WithFuzzyThreshold(threshold float64) ResolverOption {
	return func(r *Resolver) {
		r.fuzzyThreshold = threshold
	}
}

// Resolver maps free-form instrument queries ("grand piano", "gran pianno")
// to canonical catalog names ("grand_piano"). Catalog names use snake_case;
// the resolver treats underscores as word separators so spoken or typed
// phrases line up with catalog tokens.
//
// Matching runs in two stages: Double Metaphone codes gate candidates
// phonetically, then Jaro-Winkler similarity ranks them. When no candidate
// passes the phonetic gate, a stricter pure-similarity pass runs instead.
// A Resolver is read-only after construction and safe for concurrent use.
type Resolver struct {
	phoneticThreshold float64
	fuzzyThreshold    float64
}

// NewResolver returns a Resolver configured with the supplied options.
func NewResolver(opts ...ResolverOption) *Resolver {
	r := &Resolver{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Resolve finds the catalog name most similar to query. An exact entry
// (after case and separator normalisation) wins immediately with confidence 1.
// When matched is false, name is empty and confidence is 0.
func (r *Resolver) Resolve(query string, c *Catalog) (name string, confidence float64, matched bool) {
	queryNorm := normalize(query)
	if queryNorm == "" || c == nil || c.Len() == 0 {
		return "", 0, false
	}
	queryTokens := strings.Fields(queryNorm)
	queryCodes := codesForTokens(queryTokens)

	type candidate struct {
		name     string
		score    float64
		phonetic bool
	}
	var best candidate

	for _, entry := range c.names {
		entryNorm := normalize(entry)
		if entryNorm == queryNorm {
			return entry, 1, true
		}
		entryTokens := strings.Fields(entryNorm)

		phonetic := codesOverlap(queryCodes, codesForTokens(entryTokens))
		score := bestSimilarity(queryTokens, entryTokens, queryNorm, entryNorm)

		if phonetic {
			if score >= r.phoneticThreshold {
				if !best.phonetic || score > best.score {
					best = candidate{name: entry, score: score, phonetic: true}
				}
			}
		} else if !best.phonetic {
			if score >= r.fuzzyThreshold && score > best.score {
				best = candidate{name: entry, score: score, phonetic: false}
			}
		}
	}

	if best.name != "" {
		return best.name, best.score, true
	}
	return "", 0, false
}

// normalize lowercases s and folds underscores into spaces so snake_case
// catalog names compare against spoken phrases token by token.
func normalize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.Join(strings.Fields(strings.ReplaceAll(s, "_", " ")), " ")
}

// codesForTokens returns the union of all Double Metaphone codes for the
// given tokens. Empty codes are excluded.
func codesForTokens(tokens []string) map[string]struct{} {
	codes := make(map[string]struct{}, len(tokens)*2)
	for _, t := range tokens {
		p, s := matchr.DoubleMetaphone(t)
		if p != "" {
			codes[p] = struct{}{}
		}
		if s != "" {
			codes[s] = struct{}{}
		}
	}
	return codes
}

// codesOverlap returns true if the two code sets share at least one code.
func codesOverlap(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}

// bestSimilarity computes the highest Jaro-Winkler score between the query
// and a catalog entry across three views: the full normalised strings, the
// separator-stripped strings ("grandpiano" vs "grand piano"), and the best
// pairwise token score.
func bestSimilarity(queryTokens, entryTokens []string, queryFull, entryFull string) float64 {
	score := matchr.JaroWinkler(queryFull, entryFull, false)

	if len(queryTokens) > 1 || len(entryTokens) > 1 {
		joined1 := strings.Join(queryTokens, "")
		joined2 := strings.Join(entryTokens, "")
		if s := matchr.JaroWinkler(joined1, joined2, false); s > score {
			score = s
		}
	}

	for _, qt := range queryTokens {
		for _, et := range entryTokens {
			if s := matchr.JaroWinkler(qt, et, false); s > score {
				score = s
			}
		}
	}

	return score
}
