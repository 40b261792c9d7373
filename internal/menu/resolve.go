package menu

import (
	"strings"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.70
	defaultFuzzyThreshold    = 0.85
)

// Resolver maps item and variation names heard on the phone to catalog
// entries. Speech recognition mangles dish names ("pho" as "fuh", "bao" as
// "bow"), so exact lookup is tried first, then Double Metaphone overlap ranked
// by Jaro-Winkler, then plain Jaro-Winkler with a stricter threshold.
//
// A Resolver is read-only after construction and safe for concurrent use.
type Resolver struct {
	menu              Menu
	phoneticThreshold float64
	fuzzyThreshold    float64
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithPhoneticThreshold sets the minimum score for phonetically matched
// names. Default: 0.70.
func WithPhoneticThreshold(v float64) ResolverOption {
	return func(r *Resolver) { r.phoneticThreshold = v }
}

// WithFuzzyThreshold sets the minimum score for names with no phonetic
// overlap. Default: 0.85.
func WithFuzzyThreshold(v float64) ResolverOption {
	return func(r *Resolver) { r.fuzzyThreshold = v }
}

// NewResolver builds a Resolver over m.
func NewResolver(m Menu, opts ...ResolverOption) *Resolver {
	r := &Resolver{menu: m, phoneticThreshold: defaultPhoneticThreshold, fuzzyThreshold: defaultFuzzyThreshold}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Resolve finds the item called name and its variation called variation. An
// empty variation, or one that matches nothing, selects the item's first
// variation. ok is false when no item is close enough.
func (r *Resolver) Resolve(name, variation string) (Item, Variation, bool) {
	names := make([]string, len(r.menu.Items))
	for i, it := range r.menu.Items {
		names[i] = it.Name
	}
	idx, ok := r.match(name, names)
	if !ok {
		return Item{}, Variation{}, false
	}
	item := r.menu.Items[idx]
	if len(item.Variations) == 0 {
		return item, Variation{Name: DefaultVariation, Price: item.Price, ID: item.ID}, true
	}

	if variation != "" {
		vnames := make([]string, len(item.Variations))
		for i, v := range item.Variations {
			vnames[i] = v.Name
		}
		if vi, ok := r.match(variation, vnames); ok {
			return item, item.Variations[vi], true
		}
	}
	return item, item.Variations[0], true
}

// match returns the index of the candidate closest to word.
func (r *Resolver) match(word string, candidates []string) (int, bool) {
	word = strings.ToLower(strings.TrimSpace(word))
	if word == "" {
		return 0, false
	}
	for i, c := range candidates {
		if strings.EqualFold(strings.TrimSpace(c), word) {
			return i, true
		}
	}

	tokens := strings.Fields(word)
	inputCodes := metaphoneCodes(tokens)

	best, bestScore, bestPhonetic := -1, 0.0, false
	for i, c := range candidates {
		cl := strings.ToLower(strings.TrimSpace(c))
		if cl == "" {
			continue
		}
		ctoks := strings.Fields(cl)
		score := similarity(tokens, ctoks, word, cl)

		if overlaps(inputCodes, metaphoneCodes(ctoks)) {
			if score >= r.phoneticThreshold && (!bestPhonetic || score > bestScore) {
				best, bestScore, bestPhonetic = i, score, true
			}
			continue
		}
		if !bestPhonetic && score >= r.fuzzyThreshold && score > bestScore {
			best, bestScore = i, score
		}
	}
	return best, best >= 0
}

func metaphoneCodes(tokens []string) map[string]struct{} {
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

func overlaps(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for c := range a {
		if _, ok := b[c]; ok {
			return true
		}
	}
	return false
}

// similarity is the best Jaro-Winkler score over the full strings, the
// strings with spaces removed, and every token pair.
func similarity(in, cand []string, inFull, candFull string) float64 {
	score := matchr.JaroWinkler(inFull, candFull, false)
	if len(in) > 1 || len(cand) > 1 {
		if s := matchr.JaroWinkler(strings.Join(in, ""), strings.Join(cand, ""), false); s > score {
			score = s
		}
	}
	for _, a := range in {
		for _, b := range cand {
			if s := matchr.JaroWinkler(a, b, false); s > score {
				score = s
			}
		}
	}
	return score
}
