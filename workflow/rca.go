package workflow

import (
	"sort"
	"strings"

	"github.com/mmdatafocus/qms_backend/models"
	"github.com/shopspring/decimal"
)

// HypothesisRootCauseID is the ID of the root cause derived from the free-text hypothesis.
const HypothesisRootCauseID = "hypothesis"

// paretoCutoff is compared exactly: cumulative >= total * 0.8, no division.
var paretoCutoff = decimal.RequireFromString("0.8")

// DeriveRootCauses turns raw RCA input into the root cause list stored on the CAR.
// The first rule that yields anything wins: Pareto, then 5-Whys, then hypothesis.
// Within a rule, causes are trimmed and repeated causes (case-insensitive) are dropped.
func DeriveRootCauses(data models.RCAData) []models.RootCause {
	if out := paretoRootCauses(data.ParetoItems); len(out) > 0 {
		return out
	}
	if out := whysRootCauses(data.Chains); len(out) > 0 {
		return out
	}
	if h := strings.TrimSpace(data.RootCauseHypothesis); h != "" {
		return []models.RootCause{{ID: HypothesisRootCauseID, Cause: h}}
	}
	return []models.RootCause{}
}

func paretoRootCauses(items []models.ParetoItem) []models.RootCause {
	ranked := make([]models.ParetoItem, 0, len(items))
	total := decimal.Zero
	for _, it := range items {
		// Blank causes carry no weight in the cut-off.
		if it.Frequency.IsPositive() && strings.TrimSpace(it.Cause) != "" {
			ranked = append(ranked, it)
			total = total.Add(it.Frequency)
		}
	}
	if len(ranked) == 0 || !total.IsPositive() {
		return nil
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Frequency.GreaterThan(ranked[j].Frequency)
	})

	threshold := total.Mul(paretoCutoff)
	cumulative := decimal.Zero
	seen := causeSet{}
	var out []models.RootCause
	for _, it := range ranked {
		cumulative = cumulative.Add(it.Frequency)
		if cause := strings.TrimSpace(it.Cause); seen.add(cause) {
			out = append(out, models.RootCause{ID: it.ID, Cause: cause})
		}
		if cumulative.GreaterThanOrEqual(threshold) {
			break
		}
	}
	return out
}

func whysRootCauses(chains []models.RCAChain) []models.RootCause {
	seen := causeSet{}
	var out []models.RootCause
	for _, chain := range chains {
		last := ""
		for _, why := range chain.Whys {
			if w := strings.TrimSpace(why); w != "" {
				last = w
			}
		}
		if last == "" || !seen.add(last) {
			continue
		}
		out = append(out, models.RootCause{ID: chain.ID, Cause: last})
	}
	return out
}

type causeSet map[string]struct{}

// add reports whether cause was new.
func (s causeSet) add(cause string) bool {
	key := strings.ToLower(cause)
	if _, ok := s[key]; ok {
		return false
	}
	s[key] = struct{}{}
	return true
}
