package engine

import "github.com/emerick42/kairoi/internal/domain"

// pair selects the best-matching rule for a job identifier: the rule
// supporting the longest prefix, i.e. the highest support weight. Ties
// are broken deterministically by the lexicographically smaller rule
// identifier. Returns false if no rule supports the job.
func pair(rules map[string]domain.Rule, jobIdentifier string) (domain.Rule, bool) {
	var best domain.Rule
	found := false

	for _, rule := range rules {
		if !rule.Supports(jobIdentifier) {
			continue
		}
		if !found {
			best, found = rule, true
			continue
		}
		if rule.Weight() > best.Weight() {
			best = rule
		} else if rule.Weight() == best.Weight() && rule.Identifier < best.Identifier {
			best = rule
		}
	}

	return best, found
}
