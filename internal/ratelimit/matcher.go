package ratelimit

import "strings"

// BuildEvaluationSet implements the matching algorithm of §4.5: for every
// descriptor entry in req, every rule belonging to the domain whose config
// key is prefixed by the entry's descriptor key is added to the evaluation
// set, keyed by config key and carrying the descriptor's override limit if
// it has one, else the rule's own limit. A later insert for the same
// config key overwrites an earlier one.
//
// If rules is empty (the domain has no configured rules), the returned map
// is empty: callers answer OK without touching the counter store.
func BuildEvaluationSet(domain string, req Request, rules []Rule) map[string]RateLimit {
	evaluation := make(map[string]RateLimit)

	if len(rules) == 0 {
		return evaluation
	}

	for _, d := range req.Descriptors {
		for _, entry := range d.Entries {
			descKey := DescriptorKey(domain, entry.Key, entry.Value)

			for _, rule := range rules {
				cfgKey := RuleConfigKey(domain, rule)
				if !strings.HasPrefix(cfgKey, descKey) {
					continue
				}

				limit := rule.RateLimit
				if d.Override != nil {
					limit = *d.Override
				}

				evaluation[cfgKey] = limit
			}
		}
	}

	return evaluation
}
