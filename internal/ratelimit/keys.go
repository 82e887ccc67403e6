package ratelimit

import "strconv"

// DescriptorKey builds the underscore-joined key for a single request
// descriptor entry. No escaping is performed: callers are responsible for
// avoiding ambiguous inputs.
func DescriptorKey(domain, entryKey, entryValue string) string {
	return domain + "_" + entryKey + "_" + entryValue
}

// RuleConfigKey builds the underscore-joined key for a configured rule.
// It MUST produce a string for which DescriptorKey(domain, rule.Key,
// rule.Value) is a prefix, since matching relies on that relationship.
func RuleConfigKey(domain string, rule Rule) string {
	return DescriptorKey(domain, rule.Key, rule.Value) + "_" +
		strconv.FormatInt(rule.RateLimit.RequestsPerUnit, 10) + "_" +
		strconv.FormatInt(int64(rule.RateLimit.Unit), 10)
}
