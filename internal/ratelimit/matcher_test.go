package ratelimit

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuildEvaluationSet_NoRules(t *testing.T) {
	req := Request{
		Domain: "messaging",
		Descriptors: []Descriptor{
			{Entries: []Entry{{Key: "account", Value: "free"}}},
		},
	}

	eval := BuildEvaluationSet("messaging", req, nil)
	assert.Empty(t, eval)
}

func TestBuildEvaluationSet_SingleMatch(t *testing.T) {
	rules := []Rule{
		{Key: "account", Value: "free", RateLimit: RateLimit{Unit: UnitMinute, RequestsPerUnit: 5}},
	}

	req := Request{
		Domain: "messaging",
		Descriptors: []Descriptor{
			{Entries: []Entry{{Key: "account", Value: "free"}}},
		},
	}

	eval := BuildEvaluationSet("messaging", req, rules)

	cfgKey := RuleConfigKey("messaging", rules[0])
	assert.Len(t, eval, 1)
	assert.Equal(t, rules[0].RateLimit, eval[cfgKey])
}

func TestBuildEvaluationSet_NonMatchingEntryIsIgnored(t *testing.T) {
	rules := []Rule{
		{Key: "account", Value: "free", RateLimit: RateLimit{Unit: UnitMinute, RequestsPerUnit: 5}},
	}

	req := Request{
		Domain: "messaging",
		Descriptors: []Descriptor{
			{Entries: []Entry{{Key: "account", Value: "premium"}}},
		},
	}

	eval := BuildEvaluationSet("messaging", req, rules)
	assert.Empty(t, eval)
}

func TestBuildEvaluationSet_MultipleEntriesAccumulate(t *testing.T) {
	rules := []Rule{
		{Key: "account", Value: "free", RateLimit: RateLimit{Unit: UnitMinute, RequestsPerUnit: 5}},
		{Key: "remote_address", Value: "10.0.0.1", RateLimit: RateLimit{Unit: UnitSecond, RequestsPerUnit: 1}},
	}

	req := Request{
		Domain: "messaging",
		Descriptors: []Descriptor{
			{Entries: []Entry{
				{Key: "account", Value: "free"},
				{Key: "remote_address", Value: "10.0.0.1"},
			}},
		},
	}

	eval := BuildEvaluationSet("messaging", req, rules)
	assert.Len(t, eval, 2)
}

func TestBuildEvaluationSet_DescriptorOverrideWins(t *testing.T) {
	rules := []Rule{
		{Key: "account", Value: "free", RateLimit: RateLimit{Unit: UnitMinute, RequestsPerUnit: 5}},
	}

	override := RateLimit{Unit: UnitSecond, RequestsPerUnit: 1}

	req := Request{
		Domain: "messaging",
		Descriptors: []Descriptor{
			{
				Entries:  []Entry{{Key: "account", Value: "free"}},
				Override: &override,
			},
		},
	}

	eval := BuildEvaluationSet("messaging", req, rules)

	cfgKey := RuleConfigKey("messaging", rules[0])
	assert.Equal(t, override, eval[cfgKey])
}

func TestBuildEvaluationSet_LaterDescriptorOverwritesSameConfigKey(t *testing.T) {
	rules := []Rule{
		{Key: "account", Value: "free", RateLimit: RateLimit{Unit: UnitMinute, RequestsPerUnit: 5}},
	}

	override := RateLimit{Unit: UnitSecond, RequestsPerUnit: 1}

	req := Request{
		Domain: "messaging",
		Descriptors: []Descriptor{
			{Entries: []Entry{{Key: "account", Value: "free"}}},
			{
				Entries:  []Entry{{Key: "account", Value: "free"}},
				Override: &override,
			},
		},
	}

	eval := BuildEvaluationSet("messaging", req, rules)
	assert.Len(t, eval, 1)

	cfgKey := RuleConfigKey("messaging", rules[0])
	assert.Equal(t, override, eval[cfgKey])
}
