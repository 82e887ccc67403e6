package ratelimit

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnitFromWire(t *testing.T) {
	tests := []struct {
		name string
		wire int32
		want Unit
	}{
		{"seconds", 1, UnitSecond},
		{"minutes", 2, UnitMinute},
		{"hours", 3, UnitHour},
		{"days", 4, UnitDay},
		{"months", 5, UnitMonth},
		{"years", 6, UnitYear},
		{"unknown zero", 0, UnitUnknown},
		{"out of range", 99, UnitUnknown},
		{"negative", -1, UnitUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, UnitFromWire(tt.wire))
		})
	}
}

func TestUnit_ToSeconds(t *testing.T) {
	assert.Equal(t, int64(1), UnitSecond.ToSeconds())
	assert.Equal(t, int64(60), UnitMinute.ToSeconds())
	assert.Equal(t, int64(3600), UnitHour.ToSeconds())
	assert.Equal(t, int64(86400), UnitDay.ToSeconds())
	assert.Equal(t, int64(2592000), UnitMonth.ToSeconds())
	assert.Equal(t, int64(31536000), UnitYear.ToSeconds())
}

func TestUnit_ToSeconds_PanicsOnUnknown(t *testing.T) {
	assert.Panics(t, func() {
		UnitUnknown.ToSeconds()
	})
}

func TestUnit_JSONRoundTrip(t *testing.T) {
	units := []Unit{UnitSecond, UnitMinute, UnitHour, UnitDay, UnitMonth, UnitYear}

	for _, u := range units {
		blob, err := json.Marshal(u)
		require.NoError(t, err)

		var decoded Unit
		require.NoError(t, json.Unmarshal(blob, &decoded))
		assert.Equal(t, u, decoded)
	}
}

func TestUnit_UnmarshalJSON_RejectsUnknownName(t *testing.T) {
	var u Unit
	err := json.Unmarshal([]byte(`"fortnights"`), &u)
	assert.Error(t, err)
}

func TestRateLimitFromOverride(t *testing.T) {
	rl := RateLimitFromOverride(42, 2)
	assert.Equal(t, UnitMinute, rl.Unit)
	assert.Equal(t, int64(42), rl.RequestsPerUnit)

	// An out-of-range wire unit resolves to Unknown rather than erroring,
	// since this path decodes untrusted caller input.
	rl = RateLimitFromOverride(1, 77)
	assert.Equal(t, UnitUnknown, rl.Unit)
}

func TestRule_Validate(t *testing.T) {
	tests := []struct {
		name    string
		rule    Rule
		wantErr bool
	}{
		{
			name: "valid",
			rule: Rule{Key: "account", Value: "premium", RateLimit: RateLimit{Unit: UnitMinute, RequestsPerUnit: 10}},
		},
		{
			name:    "empty key",
			rule:    Rule{Key: "", Value: "premium", RateLimit: RateLimit{Unit: UnitMinute, RequestsPerUnit: 10}},
			wantErr: true,
		},
		{
			name:    "unresolved unit",
			rule:    Rule{Key: "account", Value: "premium", RateLimit: RateLimit{Unit: UnitUnknown, RequestsPerUnit: 10}},
			wantErr: true,
		},
		{
			name:    "zero requests per unit",
			rule:    Rule{Key: "account", Value: "premium", RateLimit: RateLimit{Unit: UnitMinute, RequestsPerUnit: 0}},
			wantErr: true,
		},
		{
			name:    "negative requests per unit",
			rule:    Rule{Key: "account", Value: "premium", RateLimit: RateLimit{Unit: UnitMinute, RequestsPerUnit: -1}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.rule.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
