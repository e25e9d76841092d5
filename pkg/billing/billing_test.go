package billing

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/droverhq/drover/pkg/agent"
	"github.com/droverhq/drover/pkg/config"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestPriceForLongestPrefix(t *testing.T) {
	tests := []struct {
		model     string
		wantInput string
	}{
		{"gpt-4o-2024-08-06", "2.50"},
		{"gpt-4o-mini-2024-07-18", "0.15"}, // longer prefix beats gpt-4o
		{"o3-mini", "2.00"},
		{"qwen2.5-72b-instruct", "0.20"},
		{"some-unknown-model", "2.50"},
	}
	for _, tc := range tests {
		t.Run(tc.model, func(t *testing.T) {
			p := priceFor(tc.model)
			assert.True(t, dec(tc.wantInput).Equal(p.input),
				"want input rate %s, got %s", tc.wantInput, p.input)
		})
	}
}

func TestEstimateCost(t *testing.T) {
	tests := []struct {
		name          string
		model         string
		prompt        int
		maxOut        int
		want          string
	}{
		{"gpt-4o typical step", "gpt-4o", 10000, 4000, "0.065"},
		{"mini full window", "gpt-4o-mini", 1000000, 1000000, "0.75"},
		{"zero tokens", "gpt-4o", 0, 0, "0"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := EstimateCost(tc.model, tc.prompt, tc.maxOut)
			assert.True(t, dec(tc.want).Equal(got), "want %s, got %s", tc.want, got)
		})
	}
}

func TestActualCost(t *testing.T) {
	tests := []struct {
		name  string
		model string
		usage agent.TokenUsage
		want  string
	}{
		{
			name:  "no cache",
			model: "gpt-4o",
			usage: agent.TokenUsage{InputTokens: 10000, OutputTokens: 2000},
			want:  "0.045",
		},
		{
			name:  "cache read discount",
			model: "gpt-4o",
			usage: agent.TokenUsage{InputTokens: 10000, CacheReadTokens: 8000},
			want:  "0.007",
		},
		{
			name:  "cache reads exceed reported input",
			model: "gpt-4o",
			usage: agent.TokenUsage{InputTokens: 100, CacheReadTokens: 200},
			want:  "0.00005",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := ActualCost(tc.model, tc.usage)
			assert.True(t, dec(tc.want).Equal(got), "want %s, got %s", tc.want, got)
		})
	}
}

func TestActualCostCacheIsCheaper(t *testing.T) {
	cold := ActualCost("gpt-4o", agent.TokenUsage{InputTokens: 50000, OutputTokens: 1000})
	warm := ActualCost("gpt-4o", agent.TokenUsage{InputTokens: 50000, CacheReadTokens: 45000, OutputTokens: 1000})
	assert.True(t, warm.LessThan(cold), "cached step %s should cost less than cold step %s", warm, cold)
}

func TestPeriodStart(t *testing.T) {
	tests := []struct {
		name string
		in   time.Time
		want time.Time
	}{
		{
			name: "mid-month",
			in:   time.Date(2026, 3, 17, 15, 4, 5, 0, time.UTC),
			want: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		},
		{
			name: "first instant of month",
			in:   time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC),
			want: time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC),
		},
		{
			name: "zone ahead of UTC rolls back a month",
			in:   time.Date(2026, 1, 1, 3, 0, 0, 0, time.FixedZone("UTC+10", 10*3600)),
			want: time.Date(2025, 12, 1, 0, 0, 0, 0, time.UTC),
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := PeriodStart(tc.in)
			assert.True(t, got.Equal(tc.want), "want %s, got %s", tc.want, got)
			assert.True(t, PeriodStart(got).Equal(got), "PeriodStart must be idempotent")
		})
	}
}

func TestTierCredits(t *testing.T) {
	s := &RenewalScheduler{cfg: &config.BillingConfig{
		MonthlyCredits: map[string]string{"free": "5", "pro": "50"},
	}}

	got, err := s.tierCredits("pro")
	require.NoError(t, err)
	assert.True(t, dec("50").Equal(got))

	got, err = s.tierCredits("enterprise") // unknown tier falls back to free
	require.NoError(t, err)
	assert.True(t, dec("5").Equal(got))

	s.cfg.MonthlyCredits["pro"] = "not-a-number"
	_, err = s.tierCredits("pro")
	assert.Error(t, err)
}

func TestPayloadAmount(t *testing.T) {
	got, err := payloadAmount(map[string]any{"amount": "12.50"}, "amount")
	require.NoError(t, err)
	assert.True(t, dec("12.5").Equal(got))

	got, err = payloadAmount(map[string]any{"amount": float64(3.5)}, "amount")
	require.NoError(t, err)
	assert.True(t, dec("3.5").Equal(got))

	_, err = payloadAmount(map[string]any{}, "amount")
	assert.Error(t, err)

	_, err = payloadAmount(map[string]any{"amount": true}, "amount")
	assert.Error(t, err)
}
