package extract

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeCategory(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in, want string
	}{
		{"groceries", "GROCERIES"},
		{"  Supermarket ", "GROCERIES"},
		{"café", "CAFE"},
		{"Coffee", "CAFE"},
		{"Кофейня", "CAFE"},
		{"аптека", "PHARMACY"},
		{"taxi", "TRANSPORT"},
		{"ELECTRONICS", "ELECTRONICS"},
		{"", "OTHER"},
		{"jewellery", "OTHER"},
	}
	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, NormalizeCategory(tc.in))
		})
	}
}

func TestParseStructured_Fenced(t *testing.T) {
	t.Parallel()
	in := "```json\n" + `{
		"merchant": " Migros ",
		"purchase_datetime": "2026-02-14T18:30:00",
		"total": 12.5,
		"currency": "chf",
		"category": "supermarket",
		"items": [
			{"name": "Milk", "quantity": 2, "unit_price": 1.5, "line_total": 3},
			{"name": "  ", "line_total": 1},
			{"name": "Bread", "line_total": 2.2}
		]
	}` + "\n```"

	p, err := parseStructured(in)
	require.NoError(t, err)
	require.NotNil(t, p.Merchant)
	assert.Equal(t, "Migros", *p.Merchant)
	require.NotNil(t, p.PurchaseTime)
	assert.Equal(t, time.Date(2026, 2, 14, 18, 30, 0, 0, time.UTC), *p.PurchaseTime)
	require.NotNil(t, p.Total)
	assert.InDelta(t, 12.5, *p.Total, 1e-9)
	require.NotNil(t, p.Currency)
	assert.Equal(t, "chf", *p.Currency)
	assert.Equal(t, "GROCERIES", p.Category)
	require.Len(t, p.Items, 2, "blank item names are dropped")
	assert.Equal(t, "Bread", p.Items[1].Name)
	assert.Nil(t, p.Items[1].Quantity)
}

func TestParseStructured_ProseAroundObject(t *testing.T) {
	t.Parallel()
	p, err := parseStructured(`Here you go: {"merchant": null, "total": null, "category": "", "items": []} hope it helps`)
	require.NoError(t, err)
	assert.Nil(t, p.Merchant)
	assert.Nil(t, p.Total)
	assert.Equal(t, "OTHER", p.Category)
	assert.Empty(t, p.Items)
}

func TestParseStructured_CapsItems(t *testing.T) {
	t.Parallel()
	items := make([]string, 0, 80)
	for i := range 80 {
		items = append(items, fmt.Sprintf(`{"name": "item %d", "line_total": 1}`, i))
	}
	p, err := parseStructured(`{"items": [` + strings.Join(items, ",") + `]}`)
	require.NoError(t, err)
	assert.Len(t, p.Items, MaxItems)
	assert.Equal(t, "item 0", p.Items[0].Name)
}

func TestParseStructured_Errors(t *testing.T) {
	t.Parallel()
	tests := map[string]string{
		"no object":  "sorry, I cannot read this receipt",
		"truncated":  `{"merchant": "Coop", "items": [`,
		"bad syntax": `{"merchant": }`,
	}
	for name, in := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			_, err := parseStructured(in)
			assert.Error(t, err)
		})
	}
}

func TestParsePurchaseTime(t *testing.T) {
	t.Parallel()
	midnight := time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		in   string
		want *time.Time
	}{
		{"2026-01-05", &midnight},
		{"05.01.2026", &midnight},
		{"2026/01/05", &midnight},
		{"yesterday", nil},
	}
	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			t.Parallel()
			got := parsePurchaseTime(tc.in)
			if tc.want == nil {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.True(t, tc.want.Equal(*got), "got %v", *got)
		})
	}
}
