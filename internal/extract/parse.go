package extract

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Categories is the fixed set a receipt category is normalised into.
var Categories = []string{
	"GROCERIES", "CAFE", "RESTAURANT", "TRANSPORT", "PHARMACY",
	"UTILITIES", "ENTERTAINMENT", "CLOTHING", "ELECTRONICS", "OTHER",
}

var categorySynonyms = map[string]string{
	"CAFÉ":        "CAFE",
	"COFFEE":      "CAFE",
	"COFFEESHOP":  "CAFE",
	"BAR":         "CAFE",
	"DINER":       "RESTAURANT",
	"GROCERY":     "GROCERIES",
	"SUPERMARKET": "GROCERIES",
	"TAXI":        "TRANSPORT",
	"UBER":        "TRANSPORT",
	"BUS":         "TRANSPORT",
	"METRO":       "TRANSPORT",
	"DRUGSTORE":   "PHARMACY",
	"BILLS":       "UTILITIES",
	"CINEMA":      "ENTERTAINMENT",
	"MOVIE":       "ENTERTAINMENT",
	"APPAREL":     "CLOTHING",
}

// Substring stems for Russian-language categories.
var categoryStems = []struct{ stem, category string }{
	{"КАФ", "CAFE"},
	{"КОФ", "CAFE"},
	{"РЕСТ", "RESTAURANT"},
	{"СУПЕР", "GROCERIES"},
	{"МАГАЗ", "GROCERIES"},
	{"ТАКС", "TRANSPORT"},
	{"МЕТРО", "TRANSPORT"},
	{"АПТ", "PHARMACY"},
	{"КОММУН", "UTILITIES"},
	{"КИНО", "ENTERTAINMENT"},
	{"ОДЕЖ", "CLOTHING"},
	{"ЭЛЕКТР", "ELECTRONICS"},
}

// NormalizeCategory maps a free-form category onto Categories. Anything
// unrecognised becomes OTHER.
func NormalizeCategory(v string) string {
	s := strings.ToUpper(strings.TrimSpace(v))
	if s == "" {
		return "OTHER"
	}
	for _, c := range Categories {
		if s == c {
			return c
		}
	}
	if c, ok := categorySynonyms[s]; ok {
		return c
	}
	for _, st := range categoryStems {
		if strings.Contains(s, st.stem) {
			return st.category
		}
	}
	return "OTHER"
}

// wireReceipt mirrors the JSON the structuring prompt asks for. The
// timestamp stays a string because models emit several layouts.
type wireReceipt struct {
	Merchant         *string      `json:"merchant"`
	PurchaseDatetime *string      `json:"purchase_datetime"`
	Total            *float64     `json:"total"`
	Currency         *string      `json:"currency"`
	Category         string       `json:"category"`
	Items            []ParsedItem `json:"items"`
}

var purchaseTimeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
	"02.01.2006 15:04",
	"02.01.2006",
	"2006/01/02",
}

// parseStructured decodes model output into a Parsed. Markdown fences and
// any prose around the outermost JSON object are ignored.
func parseStructured(text string) (*Parsed, error) {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSpace(text)

	start := strings.Index(text, "{")
	if start == -1 {
		return nil, fmt.Errorf("no JSON object found in response")
	}
	end := strings.LastIndex(text, "}")
	if end < start {
		return nil, fmt.Errorf("invalid JSON object in response")
	}

	var w wireReceipt
	if err := json.Unmarshal([]byte(text[start:end+1]), &w); err != nil {
		return nil, fmt.Errorf("unmarshaling json: %w", err)
	}

	p := &Parsed{
		Merchant: trimmedOrNil(w.Merchant),
		Total:    w.Total,
		Currency: trimmedOrNil(w.Currency),
		Category: NormalizeCategory(w.Category),
	}
	if w.PurchaseDatetime != nil {
		p.PurchaseTime = parsePurchaseTime(*w.PurchaseDatetime)
	}
	for _, it := range w.Items {
		it.Name = strings.TrimSpace(it.Name)
		if it.Name == "" {
			continue
		}
		p.Items = append(p.Items, it)
		if len(p.Items) == MaxItems {
			break
		}
	}
	return p, nil
}

// parsePurchaseTime returns nil for values no known layout accepts.
// Date-only values land at midnight UTC.
func parsePurchaseTime(s string) *time.Time {
	s = strings.TrimSpace(s)
	for _, layout := range purchaseTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return &t
		}
	}
	return nil
}

func trimmedOrNil(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	if v == "" {
		return nil
	}
	return &v
}
