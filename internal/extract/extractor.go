// Package extract turns a receipt image into structured spending data. It is
// a two-step pipeline: text recognition over the image, then structuring of
// the recognised text into header fields and line items.
package extract

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrTransient marks a recognition failure that may succeed if retried
	// later (timeouts, quota, upstream 5xx).
	ErrTransient = errors.New("transient extraction failure")

	// ErrNoStructure is returned when neither the full nor the header-only
	// structuring pass produced usable output.
	ErrNoStructure = errors.New("no structure extracted")
)

// MaxItems caps the number of line items kept per receipt.
const MaxItems = 50

// Extractor is the external recognition service.
type Extractor interface {
	// ExtractText returns the visible text of a receipt image.
	ExtractText(ctx context.Context, image []byte, contentType string) (string, error)
	// Structure parses recognised text into header fields and items.
	Structure(ctx context.Context, text string) (*Parsed, error)
}

// ParsedItem is one line item as returned by Structure.
type ParsedItem struct {
	Name      string   `json:"name"`
	Quantity  *float64 `json:"quantity"`
	UnitPrice *float64 `json:"unit_price"`
	LineTotal *float64 `json:"line_total"`
}

// Parsed is the structured form of a receipt.
type Parsed struct {
	Merchant     *string      `json:"merchant"`
	PurchaseTime *time.Time   `json:"purchase_datetime"`
	Total        *float64     `json:"total"`
	Currency     *string      `json:"currency"`
	Category     string       `json:"category"`
	Items        []ParsedItem `json:"items"`
}
