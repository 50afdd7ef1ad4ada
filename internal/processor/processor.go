// ABOUTME: Executes one claimed receipt task: OCR, structuring, currency conversion, result write.
// ABOUTME: Checks the live receipt version before extraction and again when applying the result.
package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"unicode/utf8"

	"github.com/bvd757/receipt-analysis-system/internal/blob"
	"github.com/bvd757/receipt-analysis-system/internal/extract"
	"github.com/bvd757/receipt-analysis-system/internal/store"
)

// maxNameRunes is the width of the merchant and item name columns.
const maxNameRunes = 255

// ErrNoImage is returned for receipts that carry no image reference.
var ErrNoImage = errors.New("receipt has no image")

// Store is the subset of *store.Store the processor needs.
type Store interface {
	GetReceipt(ctx context.Context, id int64) (*store.Receipt, error)
	MarkReceiptProcessing(ctx context.Context, id int64, version int) error
	SetRawText(ctx context.Context, id int64, version int, text string) error
	ApplyResult(ctx context.Context, id int64, version int, res store.Result) error
}

// Processor turns a claimed task into an applied extraction result.
type Processor struct {
	store     Store
	blobs     blob.Store
	extractor extract.Extractor
	rates     map[string]float64
	logger    *slog.Logger
}

// New creates a Processor. rates maps ISO codes to their USD factor.
func New(st Store, blobs blob.Store, ex extract.Extractor, rates map[string]float64, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		store:     st,
		blobs:     blobs,
		extractor: ex,
		rates:     rates,
		logger:    logger,
	}
}

// Process runs one task. A nil return means the task is finished: either the
// result was applied or the task turned out to be superseded. Any error
// counts as a failed attempt.
func (p *Processor) Process(ctx context.Context, task store.ClaimedTask) error {
	log := p.logger.With("task_id", task.ID, "receipt_id", task.ReceiptID, "version", task.ReceiptVersion)

	r, err := p.store.GetReceipt(ctx, task.ReceiptID)
	if err != nil {
		return err
	}
	if r == nil {
		log.Info("receipt gone, skipping task")
		return nil
	}
	if r.Version != task.ReceiptVersion {
		log.Info("task superseded before extraction", "live_version", r.Version)
		return nil
	}

	switch err := p.store.MarkReceiptProcessing(ctx, r.ID, task.ReceiptVersion); {
	case errors.Is(err, store.ErrStaleVersion):
		log.Info("task superseded before extraction")
		return nil
	case err != nil:
		log.Warn("mark receipt processing failed", "error", err)
	}

	if r.ImageRef == nil || *r.ImageRef == "" {
		return ErrNoImage
	}
	image, err := p.blobs.Get(ctx, *r.ImageRef)
	if err != nil {
		return fmt.Errorf("load image: %w", err)
	}

	text, err := p.extractor.ExtractText(ctx, image, blob.ContentType(*r.ImageRef))
	if err != nil {
		return fmt.Errorf("extract text: %w", err)
	}
	if err := p.store.SetRawText(ctx, r.ID, task.ReceiptVersion, text); err != nil {
		if errors.Is(err, store.ErrStaleVersion) {
			log.Info("task superseded during extraction")
			return nil
		}
		return err
	}

	parsed, err := p.extractor.Structure(ctx, text)
	if err != nil {
		return fmt.Errorf("structure text: %w", err)
	}

	requested := ""
	if r.Currency != nil {
		requested = *r.Currency
	}
	res, err := p.buildResult(parsed, requested)
	if err != nil {
		return err
	}

	err = p.store.ApplyResult(ctx, r.ID, task.ReceiptVersion, res)
	switch {
	case errors.Is(err, store.ErrStaleVersion):
		log.Info("discarding result for superseded version")
		return nil
	case errors.Is(err, store.ErrNotFound):
		log.Info("receipt gone, discarding result")
		return nil
	case err != nil:
		return err
	}
	log.Info("receipt processed", "items", len(res.Items), "currency", *res.Currency)
	return nil
}

func (p *Processor) buildResult(parsed *extract.Parsed, requested string) (store.Result, error) {
	raw, err := json.MarshalIndent(parsed, "", "  ")
	if err != nil {
		return store.Result{}, fmt.Errorf("encode parsed receipt: %w", err)
	}

	var detected string
	if parsed.Currency != nil {
		detected = NormalizeCurrency(*parsed.Currency)
	}
	currency := resolveCurrency(requested, detected)
	fx := usdFactor(p.rates, currency)

	var merchant *string
	if parsed.Merchant != nil {
		m := clipRunes(*parsed.Merchant, maxNameRunes)
		merchant = &m
	}

	res := store.Result{
		Merchant:     merchant,
		PurchaseTime: parsed.PurchaseTime,
		Total:        parsed.Total,
		TotalUSD:     convert(parsed.Total, fx),
		Currency:     &currency,
		Category:     extract.NormalizeCategory(parsed.Category),
		RawLLMJSON:   string(raw),
	}
	if detected != "" {
		res.DetectedCurrency = &detected
	}

	items := parsed.Items
	if len(items) > extract.MaxItems {
		items = items[:extract.MaxItems]
	}
	for _, it := range items {
		lineTotal := it.LineTotal
		if lineTotal == nil && it.Quantity != nil && it.UnitPrice != nil {
			v := *it.Quantity * *it.UnitPrice
			lineTotal = &v
		}
		res.Items = append(res.Items, store.Item{
			Name:         clipRunes(it.Name, maxNameRunes),
			Quantity:     it.Quantity,
			UnitPrice:    it.UnitPrice,
			LineTotal:    lineTotal,
			LineTotalUSD: convert(lineTotal, fx),
		})
	}
	return res, nil
}

// clipRunes cuts s to at most n runes.
func clipRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

func convert(v *float64, fx float64) *float64 {
	if v == nil {
		return nil
	}
	out := *v * fx
	return &out
}
