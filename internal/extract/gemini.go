package extract

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"github.com/sethvargo/go-retry"
	"google.golang.org/api/option"
)

const (
	defaultOCRModel    = "gemini-2.0-flash"
	defaultStructModel = "gemini-2.0-flash"

	ocrTries       = 3
	ocrBackoffBase = time.Second
)

const ocrPrompt = `You are an OCR engine for receipts.
Task: extract ALL visible text from the receipt image.
Rules:
- Output ONLY the extracted text, no commentary.
- Preserve reading order and line breaks as much as possible.
- If a token is unclear, keep the best guess rather than omitting.`

const structurePrompt = `You are a receipt information extraction engine.
Extract structured fields from the OCR text of a receipt and reply with one JSON object:
{"merchant": string|null, "purchase_datetime": "YYYY-MM-DDTHH:MM:SS"|null, "total": number|null,
 "currency": string|null, "category": string,
 "items": [{"name": string, "quantity": number|null, "unit_price": number|null, "line_total": number|null}]}
Rules:
- If a value is not present, return null. Do NOT invent values.
- Items: include purchased line items; exclude headers and footers.
- If only a date is present without time, set time to 00:00:00.
- Prefer currency as an ISO-4217 code if obvious, otherwise keep the symbol.
- Include at most 50 items.
- category must be EXACTLY one of: GROCERIES, CAFE, RESTAURANT, TRANSPORT, PHARMACY, UTILITIES, ENTERTAINMENT, CLOTHING, ELECTRONICS, OTHER. If uncertain, use OTHER.`

const detectCurrencyPrompt = `You are a classifier.
Determine the currency used for the receipt amounts.
Return EXACTLY one token from: USD, EUR, CHF, RUB, UNKNOWN.
If ambiguous or not visible, return UNKNOWN.`

const headerOnlySuffix = `FALLBACK MODE: return only merchant, purchase_datetime, total, currency and category. Set items to an empty list [].`

// generator is the slice of *genai.GenerativeModel used here.
type generator interface {
	GenerateContent(ctx context.Context, parts ...genai.Part) (*genai.GenerateContentResponse, error)
}

// Gemini implements Extractor using Google Gemini.
type Gemini struct {
	client *genai.Client
	ocr    generator
	full   generator
	header generator
	detect generator

	// newBackoff builds the OCR retry schedule; swapped in tests.
	newBackoff func() retry.Backoff
}

// NewGemini creates a Gemini extractor. Empty model names fall back to
// defaults.
func NewGemini(ctx context.Context, apiKey, ocrModel, structModel string) (*Gemini, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	if ocrModel == "" {
		ocrModel = defaultOCRModel
	}
	if structModel == "" {
		structModel = defaultStructModel
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}

	ocr := client.GenerativeModel(ocrModel)
	ocr.SetTemperature(0)
	ocr.SetMaxOutputTokens(2000)

	full := client.GenerativeModel(structModel)
	full.SetTemperature(0)
	full.SetMaxOutputTokens(2500)
	full.ResponseMIMEType = "application/json"

	header := client.GenerativeModel(structModel)
	header.SetTemperature(0)
	header.SetMaxOutputTokens(1200)
	header.ResponseMIMEType = "application/json"

	detect := client.GenerativeModel(ocrModel)
	detect.SetTemperature(0)
	detect.SetMaxOutputTokens(10)

	return &Gemini{
		client:     client,
		ocr:        ocr,
		full:       full,
		header:     header,
		detect:     detect,
		newBackoff: defaultOCRBackoff,
	}, nil
}

func defaultOCRBackoff() retry.Backoff {
	return retry.WithMaxRetries(ocrTries-1, retry.NewExponential(ocrBackoffBase))
}

// ExtractText runs OCR over image, retrying up to three times with
// exponential backoff. Exhausted retries are reported as ErrTransient.
func (g *Gemini) ExtractText(ctx context.Context, image []byte, contentType string) (string, error) {
	parts := []genai.Part{
		genai.ImageData(imageFormat(contentType), image),
		genai.Text(ocrPrompt),
	}

	var text string
	err := retry.Do(ctx, g.newBackoff(), func(ctx context.Context) error {
		resp, err := g.ocr.GenerateContent(ctx, parts...)
		if err != nil {
			return retry.RetryableError(fmt.Errorf("generating content: %w", err))
		}
		text = strings.TrimSpace(responseText(resp))
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return "", err
		}
		return "", fmt.Errorf("%w: %w", ErrTransient, err)
	}
	return text, nil
}

// Structure parses OCR text. A failed full pass is followed by a
// header-only pass; ErrNoStructure is returned when both fail.
func (g *Gemini) Structure(ctx context.Context, text string) (*Parsed, error) {
	fullPrompt := structurePrompt + "\n\nOCR TEXT:\n" + text + "\n\nIMPORTANT: include at most 50 items."
	p, fullErr := g.structureWith(ctx, g.full, fullPrompt)
	if fullErr == nil {
		return p, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	headerPrompt := structurePrompt + "\n\nOCR TEXT:\n" + text + "\n\n" + headerOnlySuffix
	p, headerErr := g.structureWith(ctx, g.header, headerPrompt)
	if headerErr == nil {
		p.Items = nil
		return p, nil
	}
	return nil, fmt.Errorf("%w: %w", ErrNoStructure, errors.Join(fullErr, headerErr))
}

// DetectCurrency asks the model which currency the receipt amounts are in.
// It returns the first token of the answer upper-cased, or "UNKNOWN" when the
// model says nothing. No retries: the caller is waiting on the request.
func (g *Gemini) DetectCurrency(ctx context.Context, image []byte, contentType string) (string, error) {
	resp, err := g.detect.GenerateContent(ctx,
		genai.ImageData(imageFormat(contentType), image),
		genai.Text(detectCurrencyPrompt),
	)
	if err != nil {
		return "", fmt.Errorf("generating content: %w", err)
	}
	fields := strings.Fields(strings.ToUpper(responseText(resp)))
	if len(fields) == 0 {
		return "UNKNOWN", nil
	}
	return fields[0], nil
}

func (g *Gemini) structureWith(ctx context.Context, m generator, prompt string) (*Parsed, error) {
	resp, err := m.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return nil, fmt.Errorf("generating content: %w", err)
	}
	text := responseText(resp)
	if text == "" {
		return nil, fmt.Errorf("no response from gemini")
	}
	p, err := parseStructured(text)
	if err != nil {
		return nil, fmt.Errorf("parsing receipt data: %w", err)
	}
	return p, nil
}

// Close closes the Gemini client.
func (g *Gemini) Close() error {
	if g.client == nil {
		return nil
	}
	return g.client.Close()
}

func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			b.WriteString(string(text))
		}
	}
	return b.String()
}

// imageFormat maps a MIME type onto the bare format genai.ImageData expects.
func imageFormat(contentType string) string {
	f := strings.TrimPrefix(strings.ToLower(contentType), "image/")
	switch f {
	case "png", "webp", "heic", "heif":
		return f
	default:
		return "jpeg"
	}
}
