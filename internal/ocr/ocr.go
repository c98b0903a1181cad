// Package ocr implements the OCR Pipeline (spec §4.6): it turns an
// uploaded file blob into a normalized line-item receipt record, preferring
// cheap text extraction and falling back to a vision-capable LLM call.
package ocr

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	"image/png"
	"regexp"
	"strings"
	"time"

	"github.com/gen2brain/go-fitz"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/example/expense-core/internal/llmgateway"
	"github.com/example/expense-core/internal/money"
	"github.com/example/expense-core/internal/obs"
)

// Method records which extraction path produced a receipt.
type Method string

const (
	MethodText   Method = "text"
	MethodVision Method = "vision"
)

// MatchType classifies how well line items reconcile against the receipt
// total (spec §4.6 "mark total_match_type in {total, subtotal, mismatch}").
type MatchType string

const (
	MatchTotal    MatchType = "total"
	MatchSubtotal MatchType = "subtotal"
	MatchMismatch MatchType = "mismatch"
)

// LineItem is one parsed receipt line.
type LineItem struct {
	Description string      `json:"description"`
	Quantity    float64     `json:"quantity"`
	UnitPrice   money.Amount `json:"unit_price"`
	LineTotal   money.Amount `json:"line_total"`
}

// Receipt is the normalized output of an OCR call.
type Receipt struct {
	Vendor         string
	Date           string
	Total          money.Amount
	Subtotal       money.Amount
	Tax            money.Amount
	LineItems      []LineItem
	Method         Method
	TotalMatchType MatchType
	FieldConfidence map[string]int
}

// Metrics is the per-call record spec §4.6 requires ("agent id, method,
// model tier, wall time, character count, item count, tax-detected flag,
// total_match_type, success bool, project").
type Metrics struct {
	ID             string `gorm:"primaryKey"`
	AgentID        string
	Method         string
	ModelTier      string
	WallTimeMS     int64
	CharCount      int
	ItemCount      int
	TaxDetected    bool
	TotalMatchType string
	Success        bool
	Project        string
	CreatedAt      time.Time
}

func (Metrics) TableName() string { return "ocr_metrics" }

// Input describes the file being processed.
type Input struct {
	Blob        []byte
	MimeType    string
	Stage       string
	Project     string
	AgentID     string
	AlreadyOCRed bool // metadata declares OCR already performed (e.g. image sidecar)
	Text        string // pre-extracted text, if the caller already has it
}

// AmountTolerance bounds the post-extraction reconciliation check (spec:
// "default $0.05 absolute or 0.5%, whichever is larger").
type AmountTolerance struct {
	Abs money.Amount
	Rel float64
}

const (
	maxPages = 10
	dpi      = 200
)

// Pipeline runs fast-mode text extraction with vendor regex parsers,
// falling back to heavy-mode vision extraction.
type Pipeline struct {
	gateway   *llmgateway.Gateway
	db        *gorm.DB
	tolerance AmountTolerance
	maxPages  int
	dpi       float64
	log       *obs.Log
}

// New builds a Pipeline. maxPagesOverride/dpiOverride of 0 use the spec
// defaults.
func New(gateway *llmgateway.Gateway, db *gorm.DB, tolerance AmountTolerance, maxPagesOverride, dpiOverride int, log *obs.Log) (*Pipeline, error) {
	if err := db.AutoMigrate(&Metrics{}); err != nil {
		return nil, err
	}
	mp := maxPagesOverride
	if mp <= 0 {
		mp = maxPages
	}
	d := float64(dpiOverride)
	if d <= 0 {
		d = dpi
	}
	return &Pipeline{gateway: gateway, db: db, tolerance: tolerance, maxPages: mp, dpi: d, log: log}, nil
}

// Extract runs the OCR pipeline over in, writing a metrics row regardless
// of outcome.
func (p *Pipeline) Extract(ctx context.Context, in Input) (*Receipt, error) {
	start := time.Now()
	var receipt *Receipt
	var method Method
	var modelTier string
	var err error

	if in.Text != "" || in.AlreadyOCRed {
		receipt, err = p.extractFast(in)
		method = MethodText
		if err == nil && needsVisionFallback(receipt) {
			receipt, err = p.extractHeavy(ctx, in)
			method = MethodVision
			modelTier = string(llmgateway.TierVision)
		}
	} else {
		receipt, err = p.extractHeavy(ctx, in)
		method = MethodVision
		modelTier = string(llmgateway.TierVision)
	}

	// Memory discipline (spec §4.6): the caller-owned blob buffer is never
	// retained past this call. in.Blob is a slice the caller owns; we only
	// ever read from it above and never store a reference past this point.

	success := err == nil
	charCount := len(in.Text)
	itemCount := 0
	taxDetected := false
	matchType := ""
	if receipt != nil {
		applyReconciliation(receipt, p.tolerance)
		itemCount = len(receipt.LineItems)
		taxDetected = !receipt.Tax.IsZero()
		matchType = string(receipt.TotalMatchType)
	}

	metrics := &Metrics{
		ID: uuid.NewString(), AgentID: in.AgentID, Method: string(method), ModelTier: modelTier,
		WallTimeMS: time.Since(start).Milliseconds(), CharCount: charCount, ItemCount: itemCount,
		TaxDetected: taxDetected, TotalMatchType: matchType, Success: success, Project: in.Project,
	}
	if dbErr := p.db.WithContext(ctx).Create(metrics).Error; dbErr != nil {
		p.log.WithError(dbErr).Warn("ocr metrics write failed")
	}

	return receipt, err
}

func needsVisionFallback(r *Receipt) bool {
	if r == nil {
		return true
	}
	// spec §4.6: fall through to vision only if no total found, fewer than
	// 1 line item, or vendor could not be identified.
	return r.Total.IsZero() || len(r.LineItems) < 1 || r.Vendor == ""
}

func (p *Pipeline) extractFast(in Input) (*Receipt, error) {
	text := in.Text
	vendor := detectVendor(text)
	parser, ok := vendorParsers[vendor]
	if !ok {
		return &Receipt{Method: MethodText, FieldConfidence: map[string]int{}}, nil
	}
	return parser(text), nil
}

type visionExtraction struct {
	Vendor   string           `json:"vendor"`
	Date     string           `json:"date"`
	Total    string           `json:"total"`
	Subtotal string           `json:"subtotal"`
	Tax      string           `json:"tax"`
	LineItems []visionLineItem `json:"line_items"`
	Confidence map[string]int `json:"confidence"`
}

type visionLineItem struct {
	Description string  `json:"description"`
	Quantity    float64 `json:"quantity"`
	UnitPrice   string  `json:"unit_price"`
	LineTotal   string  `json:"line_total"`
}

func (p *Pipeline) extractHeavy(ctx context.Context, in Input) (*Receipt, error) {
	images, err := p.rasterize(in.Blob, in.MimeType)
	if err != nil {
		return nil, fmt.Errorf("rasterize receipt: %w", err)
	}
	// images are only ever referenced within this function; they are never
	// stored, satisfying the no-image-bytes-outlive-the-call invariant.
	defer func() { images = nil }()

	result, err := p.gateway.ExtractVision(ctx, images, visionPrompt, visionSchema)
	if err != nil {
		return nil, err
	}

	var parsed visionExtraction
	if err := json.Unmarshal(result.Value, &parsed); err != nil {
		return nil, fmt.Errorf("vision response did not match schema: %w", err)
	}

	receipt := &Receipt{
		Vendor:          parsed.Vendor,
		Date:            parsed.Date,
		Total:           parseAmountOrZero(parsed.Total),
		Subtotal:        parseAmountOrZero(parsed.Subtotal),
		Tax:             parseAmountOrZero(parsed.Tax),
		Method:          MethodVision,
		FieldConfidence: parsed.Confidence,
	}
	for _, li := range parsed.LineItems {
		receipt.LineItems = append(receipt.LineItems, LineItem{
			Description: li.Description, Quantity: li.Quantity,
			UnitPrice: parseAmountOrZero(li.UnitPrice), LineTotal: parseAmountOrZero(li.LineTotal),
		})
	}
	return receipt, nil
}

// rasterize renders up to p.maxPages pages of a PDF blob to PNG-encoded
// images at p.dpi. Non-PDF blobs pass through as a single image.
func (p *Pipeline) rasterize(blob []byte, mimeType string) ([]string, error) {
	if mimeType != "application/pdf" {
		return []string{encodeDataURL(mimeType, blob)}, nil
	}

	doc, err := fitz.NewFromMemory(blob)
	if err != nil {
		return nil, fmt.Errorf("open pdf: %w", err)
	}
	defer doc.Close()

	pageCount := doc.NumPage()
	if pageCount > p.maxPages {
		pageCount = p.maxPages
	}

	images := make([]string, 0, pageCount)
	for i := 0; i < pageCount; i++ {
		img, err := doc.ImageDPI(i, p.dpi)
		if err != nil {
			return nil, fmt.Errorf("rasterize page %d: %w", i, err)
		}
		data, err := encodePNG(img)
		if err != nil {
			return nil, fmt.Errorf("encode page %d: %w", i, err)
		}
		images = append(images, encodeDataURL("image/png", data))
	}
	return images, nil
}

func encodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeDataURL(mimeType string, data []byte) string {
	return fmt.Sprintf("data:%s;base64,%s", mimeType, base64.StdEncoding.EncodeToString(data))
}

// applyReconciliation sets TotalMatchType per spec §4.6's tolerance rule.
func applyReconciliation(r *Receipt, tol AmountTolerance) {
	lineSum := money.Zero
	for _, li := range r.LineItems {
		lineSum = lineSum.Add(li.LineTotal)
	}
	if money.WithinTolerance(lineSum, r.Total, tol.Abs, tol.Rel) {
		r.TotalMatchType = MatchTotal
		return
	}
	if !r.Subtotal.IsZero() && money.WithinTolerance(lineSum, r.Subtotal, tol.Abs, tol.Rel) {
		r.TotalMatchType = MatchSubtotal
		return
	}
	r.TotalMatchType = MatchMismatch
}

func parseAmountOrZero(s string) money.Amount {
	a, err := money.Parse(s)
	if err != nil {
		return money.Zero
	}
	return a
}

var vendorPattern = regexp.MustCompile(`(?i)^\s*([A-Za-z0-9&' .-]{2,40})\s*$`)

// detectVendor guesses the vendor from the first non-empty line of text;
// vendor-specific parsers are keyed by the lowercased result.
func detectVendor(text string) string {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if m := vendorPattern.FindStringSubmatch(line); m != nil {
			return strings.ToLower(strings.TrimSpace(m[1]))
		}
		return ""
	}
	return ""
}
