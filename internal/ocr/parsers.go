package ocr

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
)

// vendorParser turns already-extracted text into a partial Receipt for a
// known vendor's receipt layout. Fast mode looks one up by detectVendor's
// guess and falls through to vision if none matches.
type vendorParser func(text string) *Receipt

var (
	homeDepotTotal  = regexp.MustCompile(`(?i)total\s*\$?\s*([\d,]+\.\d{2})`)
	homeDepotLine   = regexp.MustCompile(`(?im)^(.{3,60}?)\s+(\d+)\s+\$?([\d,]+\.\d{2})\s*$`)
	loweTotal       = regexp.MustCompile(`(?i)grand total\s*\$?\s*([\d,]+\.\d{2})`)
	genericSubtotal = regexp.MustCompile(`(?i)sub\s*-?\s*total\s*\$?\s*([\d,]+\.\d{2})`)
	genericTax      = regexp.MustCompile(`(?i)(?:sales\s+)?tax\s*\$?\s*([\d,]+\.\d{2})`)
)

var vendorParsers = map[string]vendorParser{
	"home depot":  parseHomeDepot,
	"the home depot": parseHomeDepot,
	"lowe's":      parseLowes,
	"lowes":       parseLowes,
}

func parseHomeDepot(text string) *Receipt {
	r := &Receipt{Vendor: "home depot", Method: MethodText, FieldConfidence: map[string]int{}}
	if m := homeDepotTotal.FindStringSubmatch(text); m != nil {
		r.Total = parseAmountOrZero(strings.ReplaceAll(m[1], ",", ""))
		r.FieldConfidence["total"] = 90
	}
	if m := genericSubtotal.FindStringSubmatch(text); m != nil {
		r.Subtotal = parseAmountOrZero(strings.ReplaceAll(m[1], ",", ""))
	}
	if m := genericTax.FindStringSubmatch(text); m != nil {
		r.Tax = parseAmountOrZero(strings.ReplaceAll(m[1], ",", ""))
	}
	for _, m := range homeDepotLine.FindAllStringSubmatch(text, -1) {
		qty, _ := strconv.ParseFloat(m[2], 64)
		lineTotal := parseAmountOrZero(strings.ReplaceAll(m[3], ",", ""))
		r.LineItems = append(r.LineItems, LineItem{
			Description: strings.TrimSpace(m[1]),
			Quantity:    qty,
			LineTotal:   lineTotal,
		})
	}
	return r
}

func parseLowes(text string) *Receipt {
	r := &Receipt{Vendor: "lowe's", Method: MethodText, FieldConfidence: map[string]int{}}
	if m := loweTotal.FindStringSubmatch(text); m != nil {
		r.Total = parseAmountOrZero(strings.ReplaceAll(m[1], ",", ""))
		r.FieldConfidence["total"] = 90
	}
	if m := genericSubtotal.FindStringSubmatch(text); m != nil {
		r.Subtotal = parseAmountOrZero(strings.ReplaceAll(m[1], ",", ""))
	}
	if m := genericTax.FindStringSubmatch(text); m != nil {
		r.Tax = parseAmountOrZero(strings.ReplaceAll(m[1], ",", ""))
	}
	return r
}

const visionPrompt = `Extract the vendor, date, total, subtotal, tax, and line items from this receipt image. Return a confidence 0-100 per scalar field.`

var visionSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "vendor": {"type": "string"},
    "date": {"type": "string"},
    "total": {"type": "string"},
    "subtotal": {"type": "string"},
    "tax": {"type": "string"},
    "line_items": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "description": {"type": "string"},
          "quantity": {"type": "number"},
          "unit_price": {"type": "string"},
          "line_total": {"type": "string"}
        }
      }
    },
    "confidence": {"type": "object", "additionalProperties": {"type": "integer"}}
  },
  "required": ["total", "line_items"]
}`)
