package scanning

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const (
	canonicalDate = "2006-Jan-02"
	maxLineItems  = 10
)

// dateLayouts are tried in order when a model ignores the requested format
var dateLayouts = []string{
	"2006-01-02",
	"2006-Jan-2",
	"2006/01/02",
	"02.01.2006",
	"01/02/2006",
	"02-01-2006",
	"2 Jan 2006",
	"Jan 2, 2006",
}

// parseReceiptJSON parses the JSON reply of a vision model. Unreadable dates
// fall back to now.
func parseReceiptJSON(text string, now time.Time) (*ReceiptData, error) {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSpace(text)

	// Find the JSON object boundaries - look for first { and last }
	startIdx := strings.Index(text, "{")
	if startIdx == -1 {
		return nil, fmt.Errorf("no JSON object found in response")
	}
	endIdx := strings.LastIndex(text, "}")
	if endIdx == -1 || endIdx < startIdx {
		return nil, fmt.Errorf("invalid JSON object in response")
	}
	text = text[startIdx : endIdx+1]

	var data ReceiptData
	if err := json.Unmarshal([]byte(text), &data); err != nil {
		return nil, fmt.Errorf("unmarshaling json: %w", err)
	}

	data.PurchaseDate = normalizeDate(data.PurchaseDate, now)

	data.Shop = strings.TrimSpace(data.Shop)
	if data.Shop == "" {
		data.Shop = "N/A"
	}

	items := make([]LineItem, 0, len(data.Items))
	for _, it := range data.Items {
		it.Name = strings.TrimSpace(it.Name)
		if it.Name == "" {
			continue
		}
		items = append(items, it)
		if len(items) == maxLineItems {
			break
		}
	}
	data.Items = items
	data.RawText = strings.TrimSpace(data.RawText)

	return &data, nil
}

// normalizeDate renders a date in the canonical YYYY-Mon-DD form, or today's
// date when it cannot be read
func normalizeDate(value string, now time.Time) string {
	value = strings.TrimSpace(value)
	for _, layout := range dateLayouts {
		if d, err := time.Parse(layout, value); err == nil {
			return d.Format(canonicalDate)
		}
	}
	return now.Format(canonicalDate)
}
