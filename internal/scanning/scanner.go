package scanning

import "errors"

// ErrDisabled is returned by the Disabled scanner
var ErrDisabled = errors.New("receipt scanning is disabled")

// LineItem is one purchased line read off a receipt
type LineItem struct {
	Name  string   `json:"name"`
	Price *float64 `json:"price"`
}

// ReceiptData contains extracted information from a receipt
type ReceiptData struct {
	Shop         string     `json:"shop"`
	PurchaseDate string     `json:"purchase_date"` // YYYY-Mon-DD
	TotalAmount  *float64   `json:"total_amount"`
	Items        []LineItem `json:"items"`
	RawText      string     `json:"raw_text"`
}

// Scanner defines the interface for receipt scanning operations
type Scanner interface {
	// ScanReceipt analyzes a receipt image/PDF and extracts metadata
	ScanReceipt(imageData []byte, contentType string) (*ReceiptData, error)
	// Name identifies the scanning engine
	Name() string
	// Close closes the scanner and releases resources
	Close() error
}

// Disabled is a Scanner that never extracts anything
type Disabled struct{}

func (Disabled) ScanReceipt([]byte, string) (*ReceiptData, error) {
	return nil, ErrDisabled
}

func (Disabled) Name() string { return "none" }

func (Disabled) Close() error { return nil }
