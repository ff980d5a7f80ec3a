package scanning

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"  // Register GIF decoder
	_ "image/jpeg" // Register JPEG decoder
	"image/png"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gen2brain/go-fitz"
	"github.com/gen2brain/heic"
)

// scannerRole primes every vision model before the prompt
const scannerRole = "You are an expert at reading receipts, invoices and warranty cards. You carefully read all text in images and extract accurate information."

// receiptScanPrompt is the shared prompt used by all LLM providers for scanning receipts
const receiptScanPrompt = `You are analyzing a purchase receipt, invoice or warranty card. Carefully read all text in the image and extract the following information:

1. **Shop**: the merchant, store or business name, usually the largest text in the header. Examples: "MediaMarkt", "IKEA", "Hornbach", "Albert Heijn".

2. **Purchase date**: the transaction or invoice date. Convert it to ISO 8601 format (YYYY-MM-DD).

3. **Total amount**: the final total or amount due, as a number (e.g. 42.75 for €42,75).

4. **Items**: up to 10 purchased lines with their name and price.

5. **Raw text**: the text you read, line by line.

Return ONLY valid JSON in this exact format:
{
  "shop": "Shop Name",
  "purchase_date": "YYYY-MM-DD",
  "total_amount": 0.00,
  "items": [{"name": "Item name", "price": 0.00}],
  "raw_text": "..."
}

Important:
- The date must be in YYYY-MM-DD format
- Amounts must be numbers (not strings)
- If you cannot find a field, use null for that field
- Do not include any text before or after the JSON
- Do not use markdown code blocks`

// detectMIME sniffs the real type of the data, trusting the declared type
// only when sniffing is inconclusive
func detectMIME(data []byte, declared string) string {
	declared = strings.ToLower(strings.TrimSpace(declared))
	if i := strings.Index(declared, ";"); i >= 0 {
		declared = strings.TrimSpace(declared[:i])
	}

	detected := mimetype.Detect(data)
	switch {
	case detected.Is("application/pdf"):
		return "application/pdf"
	case detected.Is("image/heic"), detected.Is("image/heif"),
		detected.Is("image/heic-sequence"), detected.Is("image/heif-sequence"):
		return "image/heic"
	case strings.HasPrefix(detected.String(), "image/"):
		return detected.String()
	}

	if declared == "" {
		return "image/jpeg"
	}
	return declared
}

// pdfToImage renders the first page of a PDF as PNG
func pdfToImage(pdfData []byte) ([]byte, error) {
	doc, err := fitz.NewFromMemory(pdfData)
	if err != nil {
		return nil, fmt.Errorf("opening PDF: %w", err)
	}
	defer doc.Close()

	// Receipts are almost always a single page
	img, err := doc.Image(0)
	if err != nil {
		return nil, fmt.Errorf("rendering PDF page: %w", err)
	}
	return encodePNG(img)
}

// imageToPNG decodes HEIC or any registered image format and re-encodes it as PNG
func imageToPNG(imageData []byte, mimeType string) ([]byte, error) {
	var (
		img image.Image
		err error
	)
	if mimeType == "image/heic" || mimeType == "image/heif" {
		img, err = heic.Decode(bytes.NewReader(imageData))
		if err != nil {
			return nil, fmt.Errorf("decoding HEIC/HEIF image: %w", err)
		}
		return encodePNG(img)
	}

	img, _, err = image.Decode(bytes.NewReader(imageData))
	if err != nil {
		return nil, fmt.Errorf("unsupported image format %s (supported: JPEG, PNG, GIF, HEIC, HEIF, PDF): %w", mimeType, err)
	}
	return encodePNG(img)
}

func encodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encoding PNG: %w", err)
	}
	return buf.Bytes(), nil
}

// prepareImageData converts whatever was uploaded into PNG bytes for the
// vision models. It reports whether a conversion took place.
func prepareImageData(imageData []byte, contentType string) ([]byte, bool, error) {
	mimeType := detectMIME(imageData, contentType)

	switch mimeType {
	case "image/png":
		return imageData, false, nil
	case "application/pdf":
		out, err := pdfToImage(imageData)
		if err != nil {
			return nil, false, fmt.Errorf("converting PDF to image: %w", err)
		}
		return out, true, nil
	default:
		out, err := imageToPNG(imageData, mimeType)
		if err != nil {
			return nil, false, fmt.Errorf("converting image to PNG: %w", err)
		}
		return out, true, nil
	}
}
