package scanning

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

const (
	defaultGeminiModel = "gemini-2.5-flash"
	geminiTimeout      = 30 * time.Second
)

// Gemini reads receipts with a Google Gemini vision model
type Gemini struct {
	client  *genai.Client
	model   *genai.GenerativeModel
	name    string
	timeout time.Duration
	now     func() time.Time
}

// NewGemini creates a Gemini scanner primed to read receipts
func NewGemini(apiKey string, modelName string) (*Gemini, error) {
	if apiKey == "" {
		return nil, errors.New("gemini api key is required")
	}
	if modelName == "" {
		modelName = defaultGeminiModel
	}

	client, err := genai.NewClient(context.Background(), option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}

	model := client.GenerativeModel(modelName)
	model.SetTemperature(0)
	model.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(scannerRole)},
	}

	return &Gemini{
		client:  client,
		model:   model,
		name:    "gemini/" + modelName,
		timeout: geminiTimeout,
		now:     time.Now,
	}, nil
}

// ScanReceipt sends the document as a PNG and parses the model's JSON reply
func (g *Gemini) ScanReceipt(imageData []byte, contentType string) (*ReceiptData, error) {
	pngData, _, err := prepareImageData(imageData, contentType)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), g.timeout)
	defer cancel()

	// genai.ImageData takes the format suffix, not the MIME type
	resp, err := g.model.GenerateContent(ctx,
		genai.ImageData("png", pngData),
		genai.Text(receiptScanPrompt),
	)
	if err != nil {
		return nil, fmt.Errorf("asking %s: %w", g.name, err)
	}

	reply := candidateText(resp)
	if reply == "" {
		return nil, fmt.Errorf("empty reply from %s", g.name)
	}

	data, err := parseReceiptJSON(reply, g.now())
	if err != nil {
		return nil, fmt.Errorf("parsing receipt data: %w", err)
	}
	return data, nil
}

// candidateText joins the text parts of the first candidate
func candidateText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			sb.WriteString(string(text))
		}
	}
	return strings.TrimSpace(sb.String())
}

// Name identifies the engine and model
func (g *Gemini) Name() string {
	return g.name
}

// Close closes the Gemini client
func (g *Gemini) Close() error {
	return g.client.Close()
}
