/**
 * LLM line item reconstruction
 *
 * Last-resort extraction strategy: when both the geometric and pattern
 * strategies fail to produce a believable set of line items, the raw
 * OCR text goes to a chat model in JSON mode together with whatever
 * header fields were read. The model's answer is only accepted when it
 * reports enough confidence in its own reading; anything weaker is
 * discarded so a hallucinated invoice never outranks an honest failure.
 */

package clients

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	ierrors "github.com/owlin/extraction-worker/internal/errors"
	"github.com/owlin/extraction-worker/internal/logging"
	"github.com/owlin/extraction-worker/internal/processor"
)

const systemPrompt = `You are an invoice data extraction engine. You receive noisy OCR text ` +
	`from a supplier invoice or till receipt. Extract the line items exactly as printed. ` +
	`Never invent items that are not in the text. Respond with JSON only, matching this shape:
{
  "line_items": [
    {"description": "...", "quantity": 1.0, "unit_price": 2.50, "line_total": 2.50}
  ],
  "confidence": 0.0
}
Use null for any field you cannot read. Set "confidence" between 0 and 1 to reflect how ` +
	`much of the document you could actually read, not how complete your answer looks.`

// LLMReconstructor calls a chat model to rebuild line items from raw text
type LLMReconstructor struct {
	client        openai.Client
	model         string
	minConfidence float64
	logger        *logging.Logger
}

// NewLLMReconstructor creates a reconstructor. Returns nil when no API
// key is configured; callers treat a nil reconstructor as "fallback
// disabled".
func NewLLMReconstructor(apiKey, model string, minConfidence float64) *LLMReconstructor {
	if apiKey == "" {
		return nil
	}
	return &LLMReconstructor{
		client:        openai.NewClient(option.WithAPIKey(apiKey)),
		model:         model,
		minConfidence: minConfidence,
		logger:        logging.NewLogger("llm-reconstructor"),
	}
}

type llmLineItem struct {
	Description string   `json:"description"`
	Quantity    *float64 `json:"quantity"`
	UnitPrice   *float64 `json:"unit_price"`
	LineTotal   *float64 `json:"line_total"`
}

type llmResponse struct {
	LineItems  []llmLineItem `json:"line_items"`
	Confidence interface{}   `json:"confidence"`
}

// Reconstruct asks the model for line items. Returns the items and the
// model's self-reported confidence; an error or a low-confidence answer
// yields no items, and the caller keeps whatever it had before.
func (r *LLMReconstructor) Reconstruct(ctx context.Context, documentID, rawText string, header processor.HeaderFields) ([]processor.LineItem, float64, error) {
	user := buildUserPrompt(rawText, header)

	params := openai.ChatCompletionNewParams{
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(user),
		},
		Model:       r.model,
		Temperature: openai.Float(0),
	}
	params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
		OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
	}

	completion, err := r.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, 0, ierrors.NewLLMFailedError(documentID, fmt.Errorf("chat completion failed: %w", err))
	}
	if len(completion.Choices) == 0 {
		return nil, 0, ierrors.NewLLMFailedError(documentID, fmt.Errorf("chat completion returned no choices"))
	}

	content := strings.TrimSpace(completion.Choices[0].Message.Content)
	var parsed llmResponse
	if err := json.Unmarshal([]byte(content), &parsed); err != nil {
		return nil, 0, ierrors.NewLLMFailedError(documentID, fmt.Errorf("model returned invalid JSON: %w", err))
	}

	conf := processor.NormalizeConfidence(parsed.Confidence)
	if conf < r.minConfidence {
		r.logger.Warn("Discarding low-confidence reconstruction",
			"document_id", documentID, "model_confidence", conf)
		return nil, conf, nil
	}

	items := make([]processor.LineItem, 0, len(parsed.LineItems))
	for _, li := range parsed.LineItems {
		desc := strings.TrimSpace(li.Description)
		if desc == "" && li.LineTotal == nil {
			continue
		}
		item := processor.LineItem{
			Description: desc,
			Quantity:    li.Quantity,
			UnitPrice:   li.UnitPrice,
			LineTotal:   li.LineTotal,
			Confidence:  conf,
		}
		item.AddFlag(processor.FlagLLMReconstructed)
		if desc == "" {
			item.AddFlag(processor.FlagMissingDescription)
		}
		items = append(items, item)
	}

	r.logger.Info("Reconstruction accepted",
		"document_id", documentID, "items", len(items), "model_confidence", conf)
	return items, conf, nil
}

func buildUserPrompt(rawText string, header processor.HeaderFields) string {
	var sb strings.Builder
	sb.WriteString("OCR text:\n")
	sb.WriteString(rawText)
	sb.WriteString("\n\nKnown header fields:\n")

	if header.SupplierName != "" {
		fmt.Fprintf(&sb, "supplier: %s\n", header.SupplierName)
	}
	if header.Subtotal != nil {
		fmt.Fprintf(&sb, "stated subtotal: %.2f\n", *header.Subtotal)
	}
	if header.GrandTotal != nil {
		fmt.Fprintf(&sb, "stated total: %.2f\n", *header.GrandTotal)
	}
	sb.WriteString("\nThe extracted line items should be consistent with the stated totals.")
	return sb.String()
}
