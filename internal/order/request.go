// Package order turns order_summary tool calls into placed, paid orders and
// the confirmation the caller hears.
package order

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/gowebpki/jcs"
	"github.com/kaptinlin/jsonschema"

	"github.com/MrWong99/callrelay/pkg/provider/llm"
)

// ToolName is the function name the agent calls to report an order.
const ToolName = "order_summary"

// ErrInvalidRequest is returned for tool input that cannot be settled.
var ErrInvalidRequest = errors.New("order: invalid request")

// Status is the lifecycle flag the agent attaches to an order.
type Status string

const (
	StatusInProgress Status = "IN PROGRESS"
	StatusDone       Status = "DONE"
)

// Item is one ordered line.
type Item struct {
	Name      string `json:"name"`
	Quantity  int    `json:"quantity"`
	Variation string `json:"variation,omitempty"`
}

// Request is a parsed order_summary call. TotalPrice is nil when the agent
// omitted it.
type Request struct {
	Items      []Item   `json:"items"`
	TotalPrice *float64 `json:"total_price"`
	Status     Status   `json:"summary"`
}

// Done reports whether the caller finished ordering.
func (r Request) Done() bool { return r.Status == StatusDone }

// toolParameters is the JSON Schema offered to the agent and enforced on
// every call it makes.
var toolParameters = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"items": map[string]any{
			"type":        "array",
			"description": "List of items in the order",
			"items": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"name":      map[string]any{"type": "string", "description": "The name of the menu item"},
					"quantity":  map[string]any{"type": "integer", "description": "The quantity of the item ordered"},
					"variation": map[string]any{"type": "string", "description": "Any variations or customizations of the item"},
				},
				"required": []any{"name", "quantity"},
			},
		},
		"total_price": map[string]any{"type": "number", "description": "The total price of the order before tax"},
		"summary": map[string]any{
			"type":        "string",
			"enum":        []any{string(StatusInProgress), string(StatusDone)},
			"description": "The status of the order",
		},
	},
	"required": []any{"items", "summary"},
}

// ToolDefinition returns the order_summary function offered to the agent.
func ToolDefinition() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name:        ToolName,
		Description: "Create a summary of the customer's food order including items, quantities, and variations.",
		Parameters:  toolParameters,
	}
}

var requestSchema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	raw, err := json.Marshal(toolParameters)
	if err != nil {
		panic(err)
	}
	s, err := jsonschema.NewCompiler().Compile(raw)
	if err != nil {
		panic(fmt.Sprintf("order: compile tool schema: %v", err))
	}
	return s
}

// ParseRequest validates raw tool input against the tool schema and decodes
// it. The returned digest is the SHA-256 of the RFC 8785 canonical form, so
// the same order sent with different key order or spacing has one digest.
func ParseRequest(raw json.RawMessage) (Request, string, error) {
	if res := requestSchema.ValidateJSON(raw); !res.IsValid() {
		var msgs []string
		for field, e := range res.Errors {
			msgs = append(msgs, fmt.Sprintf("%s: %s", field, e.Message))
		}
		return Request{}, "", fmt.Errorf("%w: %s", ErrInvalidRequest, strings.Join(msgs, "; "))
	}

	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return Request{}, "", fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	digest, err := Digest(raw)
	if err != nil {
		return Request{}, "", err
	}
	return req, digest, nil
}

// Digest returns the hex SHA-256 of raw's canonical JSON form.
func Digest(raw []byte) (string, error) {
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("order: canonicalize: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
