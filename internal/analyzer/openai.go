package analyzer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/invopop/jsonschema"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/responses"
)

const DefaultOpenAIModel = "gpt-4o-mini"

// Strict structured output cannot express a map keyed by participant, so
// the OpenAI backend asks for a list and converts it to the keyed shape.
type openAIResponse struct {
	Participants []openAIParticipant `json:"participants" jsonschema:"required"`
}

type openAIParticipant struct {
	Name        string           `json:"name" jsonschema:"required"`
	Categories  []openAICategory `json:"categories" jsonschema:"required"`
	Personality string           `json:"personality" jsonschema:"required"`
}

type openAICategory struct {
	Name       string  `json:"name" jsonschema:"required"`
	Confidence float64 `json:"confidence" jsonschema:"required"`
}

var openAISchema = generateSchema[openAIResponse]()

const openAIShapeNote = `

Return the result as {"participants": [{"name": ..., "categories": [{"name": ..., "confidence": ...}], "personality": ...}]}
instead of an object keyed by name. Do not include Personality in categories.`

type OpenAIBackend struct {
	client openai.Client
	model  string
}

func NewOpenAIBackend(apiKey, model string) *OpenAIBackend {
	if model == "" {
		model = DefaultOpenAIModel
	}
	return &OpenAIBackend{client: openai.NewClient(option.WithAPIKey(apiKey)), model: model}
}

func (o *OpenAIBackend) Generate(ctx context.Context, prompt, transcript string) (string, error) {
	params := responses.ResponseNewParams{
		Model:           o.model,
		MaxOutputTokens: openai.Int(4000),
		Instructions:    openai.String(prompt + openAIShapeNote),
		Input: responses.ResponseNewParamsInputUnion{
			OfInputItemList: []responses.ResponseInputItemUnionParam{
				responses.ResponseInputItemParamOfMessage(transcript, responses.EasyInputMessageRoleUser),
			},
		},
		Text: responses.ResponseTextConfigParam{
			Format: responses.ResponseFormatTextConfigUnionParam{
				OfJSONSchema: &responses.ResponseFormatTextJSONSchemaConfigParam{
					Name:        "ChatAnalysis",
					Schema:      openAISchema,
					Strict:      openai.Bool(true),
					Description: openai.String("Per participant chat analysis"),
					Type:        "json_schema",
				},
			},
		},
	}

	resp, err := o.client.Responses.New(ctx, params)
	if err != nil {
		return "", classifyOpenAIError(err)
	}

	var out openAIResponse
	if err := decodeModelJSON(resp.OutputText(), &out); err != nil {
		return "", malformed(err)
	}
	keyed, err := out.keyed()
	if err != nil {
		return "", malformed(err)
	}
	return keyed, nil
}

// keyed re-encodes the list form into the participant-keyed JSON that
// ParseResult expects.
func (r openAIResponse) keyed() (string, error) {
	out := make(map[string]rawParticipant, len(r.Participants))
	for _, p := range r.Participants {
		cats := make([]rawCategory, 0, len(p.Categories)+1)
		for _, c := range p.Categories {
			conf := c.Confidence
			cats = append(cats, rawCategory{Name: c.Name, Confidence: &conf})
		}
		personality := p.Personality
		cats = append(cats, rawCategory{Name: personalityCategory, Value: &personality})
		out[p.Name] = rawParticipant{Categories: cats}
	}
	b, err := json.Marshal(out)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func classifyOpenAIError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case http.StatusTooManyRequests:
			return NewError(KindRateLimited, err)
		case http.StatusNotFound:
			return NewError(KindNotFound, err)
		}
	}
	return NewError(KindOther, fmt.Errorf("openai request failed: %w", err))
}

func generateSchema[T any]() map[string]interface{} {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties:  false,
		DoNotReference:             true,
		RequiredFromJSONSchemaTags: true,
	}
	var v T
	schema := reflector.Reflect(v)
	b, err := schema.MarshalJSON()
	if err != nil {
		panic(err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(b, &m); err != nil {
		panic(err)
	}
	ensureStrict(m)
	return m
}

// ensureStrict marks every object closed and all of its properties
// required, which strict mode demands.
func ensureStrict(schema map[string]interface{}) {
	if t, ok := schema["type"].(string); ok && t == "object" {
		schema["additionalProperties"] = false
		if props, ok := schema["properties"].(map[string]interface{}); ok {
			required := make([]string, 0, len(props))
			for name := range props {
				required = append(required, name)
			}
			schema["required"] = required
		}
	}
	if props, ok := schema["properties"].(map[string]interface{}); ok {
		for _, p := range props {
			if pm, ok := p.(map[string]interface{}); ok {
				ensureStrict(pm)
			}
		}
	}
	if items, ok := schema["items"].(map[string]interface{}); ok {
		ensureStrict(items)
	}
}
