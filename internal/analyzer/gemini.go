package analyzer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const DefaultGeminiModel = "gemini-1.5-flash-latest"

type GeminiBackend struct {
	client    *genai.Client
	modelName string
}

func NewGeminiBackend(ctx context.Context, apiKey, modelName string) (*GeminiBackend, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	if modelName == "" {
		modelName = DefaultGeminiModel
	}
	return &GeminiBackend{client: client, modelName: modelName}, nil
}

func (g *GeminiBackend) Close() error {
	return g.client.Close()
}

func (g *GeminiBackend) model(prompt string) *genai.GenerativeModel {
	model := g.client.GenerativeModel(g.modelName)
	model.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(prompt)},
	}
	model.SetMaxOutputTokens(8192)
	model.SetTemperature(1)
	model.SetTopP(0.95)
	model.ResponseMIMEType = "application/json"

	// Private chats are analysed, not generated, so only block high severity.
	model.SafetySettings = []*genai.SafetySetting{
		{Category: genai.HarmCategoryHarassment, Threshold: genai.HarmBlockOnlyHigh},
		{Category: genai.HarmCategoryHateSpeech, Threshold: genai.HarmBlockOnlyHigh},
		{Category: genai.HarmCategorySexuallyExplicit, Threshold: genai.HarmBlockOnlyHigh},
		{Category: genai.HarmCategoryDangerousContent, Threshold: genai.HarmBlockOnlyHigh},
	}
	return model
}

// Generate streams the completion and concatenates its text parts.
func (g *GeminiBackend) Generate(ctx context.Context, prompt, transcript string) (string, error) {
	iter := g.model(prompt).GenerateContentStream(ctx, genai.Text(transcript))

	var out strings.Builder
	for {
		resp, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return "", classifyGeminiError(err)
		}
		for _, cand := range resp.Candidates {
			if cand.Content == nil {
				continue
			}
			for _, part := range cand.Content.Parts {
				if txt, ok := part.(genai.Text); ok {
					out.WriteString(string(txt))
				}
			}
		}
	}
	if out.Len() == 0 {
		return "", malformed(fmt.Errorf("gemini returned no text"))
	}
	return out.String(), nil
}

func classifyGeminiError(err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case http.StatusTooManyRequests:
			return NewError(KindRateLimited, err)
		case http.StatusNotFound:
			return NewError(KindNotFound, err)
		}
	}
	switch status.Code(err) {
	case codes.ResourceExhausted:
		return NewError(KindRateLimited, err)
	case codes.NotFound:
		return NewError(KindNotFound, err)
	}
	return NewError(KindOther, fmt.Errorf("gemini stream failed: %w", err))
}
