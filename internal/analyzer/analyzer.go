// Package analyzer sends transcript segments to a generative model and
// validates what comes back.
package analyzer

import (
	"context"
	"errors"
	"fmt"

	"gwi.com/chat-insights/internal/logger"
	"gwi.com/chat-insights/internal/storage"
)

// Backend is a generative text model. Implementations tag their errors with
// a Kind via *Error so retries dispatch on kind.
type Backend interface {
	Generate(ctx context.Context, prompt, transcript string) (string, error)
}

type SegmentRef struct {
	UserID         string
	FileAnalysisID string
	Index          int
}

type Analyzer struct {
	backend Backend
	blobs   storage.BlobStore
	retrier *Retrier
	prompt  string
	log     *logger.Logger
}

func New(backend Backend, blobs storage.BlobStore, retrier *Retrier, log *logger.Logger) *Analyzer {
	return &Analyzer{
		backend: backend,
		blobs:   blobs,
		retrier: retrier,
		prompt:  Prompt,
		log:     log.With("component", "analyzer"),
	}
}

// AnalyzeSegment reads one segment blob and returns the validated model
// result for it.
func (a *Analyzer) AnalyzeSegment(ctx context.Context, ref SegmentRef) (Result, error) {
	var result Result
	err := a.retrier.Do(ctx, func(ctx context.Context) error {
		text, err := a.blobs.Get(ctx, storage.SegmentKey(ref.UserID, ref.FileAnalysisID, ref.Index))
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return NewError(KindNotFound, err)
			}
			return err
		}

		raw, err := a.backend.Generate(ctx, a.prompt, string(text))
		if err != nil {
			return err
		}
		parsed, err := ParseResult(raw)
		if err != nil {
			return err
		}
		result = parsed
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("segment %d: %w", ref.Index, err)
	}
	return result, nil
}
