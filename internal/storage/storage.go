// Package storage holds transcripts, decrypted text and segment blobs.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
)

var ErrNotFound = errors.New("storage: object not found")

type BlobStore interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	// Open streams an object. The caller closes the reader.
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	// DeletePrefix removes every object under prefix and reports how many.
	DeletePrefix(ctx context.Context, prefix string) (int, error)
}

func EncryptedKey(userID, fileAnalysisID string) string {
	return fmt.Sprintf("encrypted/%s/%s/_chat.encrypted", userID, fileAnalysisID)
}

func DecryptedKey(userID, fileAnalysisID string) string {
	return fmt.Sprintf("decrypted/%s/%s/_chat.txt", userID, fileAnalysisID)
}

// SegmentKey is 1-based.
func SegmentKey(userID, fileAnalysisID string, n int) string {
	return fmt.Sprintf("analyses/%s/%s/segment%d.txt", userID, fileAnalysisID, n)
}

// RunPrefixes lists the transient prefixes written by one pipeline run.
func RunPrefixes(userID, fileAnalysisID string) []string {
	return []string{
		fmt.Sprintf("encrypted/%s/%s/", userID, fileAnalysisID),
		fmt.Sprintf("decrypted/%s/%s/", userID, fileAnalysisID),
		fmt.Sprintf("analyses/%s/%s/", userID, fileAnalysisID),
	}
}
