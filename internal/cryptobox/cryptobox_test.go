package cryptobox

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"

	"gwi.com/chat-insights/internal/logger"
	"gwi.com/chat-insights/internal/storage"
	"gwi.com/chat-insights/internal/store"
)

func newDecryptor(t *testing.T) (*Decryptor, *store.SQLiteStore, *storage.Local) {
	t.Helper()
	dir := t.TempDir()
	s, err := store.NewSQLiteStore(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	blobs, err := storage.NewLocal(filepath.Join(dir, "blobs"))
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	return NewDecryptor(s, blobs, logger.Nop()), s, blobs
}

func TestDecryptRoundTrip(t *testing.T) {
	t.Parallel()
	d, s, blobs := newDecryptor(t)
	ctx := context.Background()

	pub, err := d.GenerateKeys(ctx, "u1")
	if err != nil {
		t.Fatalf("GenerateKeys: %v", err)
	}
	user, err := s.GetUser(ctx, "u1")
	if err != nil || user.PublicKey != pub {
		t.Fatalf("user public key not stored: %v", err)
	}

	plain := []byte("[01/01/2024, 10:00:00] Alice: hello\n[01/01/2024, 10:01:00] Bob: hi 👋\n")
	sealed, err := Seal(pub, plain)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if err := blobs.Put(ctx, storage.EncryptedKey("u1", "f1"), sealed); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := d.Decrypt(ctx, "u1", "f1"); err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	got, err := blobs.Get(ctx, storage.DecryptedKey("u1", "f1"))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(got, plain) {
		t.Fatalf("plaintext = %q, want %q", got, plain)
	}
}

func TestDecryptWithoutKey(t *testing.T) {
	t.Parallel()
	d, _, _ := newDecryptor(t)
	if err := d.Decrypt(context.Background(), "nobody", "f1"); !errors.Is(err, ErrNoPrivateKey) {
		t.Fatalf("err = %v, want ErrNoPrivateKey", err)
	}
}

func TestOpenRejectsMalformedInput(t *testing.T) {
	t.Parallel()
	d, s, _ := newDecryptor(t)
	ctx := context.Background()
	pub, err := d.GenerateKeys(ctx, "u1")
	if err != nil {
		t.Fatalf("GenerateKeys: %v", err)
	}
	pemKey, _ := s.GetPrivateKey(ctx, "u1")
	priv, err := parsePrivateKey(pemKey)
	if err != nil {
		t.Fatalf("parsePrivateKey: %v", err)
	}
	sealed, err := Seal(pub, []byte("exactly sixteen!"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	tests := []struct {
		name  string
		input []byte
	}{
		{"short header", sealed[:4]},
		{"truncated key", sealed[:20]},
		{"unaligned body", sealed[:len(sealed)-3]},
	}
	for _, tt := range tests {
		if _, err := Open(priv, tt.input); !errors.Is(err, ErrMalformed) {
			t.Fatalf("%s: err = %v, want ErrMalformed", tt.name, err)
		}
	}

	if got, err := Open(priv, sealed); err != nil || string(got) != "exactly sixteen!" {
		t.Fatalf("Open = %q, %v", got, err)
	}
}
