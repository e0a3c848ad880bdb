package middleware_test

import (
	"context"
	"testing"

	"github.com/aretw0/binlens/pkg/adapters/memory"
	"github.com/aretw0/binlens/pkg/persistence/middleware"
)

func TestRedactMiddleware_Masking(t *testing.T) {
	underlying := memory.NewArchive()
	mw, err := middleware.NewRedactMiddleware([]string{`/home/[^/]+`})
	if err != nil {
		t.Fatal(err)
	}
	redacted := mw(underlying)

	ctx := context.Background()
	rec := sampleRecord("pii-session")
	if err := redacted.Put(ctx, rec); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	if rec.Session.Config.Target != "/home/alice/firmware.bin" {
		t.Error("Middleware modified the caller's record")
	}

	stored, err := underlying.Get(ctx, rec.Session.ID)
	if err != nil {
		t.Fatalf("Underlying get failed: %v", err)
	}
	if stored.Session.Config.Target != "***/firmware.bin" {
		t.Errorf("Target should be masked, got: %q", stored.Session.Config.Target)
	}
	if stored.Session.Config.LibraryPaths[0].Path != "***/sysroot" {
		t.Errorf("Library path should be masked, got: %q", stored.Session.Config.LibraryPaths[0].Path)
	}
	if stored.Session.ExitReason != "cannot open ***/firmware.bin" {
		t.Errorf("Exit reason should be masked, got: %q", stored.Session.ExitReason)
	}
	if stored.Tally["use-after-free"] != 1 {
		t.Error("Tally shouldn't be touched")
	}
}

func TestRedactMiddleware_InvalidPattern(t *testing.T) {
	if _, err := middleware.NewRedactMiddleware([]string{"("}); err == nil {
		t.Error("Expected error for invalid pattern")
	}
}

func TestChain_RedactsBeforeEncrypting(t *testing.T) {
	underlying := memory.NewArchive()
	redact, err := middleware.NewRedactMiddleware([]string{"alice"})
	if err != nil {
		t.Fatal(err)
	}
	seal, err := middleware.NewEncryptionMiddleware(middleware.EncryptionConfig{ActiveKey: generateKey(t)})
	if err != nil {
		t.Fatal(err)
	}
	archive := middleware.Chain(underlying, redact, seal)

	ctx := context.Background()
	if err := archive.Put(ctx, sampleRecord("chained")); err != nil {
		t.Fatal(err)
	}
	// Reading through the chain opens the seal; redaction is permanent.
	got, err := archive.Get(ctx, "chained")
	if err != nil {
		t.Fatal(err)
	}
	if got.Session.Config.Target != "/home/***/firmware.bin" {
		t.Errorf("unexpected target %q", got.Session.Config.Target)
	}
}
