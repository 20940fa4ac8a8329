package media

import (
	"encoding/base64"
	"errors"
	"log/slog"
	"os"
	"strings"
	"testing"
)

func b64(n int) string {
	return base64.StdEncoding.EncodeToString(make([]byte, n))
}

func item(n int) Item {
	return Item{Filename: "photo.jpg", MimeType: "image/jpeg", Data: b64(n)}
}

func assertCode(t *testing.T, err error, code string) {
	t.Helper()
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected *ValidationError, got %v", err)
	}
	if verr.Code != code {
		t.Errorf("expected code %s, got %s", code, verr.Code)
	}
}

func TestValidateAccepts(t *testing.T) {
	res, err := Validate([]Item{item(1024), item(2048)})
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if res.AggregateBytes != 3072 {
		t.Errorf("aggregate = %d, want 3072", res.AggregateBytes)
	}
	if len(res.Warnings) != 0 {
		t.Errorf("unexpected warnings: %v", res.Warnings)
	}
}

func TestValidateWarnsAboveAdvisoryThreshold(t *testing.T) {
	// Exactly at the threshold: no warning.
	res, err := Validate([]Item{item(WarnBytes)})
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if len(res.Warnings) != 0 {
		t.Errorf("no warning expected at threshold, got %v", res.Warnings)
	}

	// One byte over: non-fatal warning.
	res, err = Validate([]Item{item(WarnBytes + 1)})
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if len(res.Warnings) != 1 {
		t.Errorf("expected 1 warning, got %v", res.Warnings)
	}
}

func TestValidateRejectsTooMany(t *testing.T) {
	items := make([]Item, 12)
	for i := range items {
		items[i] = item(16)
	}
	_, err := Validate(items)
	assertCode(t, err, CodeTooMany)
}

func TestValidateRejectsAggregateSize(t *testing.T) {
	items := []Item{item(3 * 1024 * 1024), item(2*1024*1024 + 1)}
	_, err := Validate(items)
	assertCode(t, err, CodeTooLarge)
}

func TestValidateRejectsUnsupportedMIME(t *testing.T) {
	_, err := Validate([]Item{{Filename: "x.exe", MimeType: "application/x-msdownload", Data: b64(16)}})
	assertCode(t, err, CodeUnsupportedMIME)
}

func TestValidateRejectsMalformedBase64(t *testing.T) {
	_, err := Validate([]Item{{Filename: "x.jpg", MimeType: "image/jpeg", Data: "!!!not-base64!!!"}})
	assertCode(t, err, CodeInvalidEncoding)
}

func TestStageAndCleanup(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	stager, err := NewStager(t.TempDir(), logger)
	if err != nil {
		t.Fatalf("NewStager: %v", err)
	}

	items := []Item{item(128), {Filename: "doc.pdf", MimeType: "application/pdf", Data: b64(256)}}
	staged, err := stager.Stage("sub-42", items)
	if err != nil {
		t.Fatalf("Stage: %v", err)
	}
	if len(staged) != 2 {
		t.Fatalf("expected 2 staged files, got %d", len(staged))
	}
	for i, f := range staged {
		if _, err := os.Stat(f.Path); err != nil {
			t.Errorf("staged file %d missing: %v", i, err)
		}
		if !strings.Contains(f.Path, "sub-42") {
			t.Errorf("staged path not keyed by submission id: %s", f.Path)
		}
	}
	if !strings.HasSuffix(staged[1].Path, ".pdf") {
		t.Errorf("extension not derived from MIME type: %s", staged[1].Path)
	}

	stager.Cleanup(staged)
	for _, f := range staged {
		if _, err := os.Stat(f.Path); !os.IsNotExist(err) {
			t.Errorf("staged file not removed: %s", f.Path)
		}
	}

	// Cleaning up twice is harmless.
	stager.Cleanup(staged)
}

func TestStageMalformedPayloadCleansPartial(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	stager, err := NewStager(t.TempDir(), logger)
	if err != nil {
		t.Fatalf("NewStager: %v", err)
	}

	items := []Item{item(128), {Filename: "bad.jpg", MimeType: "image/jpeg", Data: "%%%"}}
	if _, err := stager.Stage("sub-43", items); err == nil {
		t.Fatal("expected stage error")
	}

	entries, err := os.ReadDir(stager.Dir())
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("partial staging left %d files behind", len(entries))
	}
}
