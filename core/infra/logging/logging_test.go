package logging

import (
	"bytes"
	"errors"
	"log"
	"strings"
	"testing"
)

func capture(fn func()) string {
	var buf bytes.Buffer
	old := log.Writer()
	log.SetOutput(&buf)
	defer log.SetOutput(old)
	fn()
	return buf.String()
}

func TestInfoFormatsFields(t *testing.T) {
	out := capture(func() {
		Info("publisher", "push complete", "content_id", "examplemod", "file", "example-1.1.jar")
	})
	if !strings.Contains(out, "[PUBLISHER] push complete content_id=examplemod file=example-1.1.jar") {
		t.Fatalf("unexpected log output: %q", out)
	}
}

func TestErrorPrefix(t *testing.T) {
	out := capture(func() {
		Error("gate", "approval rejected", "key", "abc")
	})
	if !strings.Contains(out, "[GATE] ERROR approval rejected key=abc") {
		t.Fatalf("unexpected log output: %q", out)
	}
}

func TestOddFieldCount(t *testing.T) {
	out := capture(func() {
		Info("store", "sweep", "deleted")
	})
	if !strings.Contains(out, "deleted=(missing)") {
		t.Fatalf("expected placeholder for missing value: %q", out)
	}
}

func TestFieldValueSanitized(t *testing.T) {
	out := capture(func() {
		Info("validator", "reject", "error", errors.New("line1\nline2\tend"))
	})
	if strings.Contains(out, "line1\nline2") || strings.Contains(out, "\tend") {
		t.Fatalf("newlines and tabs should be stripped from values: %q", out)
	}
}
