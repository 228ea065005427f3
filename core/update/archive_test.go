package update

import (
	"archive/zip"
	"bytes"
	"errors"
	"testing"
)

func zipBytes(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for name, body := range files {
		f, err := w.Create(name)
		if err != nil {
			t.Fatalf("expected zip entry %s: %v", name, err)
		}
		if _, err := f.Write([]byte(body)); err != nil {
			t.Fatalf("expected zip write %s: %v", name, err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("expected zip close: %v", err)
	}
	return buf.Bytes()
}

func TestInspectArchiveModInfo(t *testing.T) {
	payload := zipBytes(t, map[string]string{
		"mcmod.info":          `[{"modid": "examplemod", "name": "Example"}]`,
		"assets/example.json": "{}",
	})
	info, err := inspectArchive(payload)
	if err != nil {
		t.Fatalf("expected inspect to succeed: %v", err)
	}
	if info.ForgeID != "examplemod" {
		t.Fatalf("unexpected forge id: %q", info.ForgeID)
	}
	if info.HasPackMeta {
		t.Fatal("expected no pack.mcmeta")
	}
}

func TestInspectArchiveModListWrapper(t *testing.T) {
	payload := zipBytes(t, map[string]string{
		"mcmod.info": `{"modList": [{"modid": "wrapped"}]}`,
	})
	info, err := inspectArchive(payload)
	if err != nil {
		t.Fatalf("expected inspect to succeed: %v", err)
	}
	if info.ForgeID != "wrapped" {
		t.Fatalf("unexpected forge id: %q", info.ForgeID)
	}
}

func TestInspectArchiveMalformedModInfo(t *testing.T) {
	payload := zipBytes(t, map[string]string{
		"mcmod.info": `not json at all`,
	})
	info, err := inspectArchive(payload)
	if err != nil {
		t.Fatalf("expected malformed mcmod.info to be tolerated: %v", err)
	}
	if info.ForgeID != "" {
		t.Fatalf("expected empty forge id, got %q", info.ForgeID)
	}
}

func TestInspectArchivePackMeta(t *testing.T) {
	payload := zipBytes(t, map[string]string{
		"pack.mcmeta": `{"pack": {"pack_format": 1}}`,
	})
	info, err := inspectArchive(payload)
	if err != nil {
		t.Fatalf("expected inspect to succeed: %v", err)
	}
	if !info.HasPackMeta {
		t.Fatal("expected pack.mcmeta to be detected")
	}
}

func TestInspectArchiveNotZip(t *testing.T) {
	_, err := inspectArchive([]byte("plain text, not an archive"))
	if !errors.Is(err, ErrCorruptArchive) {
		t.Fatalf("expected corrupt archive error, got %v", err)
	}
}
