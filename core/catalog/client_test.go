package catalog

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/updraft-io/updraft/core/infra/config"
)

func testProfile(t *testing.T, rawBase string) *config.Profile {
	t.Helper()
	p, err := config.ParseProfile([]byte(`
repo:
  url: https://github.com/example/catalog
  bot_name: catalog-bot
  bot_email: bot@example.com
  raw_base_url: ` + rawBase + "\n"))
	if err != nil {
		t.Fatalf("expected profile to parse: %v", err)
	}
	return p
}

func TestClientMods(t *testing.T) {
	var gotAgent string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAgent = r.Header.Get("User-Agent")
		if r.URL.Path != "/files/mods.json" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`[{"id":"example-mod","file":"Example-1.0.jar","url":"https://example.com/e.jar","hash":"abc"}]`))
	}))
	defer srv.Close()

	client := NewClient(testProfile(t, srv.URL), NoopCache{})
	list, err := client.Mods(context.Background())
	if err != nil {
		t.Fatalf("expected mods fetch to succeed: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(list))
	}
	if gotAgent != "https://github.com/example/catalog" {
		t.Fatalf("expected user agent to be repo url, got %q", gotAgent)
	}
}

func TestClientListRoutesByType(t *testing.T) {
	paths := map[string]int{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths[r.URL.Path]++
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	client := NewClient(testProfile(t, srv.URL), NoopCache{})
	ctx := context.Background()
	if _, err := client.List(ctx, TypeMod, false); err != nil {
		t.Fatalf("expected mod list: %v", err)
	}
	if _, err := client.List(ctx, TypeMod, true); err != nil {
		t.Fatalf("expected beta mod list: %v", err)
	}
	if _, err := client.List(ctx, TypePack, true); err != nil {
		t.Fatalf("expected pack list: %v", err)
	}
	if paths["/files/mods.json"] != 1 || paths["/files/mods_beta.json"] != 1 || paths["/files/packs.json"] != 1 {
		t.Fatalf("unexpected fetch paths: %v", paths)
	}
	if _, err := client.List(ctx, ContentType("plugin"), false); err == nil {
		t.Fatal("expected error for unknown content type")
	}
}

func TestClientRejectsInvalidCatalog(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"file":"missing-id.jar"}]`))
	}))
	defer srv.Close()

	client := NewClient(testProfile(t, srv.URL), NoopCache{})
	if _, err := client.Mods(context.Background()); err == nil {
		t.Fatal("expected schema rejection for entry without id")
	}
}

func TestClientFetchStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := NewClient(testProfile(t, srv.URL), NoopCache{})
	if _, err := client.Packs(context.Background()); err == nil {
		t.Fatal("expected error for non-200 response")
	}
}

func TestClientPermissions(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/files/update_perms.json" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`{"role-mods":{"mods":["example-mod"]}}`))
	}))
	defer srv.Close()

	client := NewClient(testProfile(t, srv.URL), NoopCache{})
	perms, err := client.Permissions(context.Background())
	if err != nil {
		t.Fatalf("expected permissions fetch to succeed: %v", err)
	}
	if len(perms["role-mods"].Mods) != 1 {
		t.Fatalf("unexpected grants: %+v", perms)
	}
}
