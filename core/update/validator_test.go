package update

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/updraft-io/updraft/core/catalog"
	"github.com/updraft-io/updraft/core/infra/config"
	"github.com/updraft-io/updraft/core/permission"
)

type stubCatalogs struct {
	primary catalog.RawList
	beta    catalog.RawList
	err     error
}

func (s stubCatalogs) List(_ context.Context, _ catalog.ContentType, beta bool) (catalog.RawList, error) {
	if s.err != nil {
		return nil, s.err
	}
	if beta {
		return s.beta, nil
	}
	return s.primary, nil
}

type stubResolver struct {
	set permission.CapabilitySet
	err error
}

func (s stubResolver) Resolve(context.Context, permission.Identity) (permission.CapabilitySet, error) {
	return s.set, s.err
}

func allowAll() stubResolver {
	return stubResolver{set: permission.CapabilitySet{All: true}}
}

// memStore is an in-memory Store for validator and gate tests.
type memStore struct {
	mu sync.Mutex
	m  map[string]*PendingUpdate
}

func newMemStore() *memStore {
	return &memStore{m: make(map[string]*PendingUpdate)}
}

func (s *memStore) Put(_ context.Context, p *PendingUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	s.m[p.Key] = &cp
	return nil
}

func (s *memStore) Get(_ context.Context, key string) (*PendingUpdate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.m[key]
	if !ok {
		return nil, Errf(CodeNotFound, "no pending update %q", key)
	}
	cp := *p
	return &cp, nil
}

func (s *memStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, key)
	return nil
}

func (s *memStore) List(_ context.Context) ([]*PendingUpdate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*PendingUpdate, 0, len(s.m))
	for _, p := range s.m {
		cp := *p
		out = append(out, &cp)
	}
	return out, nil
}

func (s *memStore) Mutate(_ context.Context, key string, fn func(*PendingUpdate) error) (*PendingUpdate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.m[key]
	if !ok {
		return nil, Errf(CodeNotFound, "no pending update %q", key)
	}
	if err := fn(p); err != nil {
		return nil, err
	}
	cp := *p
	return &cp, nil
}

func (s *memStore) Sweep(_ context.Context, maxAge time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().Add(-maxAge)
	swept := 0
	for key, p := range s.m {
		if p.CreatedAt.Before(cutoff) {
			delete(s.m, key)
			swept++
		}
	}
	return swept, nil
}

func (s *memStore) Close() error { return nil }

func validatorProfile(t *testing.T) *config.Profile {
	t.Helper()
	p, err := config.ParseProfile([]byte(`
repo:
  url: https://github.com/example/catalog
  bot_name: catalog-bot
  bot_email: bot@example.com
  raw_base_url: https://raw.example.com/catalog/main
`))
	if err != nil {
		t.Fatalf("expected profile to parse: %v", err)
	}
	return p
}

func artifactServer(t *testing.T, payload []byte) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(payload)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestValidator(t *testing.T, catalogs CatalogSource, resolver PermissionResolver, store Store) *Validator {
	t.Helper()
	return NewValidator(ValidatorOptions{
		Profile:   validatorProfile(t),
		Catalogs:  catalogs,
		Resolver:  resolver,
		Store:     store,
		PushToken: "token",
	})
}

func modEntry(forgeID, file, url, hash string) map[string]any {
	return map[string]any{"id": "example-mod", "forge_id": forgeID, "file": file, "url": url, "hash": hash}
}

func TestSubmitHappyPath(t *testing.T) {
	payload := zipBytes(t, map[string]string{"mcmod.info": `[{"modid": "realid"}]`})
	srv := artifactServer(t, payload)
	store := newMemStore()
	v := newTestValidator(t,
		stubCatalogs{primary: catalog.RawList{modEntry("realid", "Example-1.0.jar", "https://old.example.com/Example-1.0.jar", "oldhash")}},
		allowAll(), store)

	pending, err := v.Submit(context.Background(), permission.Identity{ID: "user-1"}, Submission{
		ContentType: catalog.TypeMod,
		URL:         srv.URL + "/downloads/Example-1.1.jar",
		ForgeID:     "callerid",
	})
	if err != nil {
		t.Fatalf("expected submit to succeed: %v", err)
	}
	if pending.Key == "" {
		t.Fatal("expected a confirmation key")
	}
	if pending.File != "Example-1.1.jar" {
		t.Fatalf("unexpected filename: %q", pending.File)
	}
	sum := md5.Sum(payload)
	if pending.Hash != hex.EncodeToString(sum[:]) {
		t.Fatalf("unexpected md5: %q", pending.Hash)
	}
	if pending.Sha256 == "" {
		t.Fatal("expected sha256 digest")
	}
	if pending.ContentID != "realid" {
		t.Fatalf("expected archive modid to become the content id, got %q", pending.ContentID)
	}
	if pending.Initiator != "user-1" {
		t.Fatalf("unexpected initiator: %q", pending.Initiator)
	}
	if _, err := store.Get(context.Background(), pending.Key); err != nil {
		t.Fatalf("expected record to be stored: %v", err)
	}
}

func TestSubmitModLookupByForgeID(t *testing.T) {
	srv := artifactServer(t, zipBytes(t, map[string]string{"mcmod.info": `[{"modid": "examplemod"}]`}))
	v := newTestValidator(t, stubCatalogs{
		primary: catalog.RawList{{"forge_id": "examplemod", "file": "example-1.0.jar", "hash": "aaaa"}},
	}, allowAll(), newMemStore())

	pending, err := v.Submit(context.Background(), permission.Identity{ID: "user-1"}, Submission{
		ContentType: catalog.TypeMod,
		URL:         srv.URL + "/example-1.1.jar",
	})
	if err != nil {
		t.Fatalf("expected forge id lookup to find the record: %v", err)
	}
	if pending.ContentID != "examplemod" {
		t.Fatalf("unexpected content id: %q", pending.ContentID)
	}
}

func TestSubmitRequiresCredential(t *testing.T) {
	v := NewValidator(ValidatorOptions{
		Profile:  validatorProfile(t),
		Catalogs: stubCatalogs{},
		Resolver: allowAll(),
		Store:    newMemStore(),
	})
	_, err := v.Submit(context.Background(), permission.Identity{ID: "user-1"}, Submission{
		ContentType: catalog.TypeMod, ContentID: "example-mod", URL: "https://example.com/a.jar",
	})
	if !errors.Is(err, ErrCredentialMissing) {
		t.Fatalf("expected credential missing, got %v", err)
	}
}

func TestSubmitMalformedInput(t *testing.T) {
	v := newTestValidator(t, stubCatalogs{}, allowAll(), newMemStore())
	ctx := context.Background()
	ident := permission.Identity{ID: "user-1"}

	cases := []Submission{
		{ContentType: "plugin", URL: "https://example.com/a.jar"},
		{ContentType: catalog.TypePack, ContentID: "  ", URL: "https://example.com/a.zip"},
		{ContentType: catalog.TypeMod, URL: "ftp://example.com/a.jar"},
		{ContentType: catalog.TypeMod, URL: "not a url"},
	}
	for i, sub := range cases {
		if _, err := v.Submit(ctx, ident, sub); !errors.Is(err, ErrMalformedInput) {
			t.Fatalf("case %d: expected malformed input, got %v", i, err)
		}
	}
}

func TestSubmitUnauthorizedReportsAllowed(t *testing.T) {
	srv := artifactServer(t, zipBytes(t, map[string]string{"mcmod.info": `[{"modid": "othermod"}]`}))
	resolver := stubResolver{set: permission.CapabilitySet{
		Mods: map[string]struct{}{"allowed-mod": {}},
	}}
	v := newTestValidator(t, stubCatalogs{}, resolver, newMemStore())
	_, err := v.Submit(context.Background(), permission.Identity{ID: "user-1"}, Submission{
		ContentType: catalog.TypeMod, URL: srv.URL + "/a.jar",
	})
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	var coded *Error
	if !errors.As(err, &coded) {
		t.Fatalf("expected coded error, got %T", err)
	}
	if !strings.Contains(coded.Message, "othermod") {
		t.Fatalf("expected the archive modid to drive the denial, got %q", coded.Message)
	}
	if !strings.Contains(coded.Message, "allowed-mod") {
		t.Fatalf("expected allowed set in message, got %q", coded.Message)
	}
}

func TestSubmitFetchFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()
	v := newTestValidator(t, stubCatalogs{}, allowAll(), newMemStore())
	_, err := v.Submit(context.Background(), permission.Identity{ID: "user-1"}, Submission{
		ContentType: catalog.TypeMod, URL: srv.URL + "/gone.jar",
	})
	if !errors.Is(err, ErrFetchFailed) {
		t.Fatalf("expected fetch failed, got %v", err)
	}
}

func TestSubmitCorruptArchive(t *testing.T) {
	srv := artifactServer(t, []byte("plain text"))
	v := newTestValidator(t, stubCatalogs{}, allowAll(), newMemStore())
	_, err := v.Submit(context.Background(), permission.Identity{ID: "user-1"}, Submission{
		ContentType: catalog.TypeMod, URL: srv.URL + "/a.jar",
	})
	if !errors.Is(err, ErrCorruptArchive) {
		t.Fatalf("expected corrupt archive, got %v", err)
	}
}

func TestSubmitPackRequiresPackMeta(t *testing.T) {
	srv := artifactServer(t, zipBytes(t, map[string]string{"assets/thing.png": "x"}))
	v := newTestValidator(t, stubCatalogs{}, allowAll(), newMemStore())
	_, err := v.Submit(context.Background(), permission.Identity{ID: "user-1"}, Submission{
		ContentType: catalog.TypePack, ContentID: "example-pack", URL: srv.URL + "/a.zip",
	})
	if !errors.Is(err, ErrCorruptArchive) {
		t.Fatalf("expected corrupt archive for pack without pack.mcmeta, got %v", err)
	}
}

func TestSubmitMissingIdentifier(t *testing.T) {
	srv := artifactServer(t, zipBytes(t, map[string]string{"mcmod.info": `not json`}))
	v := newTestValidator(t, stubCatalogs{}, allowAll(), newMemStore())
	_, err := v.Submit(context.Background(), permission.Identity{ID: "user-1"}, Submission{
		ContentType: catalog.TypeMod, URL: srv.URL + "/a.jar",
	})
	if !errors.Is(err, ErrMissingIdentifier) {
		t.Fatalf("expected missing identifier, got %v", err)
	}
}

func TestSubmitCallerForgeIDFallback(t *testing.T) {
	srv := artifactServer(t, zipBytes(t, map[string]string{"other.txt": "x"}))
	v := newTestValidator(t, stubCatalogs{
		primary: catalog.RawList{modEntry("callerid", "Example-1.0.jar", "https://old.example.com/a.jar", "oldhash")},
	}, allowAll(), newMemStore())

	pending, err := v.Submit(context.Background(), permission.Identity{ID: "user-1"}, Submission{
		ContentType: catalog.TypeMod, URL: srv.URL + "/Example-1.1.jar", ForgeID: "callerid",
	})
	if err != nil {
		t.Fatalf("expected submit to succeed: %v", err)
	}
	if pending.ContentID != "callerid" {
		t.Fatalf("expected caller forge id to be kept, got %q", pending.ContentID)
	}
}

func TestSubmitUnknownContentID(t *testing.T) {
	srv := artifactServer(t, zipBytes(t, map[string]string{"mcmod.info": `[{"modid": "examplemod"}]`}))
	v := newTestValidator(t, stubCatalogs{primary: catalog.RawList{}}, allowAll(), newMemStore())
	_, err := v.Submit(context.Background(), permission.Identity{ID: "user-1"}, Submission{
		ContentType: catalog.TypeMod, URL: srv.URL + "/a.jar",
	})
	if !errors.Is(err, ErrUnknownContentID) {
		t.Fatalf("expected unknown content id, got %v", err)
	}
}

func TestSubmitBetaFallsBackToPrimary(t *testing.T) {
	srv := artifactServer(t, zipBytes(t, map[string]string{"mcmod.info": `[{"modid": "examplemod"}]`}))
	v := newTestValidator(t, stubCatalogs{
		primary: catalog.RawList{modEntry("examplemod", "Example-1.0.jar", "https://old.example.com/a.jar", "oldhash")},
		beta:    catalog.RawList{},
	}, allowAll(), newMemStore())

	pending, err := v.Submit(context.Background(), permission.Identity{ID: "user-1"}, Submission{
		ContentType: catalog.TypeMod, URL: srv.URL + "/Example-1.1.jar", Beta: true,
	})
	if err != nil {
		t.Fatalf("expected beta submit to fall back to primary catalog: %v", err)
	}
	if !pending.Beta {
		t.Fatal("expected beta flag to persist")
	}
}

func TestSubmitNoChange(t *testing.T) {
	payload := zipBytes(t, map[string]string{"mcmod.info": `[{"modid": "examplemod"}]`})
	srv := artifactServer(t, payload)
	sum := md5.Sum(payload)
	url := srv.URL + "/Example-1.0.jar"
	v := newTestValidator(t, stubCatalogs{
		primary: catalog.RawList{modEntry("examplemod", "Example-1.0.jar", url, hex.EncodeToString(sum[:]))},
	}, allowAll(), newMemStore())

	_, err := v.Submit(context.Background(), permission.Identity{ID: "user-1"}, Submission{
		ContentType: catalog.TypeMod, URL: url,
	})
	if !errors.Is(err, ErrNoChange) {
		t.Fatalf("expected no change, got %v", err)
	}
}

func TestSubmitMissingExtension(t *testing.T) {
	srv := artifactServer(t, zipBytes(t, map[string]string{"mcmod.info": `[{"modid": "examplemod"}]`}))
	v := newTestValidator(t, stubCatalogs{
		primary: catalog.RawList{modEntry("examplemod", "Example-1.0.jar", "https://old.example.com/a.jar", "oldhash")},
	}, allowAll(), newMemStore())

	_, err := v.Submit(context.Background(), permission.Identity{ID: "user-1"}, Submission{
		ContentType: catalog.TypeMod, URL: srv.URL + "/download", FileOverride: "noextension",
	})
	if !errors.Is(err, ErrMissingExtension) {
		t.Fatalf("expected missing extension, got %v", err)
	}
}

func TestSubmitExtensionChanged(t *testing.T) {
	srv := artifactServer(t, zipBytes(t, map[string]string{"mcmod.info": `[{"modid": "examplemod"}]`}))
	v := newTestValidator(t, stubCatalogs{
		primary: catalog.RawList{modEntry("examplemod", "Example-1.0.jar", "https://old.example.com/a.jar", "oldhash")},
	}, allowAll(), newMemStore())

	_, err := v.Submit(context.Background(), permission.Identity{ID: "user-1"}, Submission{
		ContentType: catalog.TypeMod, URL: srv.URL + "/Example-1.1.zip",
	})
	if !errors.Is(err, ErrExtensionChanged) {
		t.Fatalf("expected extension changed, got %v", err)
	}
}

func TestSubmitExtensionAppeared(t *testing.T) {
	srv := artifactServer(t, zipBytes(t, map[string]string{"mcmod.info": `[{"modid": "examplemod"}]`}))
	v := newTestValidator(t, stubCatalogs{
		primary: catalog.RawList{modEntry("examplemod", "Example-1.0", "https://old.example.com/a", "oldhash")},
	}, allowAll(), newMemStore())

	_, err := v.Submit(context.Background(), permission.Identity{ID: "user-1"}, Submission{
		ContentType: catalog.TypeMod, URL: srv.URL + "/Example-1.1.jar",
	})
	if !errors.Is(err, ErrExtensionChanged) {
		t.Fatalf("expected extension changed when the record had none, got %v", err)
	}
}

func TestSubmitDecodesFilename(t *testing.T) {
	srv := artifactServer(t, zipBytes(t, map[string]string{"mcmod.info": `[{"modid": "examplemod"}]`}))
	v := newTestValidator(t, stubCatalogs{
		primary: catalog.RawList{modEntry("examplemod", "Example Mod-1.0.jar", "https://old.example.com/a.jar", "oldhash")},
	}, allowAll(), newMemStore())

	pending, err := v.Submit(context.Background(), permission.Identity{ID: "user-1"}, Submission{
		ContentType: catalog.TypeMod, URL: srv.URL + "/Example%20Mod-1.1.jar",
	})
	if err != nil {
		t.Fatalf("expected submit to succeed: %v", err)
	}
	if pending.File != "Example Mod-1.1.jar" {
		t.Fatalf("expected percent-decoded filename, got %q", pending.File)
	}
}
