package update

import (
	"context"
	"crypto/md5" // #nosec G501 -- catalog hashes are integrity fingerprints, not auth
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/updraft-io/updraft/core/catalog"
	"github.com/updraft-io/updraft/core/infra/bus"
	"github.com/updraft-io/updraft/core/infra/config"
	"github.com/updraft-io/updraft/core/infra/logging"
	"github.com/updraft-io/updraft/core/infra/metrics"
	"github.com/updraft-io/updraft/core/infra/secrets"
	"github.com/updraft-io/updraft/core/permission"
)

const maxArtifactSize = 512 << 20

// CatalogSource yields catalog listings for validation-time lookups.
type CatalogSource interface {
	List(ctx context.Context, contentType catalog.ContentType, beta bool) (catalog.RawList, error)
}

// PermissionResolver computes what an identity may update.
type PermissionResolver interface {
	Resolve(ctx context.Context, ident permission.Identity) (permission.CapabilitySet, error)
}

// Validator turns submissions into stored pending updates. Every submission
// runs the full gauntlet: credential presence, input shape, authorization,
// artifact download, archive inspection, catalog diff, and extension checks.
type Validator struct {
	profile   *config.Profile
	catalogs  CatalogSource
	resolver  PermissionResolver
	store     Store
	http      *http.Client
	pushToken string
	metrics   metrics.UpdateMetrics
	events    bus.Sink
}

// ValidatorOptions collects the validator's collaborators.
type ValidatorOptions struct {
	Profile   *config.Profile
	Catalogs  CatalogSource
	Resolver  PermissionResolver
	Store     Store
	PushToken string
	Metrics   metrics.UpdateMetrics
	Events    bus.Sink
	HTTP      *http.Client
}

// NewValidator builds a validator. Nil metrics and events default to no-ops.
func NewValidator(opts ValidatorOptions) *Validator {
	m := opts.Metrics
	if m == nil {
		m = metrics.Noop{}
	}
	events := opts.Events
	if events == nil {
		events = bus.Noop{}
	}
	httpClient := opts.HTTP
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 2 * time.Minute}
	}
	return &Validator{
		profile:   opts.Profile,
		catalogs:  opts.Catalogs,
		resolver:  opts.Resolver,
		store:     opts.Store,
		http:      httpClient,
		pushToken: opts.PushToken,
		metrics:   m,
		events:    events,
	}
}

// Submit validates a submission and, when everything passes, stores it as a
// pending update and returns the record including its confirmation key.
func (v *Validator) Submit(ctx context.Context, ident permission.Identity, sub Submission) (*PendingUpdate, error) {
	pending, err := v.submit(ctx, ident, sub)
	if err != nil {
		v.metrics.IncSubmissions(string(sub.ContentType), outcomeFor(err))
		return nil, err
	}
	v.metrics.IncSubmissions(string(sub.ContentType), "accepted")
	if pubErr := v.events.Publish(bus.SubjectUpdateSubmitted, bus.Event{
		Type:        "update.submitted",
		Key:         pending.Key,
		ContentType: string(pending.ContentType),
		ContentID:   pending.ContentID,
		File:        pending.File,
		Actor:       ident.ID,
	}); pubErr != nil {
		logging.Error("update", "publish submitted event failed", "key", pending.Key, "error", pubErr)
	}
	return pending, nil
}

func (v *Validator) submit(ctx context.Context, ident permission.Identity, sub Submission) (*PendingUpdate, error) {
	if v.pushToken == "" {
		return nil, Errf(CodeCredentialMissing, "repository push credential is not configured")
	}
	if !sub.ContentType.Valid() {
		return nil, Errf(CodeMalformedInput, "unknown content type %q", sub.ContentType)
	}
	if sub.ContentType == catalog.TypePack && strings.TrimSpace(sub.ContentID) == "" {
		return nil, Errf(CodeMalformedInput, "pack id is required")
	}
	parsed, err := url.Parse(sub.URL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return nil, Errf(CodeMalformedInput, "artifact url %q is not a valid http(s) url", secrets.RedactURL(sub.URL))
	}

	payload, err := v.fetchArtifact(ctx, sub.URL)
	if err != nil {
		return nil, err
	}
	md5sum := md5.Sum(payload) // #nosec G401
	sha := sha256.Sum256(payload)
	hash := hex.EncodeToString(md5sum[:])
	sha256hex := hex.EncodeToString(sha[:])

	info, err := inspectArchive(payload)
	if err != nil {
		return nil, err
	}
	contentID := strings.TrimSpace(sub.ContentID)
	switch sub.ContentType {
	case catalog.TypeMod:
		// A mod is identified by the modid its archive declares. The
		// caller's forge id only fills in when the archive has none.
		id := info.ForgeID
		if id == "" {
			id = strings.TrimSpace(sub.ForgeID)
		}
		if id == "" {
			return nil, Errf(CodeMissingIdentifier, "no mod identifier in mcmod.info and none supplied")
		}
		contentID = id
	case catalog.TypePack:
		if !info.HasPackMeta {
			return nil, Errf(CodeCorruptArchive, "archive has no pack.mcmeta, not a resource pack")
		}
	}

	caps, err := v.resolver.Resolve(ctx, ident)
	if err != nil {
		return nil, fmt.Errorf("submit: %w", err)
	}
	if !caps.Allows(sub.ContentType, contentID) {
		allowed := caps.AllowedIDs(sub.ContentType)
		return nil, Errf(CodeUnauthorized, "%s may not update %s %q (allowed: %s)",
			ident.ID, sub.ContentType, contentID, strings.Join(allowed, ", "))
	}

	file, err := resolveFilename(sub.URL, sub.FileOverride)
	if err != nil {
		return nil, err
	}

	existing, err := v.lookupExisting(ctx, sub.ContentType, contentID, sub.Beta)
	if err != nil {
		return nil, err
	}
	if existing.URL == sub.URL && existing.File == file && existing.Hash == hash {
		return nil, Errf(CodeNoChange, "%s %q already ships this exact artifact", sub.ContentType, contentID)
	}
	newExt := path.Ext(file)
	if newExt == "" {
		return nil, Errf(CodeMissingExtension, "filename %q has no extension", file)
	}
	if oldExt := path.Ext(existing.File); oldExt != newExt {
		return nil, Errf(CodeExtensionChanged, "extension may not change from %q to %q", oldExt, newExt)
	}

	pending := &PendingUpdate{
		Key:         uuid.NewString(),
		ContentType: sub.ContentType,
		ContentID:   contentID,
		URL:         sub.URL,
		File:        file,
		Hash:        hash,
		Sha256:      sha256hex,
		Beta:        sub.Beta,
		Initiator:   ident.ID,
		CreatedAt:   time.Now().UTC(),
	}
	if err := v.store.Put(ctx, pending); err != nil {
		return nil, fmt.Errorf("store pending update: %w", err)
	}
	logging.Info("update", "submission accepted",
		"key", pending.Key, "type", pending.ContentType, "id", pending.ContentID, "file", pending.File, "initiator", ident.ID)
	return pending, nil
}

// lookupExisting finds the current catalog record for the submission. Beta
// mod submissions fall back to the primary catalog when the id has no beta
// entry yet.
func (v *Validator) lookupExisting(ctx context.Context, contentType catalog.ContentType, contentID string, beta bool) (catalog.Record, error) {
	list, err := v.catalogs.List(ctx, contentType, beta)
	if err != nil {
		return catalog.Record{}, fmt.Errorf("load catalog: %w", err)
	}
	if rec, ok := list.Lookup(contentType, contentID); ok {
		return rec, nil
	}
	if contentType == catalog.TypeMod && beta {
		primary, err := v.catalogs.List(ctx, contentType, false)
		if err != nil {
			return catalog.Record{}, fmt.Errorf("load catalog: %w", err)
		}
		if rec, ok := primary.Lookup(contentType, contentID); ok {
			return rec, nil
		}
	}
	return catalog.Record{}, Errf(CodeUnknownContentID, "no %s with id %q in the catalog", contentType, contentID)
}

func (v *Validator) fetchArtifact(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, Wrap(CodeMalformedInput, err, "build artifact request")
	}
	req.Header.Set("User-Agent", v.profile.Repo.UserAgent)
	resp, err := v.http.Do(req)
	if err != nil {
		return nil, Wrap(CodeFetchFailed, err, "download %s", secrets.RedactURL(rawURL))
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, Errf(CodeFetchFailed, "download %s: status %d", secrets.RedactURL(rawURL), resp.StatusCode)
	}
	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxArtifactSize+1))
	if err != nil {
		return nil, Wrap(CodeFetchFailed, err, "read %s", secrets.RedactURL(rawURL))
	}
	if len(payload) > maxArtifactSize {
		return nil, Errf(CodeFetchFailed, "artifact exceeds %d bytes", maxArtifactSize)
	}
	return payload, nil
}

// resolveFilename picks the published filename: the caller override when
// given, the URL basename otherwise, percent-decoded either way.
func resolveFilename(rawURL, override string) (string, error) {
	name := override
	if name == "" {
		parsed, err := url.Parse(rawURL)
		if err != nil {
			return "", Wrap(CodeMalformedInput, err, "parse artifact url")
		}
		name = path.Base(parsed.Path)
	}
	decoded, err := url.PathUnescape(name)
	if err == nil {
		name = decoded
	}
	name = path.Base(name)
	if name == "" || name == "." || name == "/" {
		return "", Errf(CodeMalformedInput, "could not derive a filename from %q", rawURL)
	}
	return name, nil
}

func outcomeFor(err error) string {
	var coded *Error
	if errors.As(err, &coded) {
		return string(coded.Code)
	}
	return "error"
}
