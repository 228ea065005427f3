package publish

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/updraft-io/updraft/core/catalog"
	"github.com/updraft-io/updraft/core/infra/bus"
	"github.com/updraft-io/updraft/core/infra/config"
	"github.com/updraft-io/updraft/core/infra/locks"
	"github.com/updraft-io/updraft/core/infra/logging"
	"github.com/updraft-io/updraft/core/infra/metrics"
	"github.com/updraft-io/updraft/core/infra/secrets"
	"github.com/updraft-io/updraft/core/permission"
	"github.com/updraft-io/updraft/core/update"
)

const (
	publishResource = "publish"
	publishLockTTL  = 5 * time.Minute
)

// Invalidator drops cached catalog state after a publish lands.
type Invalidator interface {
	InvalidateAll(ctx context.Context) error
}

// Result describes a landed publish.
type Result struct {
	Key         string              `json:"key"`
	ContentType catalog.ContentType `json:"type"`
	ContentID   string              `json:"id"`
	File        string              `json:"file"`
	URL         string              `json:"url"`
	CatalogPath string              `json:"catalog_path"`
}

// Publisher lands approved updates in the content repository. Publishes are
// serialized through an exclusive lock; the working clone is ephemeral and
// discarded whether or not the push lands.
type Publisher struct {
	profile   *config.Profile
	transport Transport
	store     update.Store
	locks     locks.Store
	inval     Invalidator
	http      *http.Client
	metrics   metrics.UpdateMetrics
	events    bus.Sink
}

// PublisherOptions collects the publisher's collaborators.
type PublisherOptions struct {
	Profile   *config.Profile
	Transport Transport
	Store     update.Store
	Locks     locks.Store
	Inval     Invalidator
	Metrics   metrics.UpdateMetrics
	Events    bus.Sink
	HTTP      *http.Client
}

// NewPublisher builds a publisher. Nil metrics and events default to no-ops.
func NewPublisher(opts PublisherOptions) *Publisher {
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
	return &Publisher{
		profile:   opts.Profile,
		transport: opts.Transport,
		store:     opts.Store,
		locks:     opts.Locks,
		inval:     opts.Inval,
		http:      httpClient,
		metrics:   m,
		events:    events,
	}
}

// Publish lands an approved pending update: clone the repo, re-host the
// artifact if its source is ephemeral, rewrite the catalog entry, commit as
// the bot and push. Success deletes the pending record and invalidates the
// catalog cache; a failed push leaves the pending record intact so approval
// can be retried.
func (p *Publisher) Publish(ctx context.Context, actor permission.Identity, pending *update.PendingUpdate) (*Result, error) {
	started := time.Now()
	result, err := p.publish(ctx, pending)
	p.metrics.ObservePublishDuration(time.Since(started).Seconds())
	if err != nil {
		p.metrics.IncPublishes(outcomeFor(err))
		return nil, err
	}
	p.metrics.IncPublishes("published")

	if delErr := p.store.Delete(ctx, pending.Key); delErr != nil {
		logging.Error("publish", "delete pending after publish failed", "key", pending.Key, "error", delErr)
	}
	if p.inval != nil {
		if invErr := p.inval.InvalidateAll(ctx); invErr != nil {
			logging.Error("publish", "catalog invalidation failed", "key", pending.Key, "error", invErr)
		}
	}
	p.emit(bus.SubjectCatalogInvalidate, bus.Event{Type: "catalog.invalidate", Key: pending.Key})
	p.emit(bus.SubjectUpdatePublished, bus.Event{
		Type:        "update.published",
		Key:         pending.Key,
		ContentType: string(pending.ContentType),
		ContentID:   pending.ContentID,
		File:        pending.File,
		Actor:       actor.ID,
	})
	logging.Info("publish", "update published",
		"key", pending.Key, "type", pending.ContentType, "id", pending.ContentID, "file", pending.File, "actor", actor.ID)
	return result, nil
}

func (p *Publisher) publish(ctx context.Context, pending *update.PendingUpdate) (*Result, error) {
	owner := uuid.NewString()
	if _, err := locks.AcquireWait(ctx, p.locks, publishResource, owner, publishLockTTL); err != nil {
		return nil, fmt.Errorf("acquire publish lock: %w", err)
	}
	defer func() {
		if _, err := p.locks.Release(context.WithoutCancel(ctx), publishResource, owner); err != nil {
			logging.Error("publish", "release publish lock failed", "error", err)
		}
	}()

	workdir, err := os.MkdirTemp("", "updraft-publish-*")
	if err != nil {
		return nil, fmt.Errorf("create workdir: %w", err)
	}
	defer os.RemoveAll(workdir)

	// The clone and the artifact re-download are independent; run them
	// concurrently the way the publish has always worked.
	var (
		wg       sync.WaitGroup
		cloneErr error
		artifact []byte
		fetchErr error
	)
	rehost := p.profile.IsEphemeral(pending.URL)
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.progress(pending, "cloning repository")
		cloneErr = p.transport.Clone(ctx, workdir)
	}()
	if rehost {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.progress(pending, "re-downloading artifact from ephemeral host")
			artifact, fetchErr = p.fetchArtifact(ctx, pending.URL)
		}()
	}
	wg.Wait()
	if cloneErr != nil {
		return nil, update.Wrap(update.CodePushFailed, cloneErr, "clone failed")
	}
	if fetchErr != nil {
		return nil, update.Wrap(update.CodeFetchFailed, fetchErr, "re-download %s", secrets.RedactURL(pending.URL))
	}

	finalURL := pending.URL
	if rehost {
		storageDir := p.storageDir(pending.ContentType)
		rel := filepath.Join(storageDir, pending.File)
		dst := filepath.Join(workdir, rel)
		if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
			return nil, fmt.Errorf("create storage dir: %w", err)
		}
		if err := os.WriteFile(dst, artifact, 0o644); err != nil { // #nosec G306 -- repo content is public
			return nil, fmt.Errorf("write re-hosted artifact: %w", err)
		}
		finalURL = p.profile.RawURL(storageDir + "/" + pending.File)
	}

	catalogPath := p.catalogPath(pending)
	p.progress(pending, "rewriting catalog entry")
	if err := p.rewriteCatalog(workdir, catalogPath, pending, finalURL); err != nil {
		return nil, err
	}

	message := fmt.Sprintf("Update %s to %s", pending.ContentID, pending.File)
	p.progress(pending, "committing")
	if err := p.transport.CommitAll(ctx, workdir, message); err != nil {
		return nil, update.Wrap(update.CodePushFailed, err, "commit failed")
	}
	p.progress(pending, "pushing")
	if err := p.transport.Push(ctx, workdir); err != nil {
		return nil, update.Wrap(update.CodePushFailed, err, "push failed")
	}

	return &Result{
		Key:         pending.Key,
		ContentType: pending.ContentType,
		ContentID:   pending.ContentID,
		File:        pending.File,
		URL:         finalURL,
		CatalogPath: catalogPath,
	}, nil
}

// rewriteCatalog mutates the target entry in place, leaving every field the
// pipeline does not model untouched.
func (p *Publisher) rewriteCatalog(workdir, catalogPath string, pending *update.PendingUpdate, finalURL string) error {
	full := filepath.Join(workdir, filepath.FromSlash(catalogPath))
	data, err := os.ReadFile(full) // #nosec G304 -- path comes from the profile
	if err != nil {
		return fmt.Errorf("read catalog %s: %w", catalogPath, err)
	}
	list, err := catalog.ParseList(data)
	if err != nil {
		return fmt.Errorf("catalog %s: %w", catalogPath, err)
	}
	entry, ok := list.Find(pending.ContentType, pending.ContentID)
	if !ok {
		return update.Errf(update.CodeRecordVanished,
			"%s %q is no longer in %s", pending.ContentType, pending.ContentID, catalogPath)
	}
	entry["url"] = finalURL
	entry["file"] = pending.File
	entry["hash"] = pending.Hash
	out, err := list.MarshalStable()
	if err != nil {
		return err
	}
	if err := os.WriteFile(full, out, 0o644); err != nil { // #nosec G306
		return fmt.Errorf("write catalog %s: %w", catalogPath, err)
	}
	return nil
}

func (p *Publisher) catalogPath(pending *update.PendingUpdate) string {
	switch {
	case pending.ContentType == catalog.TypePack:
		return p.profile.Catalogs.Packs
	case pending.Beta:
		return p.profile.Catalogs.ModsBeta
	default:
		return p.profile.Catalogs.Mods
	}
}

func (p *Publisher) storageDir(contentType catalog.ContentType) string {
	if contentType == catalog.TypePack {
		return p.profile.Storage.Packs
	}
	return p.profile.Storage.Mods
}

func (p *Publisher) fetchArtifact(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", p.profile.Repo.UserAgent)
	resp, err := p.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func (p *Publisher) progress(pending *update.PendingUpdate, message string) {
	p.emit(bus.SubjectUpdateProgress, bus.Event{
		Type:      "update.progress",
		Key:       pending.Key,
		ContentID: pending.ContentID,
		Message:   message,
	})
}

func (p *Publisher) emit(subject string, evt bus.Event) {
	if err := p.events.Publish(subject, evt); err != nil {
		logging.Error("publish", "event publish failed", "subject", subject, "error", err)
	}
}

func outcomeFor(err error) string {
	var coded *update.Error
	if errors.As(err, &coded) {
		return string(coded.Code)
	}
	return "error"
}
