package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/updraft-io/updraft/core/infra/schema"
)

// Profile describes the content repository the gateway publishes into.
type Profile struct {
	Repo struct {
		URL       string `yaml:"url"`
		Branch    string `yaml:"branch"`
		BotName   string `yaml:"bot_name"`
		BotEmail  string `yaml:"bot_email"`
		RawBase   string `yaml:"raw_base_url"`
		UserAgent string `yaml:"user_agent"`
	} `yaml:"repo"`

	Catalogs struct {
		Mods     string `yaml:"mods"`
		ModsBeta string `yaml:"mods_beta"`
		Packs    string `yaml:"packs"`
		Perms    string `yaml:"perms"`
	} `yaml:"catalogs"`

	Storage struct {
		Mods  string `yaml:"mods"`
		Packs string `yaml:"packs"`
	} `yaml:"storage"`

	// URL prefixes treated as ephemeral hosting; matching downloads are
	// re-hosted inside the repository during publish.
	EphemeralPrefixes []string `yaml:"ephemeral_prefixes"`

	CacheTTLSeconds   int64 `yaml:"cache_ttl_seconds"`
	PendingTTLSeconds int64 `yaml:"pending_ttl_seconds"`
}

const (
	defaultCacheTTL   = time.Hour
	defaultPendingTTL = 7 * 24 * time.Hour
)

// ParseProfile parses and validates a repository profile from YAML bytes.
func ParseProfile(data []byte) (*Profile, error) {
	if len(data) == 0 {
		return nil, errors.New("repository profile is empty")
	}
	if err := validateProfileSchema(data); err != nil {
		return nil, err
	}
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse repository profile: %w", err)
	}
	p.applyDefaults()
	if err := p.validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// LoadProfile reads a YAML repository profile from disk.
func LoadProfile(path string) (*Profile, error) {
	if path == "" {
		return nil, errors.New("repository profile path is empty")
	}
	// #nosec G304 -- profile path is operator-provided.
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read repository profile %s: %w", path, err)
	}
	return ParseProfile(data)
}

func (p *Profile) applyDefaults() {
	if p.Repo.Branch == "" {
		p.Repo.Branch = "main"
	}
	if p.Repo.UserAgent == "" {
		p.Repo.UserAgent = p.Repo.URL
	}
	if p.Catalogs.Mods == "" {
		p.Catalogs.Mods = "files/mods.json"
	}
	if p.Catalogs.ModsBeta == "" {
		p.Catalogs.ModsBeta = "files/mods_beta.json"
	}
	if p.Catalogs.Packs == "" {
		p.Catalogs.Packs = "files/packs.json"
	}
	if p.Catalogs.Perms == "" {
		p.Catalogs.Perms = "files/update_perms.json"
	}
	if p.Storage.Mods == "" {
		p.Storage.Mods = "files/mods"
	}
	if p.Storage.Packs == "" {
		p.Storage.Packs = "files/packs"
	}
	if p.CacheTTLSeconds <= 0 {
		p.CacheTTLSeconds = int64(defaultCacheTTL / time.Second)
	}
	if p.PendingTTLSeconds <= 0 {
		p.PendingTTLSeconds = int64(defaultPendingTTL / time.Second)
	}
}

// CacheTTL returns the catalog cache TTL.
func (p *Profile) CacheTTL() time.Duration {
	return time.Duration(p.CacheTTLSeconds) * time.Second
}

// PendingTTL returns the age at which abandoned proposals are swept.
func (p *Profile) PendingTTL() time.Duration {
	return time.Duration(p.PendingTTLSeconds) * time.Second
}

func (p *Profile) validate() error {
	if strings.TrimSpace(p.Repo.URL) == "" {
		return errors.New("repository profile: repo.url is required")
	}
	if strings.TrimSpace(p.Repo.BotName) == "" || strings.TrimSpace(p.Repo.BotEmail) == "" {
		return errors.New("repository profile: repo.bot_name and repo.bot_email are required")
	}
	if strings.TrimSpace(p.Repo.RawBase) == "" {
		return errors.New("repository profile: repo.raw_base_url is required")
	}
	return nil
}

// RawURL joins the raw-content base with a repository-relative path.
func (p *Profile) RawURL(path string) string {
	return strings.TrimSuffix(p.Repo.RawBase, "/") + "/" + strings.TrimPrefix(path, "/")
}

// IsEphemeral reports whether a source URL points at ephemeral hosting.
func (p *Profile) IsEphemeral(url string) bool {
	for _, prefix := range p.EphemeralPrefixes {
		if prefix != "" && strings.HasPrefix(url, prefix) {
			return true
		}
	}
	return false
}

func validateProfileSchema(data []byte) error {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse repository profile: %w", err)
	}
	schemaBody, err := profileSchemaFS.ReadFile(profileSchemaFile)
	if err != nil {
		return fmt.Errorf("load profile schema: %w", err)
	}
	if err := schema.ValidateSchema("profile", schemaBody, normalizeYAML(doc)); err != nil {
		return fmt.Errorf("repository profile: %w", err)
	}
	return nil
}

// normalizeYAML converts YAML map keys to strings so jsonschema accepts them.
func normalizeYAML(value any) any {
	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, child := range v {
			out[k] = normalizeYAML(child)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(v))
		for k, child := range v {
			out[fmt.Sprintf("%v", k)] = normalizeYAML(child)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, child := range v {
			out[i] = normalizeYAML(child)
		}
		return out
	default:
		return v
	}
}
