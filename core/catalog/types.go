package catalog

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// ContentType distinguishes the two catalog families the gateway manages.
type ContentType string

const (
	TypeMod  ContentType = "mod"
	TypePack ContentType = "pack"
)

// Valid reports whether t names a known content type.
func (t ContentType) Valid() bool {
	return t == TypeMod || t == TypePack
}

// Record is the typed view of a catalog entry. Only the fields the update
// pipeline reads are surfaced; everything else rides along in the raw list.
type Record struct {
	ID      string `json:"id"`
	ForgeID string `json:"forge_id,omitempty"`
	File    string `json:"file"`
	URL     string `json:"url"`
	Hash    string `json:"hash"`
	Sha256  string `json:"sha256,omitempty"`
}

// RawList holds a catalog as parsed JSON objects. Publish-side mutation works
// on this form so fields the pipeline does not know about survive verbatim.
type RawList []map[string]any

// ParseList decodes a catalog document into its raw form.
func ParseList(data []byte) (RawList, error) {
	var list RawList
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	return list, nil
}

// Find returns the raw entry matching the identity key for the content
// type. Mods are identified by the forge id their archive declares, packs
// by an assigned id.
func (l RawList) Find(contentType ContentType, id string) (map[string]any, bool) {
	key := "id"
	if contentType == TypeMod {
		key = "forge_id"
	}
	for _, entry := range l {
		if s, ok := entry[key].(string); ok && s == id {
			return entry, true
		}
	}
	return nil, false
}

// Lookup returns the typed view of the matching entry.
func (l RawList) Lookup(contentType ContentType, id string) (Record, bool) {
	entry, ok := l.Find(contentType, id)
	if !ok {
		return Record{}, false
	}
	return recordFromRaw(entry), true
}

func recordFromRaw(entry map[string]any) Record {
	str := func(key string) string {
		s, _ := entry[key].(string)
		return s
	}
	return Record{
		ID:      str("id"),
		ForgeID: str("forge_id"),
		File:    str("file"),
		URL:     str("url"),
		Hash:    str("hash"),
		Sha256:  str("sha256"),
	}
}

// MarshalStable serializes a catalog back to the on-disk form: two-space
// indentation and a trailing newline, matching how the files are kept in git.
func (l RawList) MarshalStable() ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(l); err != nil {
		return nil, fmt.Errorf("serialize catalog: %w", err)
	}
	return buf.Bytes(), nil
}

// RoleGrant is one role's slice of the permission catalog.
type RoleGrant struct {
	All   bool     `json:"all,omitempty"`
	Mods  []string `json:"mods,omitempty"`
	Packs []string `json:"packs,omitempty"`
}

// Permissions maps role identifiers to the content they may update.
type Permissions map[string]RoleGrant

// ParsePermissions decodes the permission catalog.
func ParsePermissions(data []byte) (Permissions, error) {
	var perms Permissions
	if err := json.Unmarshal(data, &perms); err != nil {
		return nil, fmt.Errorf("parse permission catalog: %w", err)
	}
	return perms, nil
}
