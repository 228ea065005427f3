package catalog

import (
	"embed"
	"fmt"

	"github.com/updraft-io/updraft/core/infra/schema"
)

//go:embed schema/*.json
var schemaFS embed.FS

const (
	contentSchemaFile = "schema/content.schema.json"
	permsSchemaFile   = "schema/perms.schema.json"
)

func validateContent(name string, data []byte) error {
	body, err := schemaFS.ReadFile(contentSchemaFile)
	if err != nil {
		return fmt.Errorf("load catalog schema: %w", err)
	}
	if err := schema.ValidateBytes(name, body, data); err != nil {
		return fmt.Errorf("catalog %s: %w", name, err)
	}
	return nil
}

func validatePerms(data []byte) error {
	body, err := schemaFS.ReadFile(permsSchemaFile)
	if err != nil {
		return fmt.Errorf("load permission schema: %w", err)
	}
	if err := schema.ValidateBytes("perms", body, data); err != nil {
		return fmt.Errorf("permission catalog: %w", err)
	}
	return nil
}
