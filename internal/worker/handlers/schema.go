package handlers

import (
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/mcarata/blueprints/internal/worker/store"
)

// Desired-config documents are author-controlled JSON; each framework gets
// a shape check before anything is written to disk or mounted into a
// container. The schemas are permissive on purpose: they pin the types of
// the keys the handlers read and leave the rest open.
var configSchemas = map[string]*jsonschema.Schema{
	store.FrameworkElizaOS: jsonschema.MustCompileString("elizaos-config.json", `{
		"type": "object",
		"properties": {
			"name":          {"type": "string"},
			"bio":           {"type": ["array", "string"]},
			"lore":          {"type": "array"},
			"knowledge":     {"type": "array"},
			"plugins":       {"type": "array", "items": {"type": "string"}},
			"modelProvider": {"type": "string"},
			"settings":      {"type": "object"}
		}
	}`),
	store.FrameworkOpenClaw: jsonschema.MustCompileString("openclaw-config.json", `{
		"type": "object",
		"properties": {
			"gateway": {
				"type": "object",
				"properties": {
					"auth": {
						"type": "object",
						"properties": {"token": {"type": "string"}}
					}
				}
			},
			"model":    {"type": "string"},
			"security": {"type": "object"}
		}
	}`),
	store.FrameworkPicoClaw: jsonschema.MustCompileString("picoclaw-config.json", `{
		"type": "object",
		"properties": {
			"agents":    {"type": "object"},
			"providers": {"type": "object"},
			"tools":     {"type": "object"},
			"identity":  {"type": "string"},
			"model":     {"type": "string"}
		}
	}`),
}

// ValidateConfig checks a decoded config document against its framework's
// schema. An empty document is always valid.
func ValidateConfig(framework string, doc Document) error {
	schema, ok := configSchemas[framework]
	if !ok {
		return fmt.Errorf("no config schema for framework %q", framework)
	}
	if err := schema.Validate(map[string]any(doc)); err != nil {
		return fmt.Errorf("invalid %s config: %w", framework, err)
	}
	return nil
}
