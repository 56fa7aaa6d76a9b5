package recording

import (
	"encoding/json"
	"fmt"
	"os"

	jsonschema "github.com/swaggest/jsonschema-go"
)

// WriteSchema reflects the recording entry format into a JSON schema file so
// output directories document the contract their recording.log satisfies.
func WriteSchema(path string) error {
	reflector := jsonschema.Reflector{}
	schema, err := reflector.Reflect(Entry{})
	if err != nil {
		return fmt.Errorf("failed to reflect recording schema: %w", err)
	}
	data, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal recording schema: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0644); err != nil {
		return fmt.Errorf("failed to write recording schema: %w", err)
	}
	return nil
}
