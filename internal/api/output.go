package api

import (
	"encoding/json"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// OutputFormat defines the output format for CLI commands.
type OutputFormat string

const (
	OutputFormatYAML OutputFormat = "yaml"
	OutputFormatJSON OutputFormat = "json"
)

// globalOutputFormat is set by the root command's --output flag.
var globalOutputFormat = OutputFormatYAML

// SetOutputFormat sets the global output format. Unknown names fall back to YAML.
func SetOutputFormat(format string) {
	switch OutputFormat(format) {
	case OutputFormatJSON:
		globalOutputFormat = OutputFormatJSON
	default:
		globalOutputFormat = OutputFormatYAML
	}
}

// GetOutputFormat returns the current global output format.
func GetOutputFormat() OutputFormat {
	return globalOutputFormat
}

// Output writes data to w in the configured format.
func Output(w io.Writer, data any) error {
	return OutputTo(w, globalOutputFormat, data)
}

// OutputTo writes data to w in the given format.
func OutputTo(w io.Writer, format OutputFormat, data any) error {
	switch format {
	case OutputFormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(data)
	case OutputFormatYAML:
		// Round-trip through JSON so YAML keys follow the json tags.
		raw, err := json.Marshal(data)
		if err != nil {
			return err
		}
		var generic any
		if err := json.Unmarshal(raw, &generic); err != nil {
			return err
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(generic)
	default:
		return fmt.Errorf("unknown output format: %s", format)
	}
}
