package cmd

import (
	"fmt"
	"io"
	"reflect"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/jmylchreest/kvmd-streamer/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management commands",
	Long:  `Commands for managing kvmd-streamer configuration.`,
}

var configDumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Dump the default configuration",
	Long: `Dump the default configuration values in YAML format.

This shows all available configuration options with their default values.
You can redirect this output to a file to create a configuration template:

  kvmd-streamer config dump > config.yaml

Configuration can be set via:
  - Config file (./config.yaml, /etc/kvmd-streamer/config.yaml, or --config)
  - Environment variables (KVMD_STREAMER_STREAMER_TYPE, etc.)
  - Command-line flags (for some options)

Environment variables use the KVMD_STREAMER_ prefix and underscores for nesting.
Example: streamer.http.unix_path -> KVMD_STREAMER_STREAMER_HTTP_UNIX_PATH`,
	RunE: runConfigDump,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configDumpCmd)
}

// toMap converts a struct to a map keyed by mapstructure tags, formatting
// durations for human readability.
func toMap(v any) map[string]any {
	result := make(map[string]any)
	val := reflect.ValueOf(v)
	if val.Kind() == reflect.Ptr {
		val = val.Elem()
	}
	typ := val.Type()

	for i := 0; i < val.NumField(); i++ {
		field := val.Field(i)
		fieldType := typ.Field(i)

		key := fieldType.Tag.Get("mapstructure")
		if key == "" {
			key = fieldType.Name
		}

		switch v := field.Interface().(type) {
		case time.Duration:
			result[key] = v.String()
		default:
			if field.Kind() == reflect.Struct {
				result[key] = toMap(field.Interface())
			} else {
				result[key] = field.Interface()
			}
		}
	}
	return result
}

func runConfigDump(cmd *cobra.Command, _ []string) error {
	// Defaults, overlaid by a config file when one is found
	cfg, err := config.Load("")
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	return writeConfigDump(cmd.OutOrStdout(), cfg)
}

func writeConfigDump(w io.Writer, cfg *config.Config) error {
	yamlData, err := yaml.Marshal(toMap(cfg))
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	fmt.Fprintln(w, "# kvmd-streamer Configuration File")
	fmt.Fprintln(w, "# =================================")
	fmt.Fprintln(w, "#")
	fmt.Fprintln(w, "# All values shown below are defaults.")
	fmt.Fprintln(w, "# Duration format: 500ms, 2s, 1m")
	fmt.Fprintln(w, "#")
	fmt.Fprintln(w, "# Environment variable overrides:")
	fmt.Fprintln(w, "#   KVMD_STREAMER_STREAMER_TYPE, KVMD_STREAMER_STREAMER_NAME")
	fmt.Fprintln(w, "#   KVMD_STREAMER_STREAMER_HTTP_UNIX_PATH, KVMD_STREAMER_STREAMER_MEMSINK_OBJECT")
	fmt.Fprintln(w, "#   KVMD_STREAMER_LOGGING_LEVEL, KVMD_STREAMER_LOGGING_FORMAT")
	fmt.Fprintln(w, "#   etc.")
	fmt.Fprintln(w, "#")
	fmt.Fprintln(w, "")
	_, err = w.Write(yamlData)
	return err
}
