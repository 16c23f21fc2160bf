// Package config provides configuration loading, merging, and path
// management for the NWB conversion orchestrator.
//
// # Configuration Loading
//
// Load implements a three-tier strategy that merges configuration from
// multiple sources in priority order, lowest first:
//
//  1. Global config (~/.config/nwbflow/nwbflow.{json,jsonc,yaml})
//  2. Project config (<directory>/.nwbflow/nwbflow.{json,jsonc,yaml})
//  3. Environment variables (highest precedence)
//
// A .env file in the working directory is loaded via godotenv before any
// of the above, so its values behave like ordinary process environment
// variables.
//
// # Supported Formats
//
//   - nwbflow.json  - standard JSON
//   - nwbflow.jsonc - JSON with comments, stripped via tidwall/jsonc
//   - nwbflow.yaml  - YAML
//
// # Configuration Merging
//
// Later layers overwrite scalar fields and replace slices wholesale for
// fields that are set; the Provider map is merged entry by entry.
// Zero-valued fields in a later layer never erase a value already
// established by an earlier one.
//
// # Path Management
//
// Paths follows the XDG Base Directory Specification:
//   - Data:   ~/.local/share/nwbflow (XDG_DATA_HOME)
//   - Config: ~/.config/nwbflow (XDG_CONFIG_HOME)
//   - Cache:  ~/.cache/nwbflow (XDG_CACHE_HOME)
//   - State:  ~/.local/state/nwbflow (XDG_STATE_HOME)
//
// On Windows these resolve under APPDATA.
//
// # Environment Variable Overrides
//
//   - NWBFLOW_UPLOAD_DIR  - overrides Config.UploadDir
//   - NWBFLOW_OUTPUT_DIR  - overrides Config.OutputDir
//   - ANTHROPIC_API_KEY   - sets Provider["anthropic"].APIKey if unset
//   - OPENAI_API_KEY      - sets Provider["openai"].APIKey if unset
package config
