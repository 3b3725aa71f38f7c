// Package config loads the workspace configuration of strata.
//
// A workspace is configured by one file in its directory, looked up in
// this order: strata.yaml, strata.yml, strata.json, strata.cue. YAML and
// JSON files are decoded with gopkg.in/yaml.v3. CUE files are unified with
// the closed #Config schema before decoding, so unknown fields and values
// outside the allowed sets are reported with their position:
//
//	root:       "packages"
//	namespaces: ["resources", "assets"]
//	cache: {
//	    store:      "sqlite"
//	    validation: "passive"
//	}
//
// Defaults are applied after decoding, relative paths are resolved against
// the directory of the configuration file, and the environment variables
// STRATA_ROOT, STRATA_CACHE_DIR and LOG_LEVEL override the file. The result
// is validated with go-playground/validator struct tags.
package config
