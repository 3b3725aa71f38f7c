package config

// Schema closes the configuration: CUE files may only set these fields.
const Schema = `
#Config: {
	root?:      string & !=""
	cache_dir?: string & !=""

	packages?: {
		naming?:        "theme" | "any"
		manifest_type?: string
	}

	cache?: {
		store?:      "file" | "sqlite" | "memory"
		mode?:       "deferred" | "passive"
		validation?: "immediate" | "passive"
	}

	repository?: {
		keep_null?:  bool
		keep_empty?: bool
	}

	namespaces?: [...string & =~"^[^/\\\\]+$"]

	policy?: {
		paths?: [...string & !=""]
		builtin?: bool
		watch?:   bool
	}

	telemetry?: {
		service_name?:    string
		service_version?: string
		environment?:     string
		logging?: {
			level?:         "trace" | "debug" | "info" | "warn" | "error" | "fatal"
			format?:        "console" | "json"
			output?:        string
			enable_caller?: bool
			time_format?:   string
		}
		tracing?: {...}
		metrics?: {...}
		events?: {...}
	}
}
`
