// Package config loads the host-side settings of the pull client.
//
// Settings are layered: built-in defaults, then every file passed to
// Loader.AddLayer (YAML or JSON, later layers win key by key), then
// environment variables, then optional validation.
//
// # Basic Usage
//
//	loader := config.NewLoader()
//	loader.AddLayer("pull.yaml")
//	loader.AddLayer("pull.production.yaml")
//	loader.EnableValidation(true)
//
//	settings, err := loader.Load()
//	if err != nil {
//	    log.Fatal(err)
//	}
//
// # Environment Overrides
//
// Every field can be overridden as PULL_<SECTION>_<FIELD> using the yaml
// names, for example:
//
//	PULL_REST_BASE_URL=https://portal.example.com/rest/
//	PULL_RECONNECT_MAX_DELAY=5m
//	PULL_TRANSPORT_SOCKET_BLOCK_TTL=2d
//	PULL_QUEUE_ENABLED=true
//
// Durations use Go syntax plus a "d" suffix for days. In files durations
// must be quoted Go duration strings ("90s", "29m").
//
// # Security
//
// Layer files are limited to 1MB, must have a .yaml, .yml or .json
// extension, must not contain ".." path elements and may not nest deeper
// than 32 levels.
//
// Validation failures are classified invalid and match
// errors.ErrInvalidConfig.
package config
