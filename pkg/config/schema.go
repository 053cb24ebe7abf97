package config

import (
	"fmt"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// checkSchema unifies the assembled configuration with the #Config
// definition. The definition is closed, so a field added to the Go
// struct without a schema entry fails here rather than slipping past
// validation.
func checkSchema(c *Config) error {
	ctx := cuecontext.New()
	schema := ctx.CompileString(configSchema)
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}
	def := schema.LookupPath(cue.ParsePath("#Config"))
	if err := def.Err(); err != nil {
		return fmt.Errorf("lookup #Config: %w", err)
	}

	encoded := ctx.Encode(c)
	if err := encoded.Err(); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	unified := def.Unify(encoded)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("config schema: %w", err)
	}
	return nil
}

// configSchema constrains the encoded configuration. Durations appear
// as integer nanoseconds because that is how they encode.
const configSchema = `
#Config: {
	quickbooks: {
		// Company file path, AUTO, or PROMPT
		company_file: string

		// Session access mode
		access_mode: "dont_care" | "single_user" | "multi_user"

		// Integration identity
		application_id:   string
		application_name: string & !=""

		// ProgID probe list override, newest first
		interface_revisions?: [...string & !=""]

		// Per-call budget in nanoseconds
		call_timeout: int & >0
	}

	sheets: {
		// Deployed web-app endpoint
		webapp_url: string & !=""

		// Pre-shared key sent with each payload
		api_key: string & !=""

		// Per-request budget in nanoseconds
		request_timeout: int & >0
	}

	sync: {
		// Watch-mode cadence in nanoseconds
		interval: int & >0

		// Account-to-cell bindings
		blocks: [#Block, ...#Block]
	}

	fallback: {
		enabled: bool
	}

	store: {
		// History database file, empty disables history
		path: string
	}

	lease: {
		// Run-guard lease file
		path: string & !=""

		// Lease staleness horizon in nanoseconds
		ttl: int & >0
	}

	logging: {
		level:     "trace" | "debug" | "info" | "warn" | "error" | "fatal"
		format:    "console" | "json"
		output:    string & !=""
		timestamp: "unix" | "unixms" | "rfc3339"
	}

	metrics: {
		enabled:        bool
		listen_address: string & !=""
	}

	tracing: {
		enabled:       bool
		exporter:      "otlp" | "stdout" | "none"
		endpoint:      string
		sampling_rate: number & >=0 & <=1
		insecure:      bool
	}
}

#Block: {
	// Colon-delimited full account name
	account: string & !=""

	// Destination spreadsheet
	spreadsheet_id: string & !=""

	// Destination tab, sink default when empty
	sheet_name: string

	// A1-style destination cell
	cell: string & =~"^[A-Za-z]+[0-9]+$"
}
`
