package nmmf

import "github.com/nmmf-db/nmmf/pkg/logging"

// Logger is the logging surface the core uses. There is no process-wide
// logger singleton (spec §9's redesign note): a Logger is passed in
// explicitly through Config and threaded to the store and indexing service.
type Logger = logging.Logger

// NewLogger builds the default Logger on top of a production zap config.
func NewLogger() Logger { return logging.New() }

// NewDevelopmentLogger builds a Logger tuned for local development: colored,
// human-readable console output.
func NewDevelopmentLogger() Logger { return logging.NewDevelopment() }

// NopLogger returns a Logger that discards all messages.
func NopLogger() Logger { return logging.Nop() }
