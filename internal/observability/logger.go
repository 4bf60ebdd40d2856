package observability

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/fulmenhq/gofulmen/logging"
)

var (
	// CLILogger writes human-readable lines for CLI commands.
	CLILogger *logging.Logger

	// ServerLogger writes JSON records for the running simulator.
	ServerLogger *logging.Logger

	fallbackOnce   sync.Once
	fallbackLogger *logging.Logger
)

// LoggerOr returns l when set, otherwise the server logger, the CLI logger,
// or a console logger created on first use. Components take an optional
// logger and resolve it through here so tests need no global setup.
func LoggerOr(l *logging.Logger) *logging.Logger {
	switch {
	case l != nil:
		return l
	case ServerLogger != nil:
		return ServerLogger
	case CLILogger != nil:
		return CLILogger
	}
	fallbackOnce.Do(func() {
		fallbackLogger = mustLogger(logging.NewCLI("aoaisim"))
	})
	return fallbackLogger
}

// MaskSecret keeps the first and last four characters of a credential.
func MaskSecret(secret string) string {
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:4] + "..." + secret[len(secret)-4:]
}

// InitCLILogger sets CLILogger. verbose drops the level to DEBUG.
func InitCLILogger(serviceName string, verbose bool) {
	logger := mustLogger(logging.NewCLI(serviceName))
	if verbose {
		logger.SetLevel(logging.DEBUG)
	}
	CLILogger = logger
}

// InitServerLogger sets ServerLogger to a structured JSON logger on stderr.
// A non-empty namespace is attached to every record.
func InitServerLogger(serviceName string, logLevel string, namespace ...string) {
	ServerLogger = mustLogger(logging.New(serverLoggerConfig(serviceName, parseLogLevel(logLevel), namespace...)))
}

func serverLoggerConfig(serviceName, level string, namespace ...string) *logging.LoggerConfig {
	static := map[string]any{}
	if len(namespace) > 0 && namespace[0] != "" {
		static["namespace"] = namespace[0]
	}
	return &logging.LoggerConfig{
		Profile:      logging.ProfileStructured,
		DefaultLevel: level,
		Service:      serviceName,
		Environment:  "production",
		StaticFields: static,
		Middleware: []logging.MiddlewareConfig{
			{Name: "correlation", Enabled: true, Order: 100, Config: map[string]any{}},
		},
		Sinks: []logging.SinkConfig{{
			Type:    "console",
			Format:  "json",
			Console: &logging.ConsoleSinkConfig{Stream: "stderr", Colorize: false},
		}},
		EnableCaller:     true,
		EnableStacktrace: true,
	}
}

var logLevels = map[string]string{
	"trace":   "TRACE",
	"debug":   "DEBUG",
	"info":    "INFO",
	"warn":    "WARN",
	"warning": "WARN",
	"error":   "ERROR",
}

// parseLogLevel maps LOG_LEVEL values onto gofulmen severities; unknown
// values log at INFO.
func parseLogLevel(level string) string {
	if severity, ok := logLevels[strings.ToLower(strings.TrimSpace(level))]; ok {
		return severity
	}
	return "INFO"
}

// mustLogger exits with ExitConfigInvalid when a logger cannot be built.
// No logger exists yet, so the failure goes straight to stderr.
func mustLogger(logger *logging.Logger, err error) *logging.Logger {
	if err == nil {
		return logger
	}
	code := int(foundry.ExitConfigInvalid)
	fmt.Fprintf(os.Stderr, "FATAL: failed to initialize logger: %v\n", err)
	if info, ok := foundry.GetExitCodeInfo(foundry.ExitConfigInvalid); ok {
		code = info.Code
		fmt.Fprintf(os.Stderr, "Exit Code: %d (%s) - %s\n", info.Code, info.Name, info.Description)
	}
	os.Exit(code)
	return nil
}
