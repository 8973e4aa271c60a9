package maestro

import (
	"context"
	"log/slog"

	"github.com/maestro-ai/maestro/script"
)

type contextKey string

const (
	loggerContextKey   contextKey = "logger"
	compilerContextKey contextKey = "compiler"
)

// WithLogger attaches an execution-scoped logger to the context.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerContextKey, logger)
}

// WithCompiler attaches the script compiler to the context so handlers can
// evaluate expressions.
func WithCompiler(ctx context.Context, compiler script.Compiler) context.Context {
	return context.WithValue(ctx, compilerContextKey, compiler)
}

// LoggerFromContext returns the execution logger, if present.
func LoggerFromContext(ctx context.Context) (*slog.Logger, bool) {
	logger, ok := ctx.Value(loggerContextKey).(*slog.Logger)
	return logger, ok
}

// CompilerFromContext returns the script compiler, if present.
func CompilerFromContext(ctx context.Context) (script.Compiler, bool) {
	compiler, ok := ctx.Value(compilerContextKey).(script.Compiler)
	return compiler, ok
}
