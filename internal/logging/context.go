package logging

import "context"

type contextKey string

const loggerKey contextKey = "logger"

// FromContext retrieves the logger from context, falling back to the default
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerKey).(*Logger); ok {
		return l
	}
	return Default()
}

// NewContext attaches a logger to the context
func NewContext(ctx context.Context, l *Logger) context.Context {
	return context.WithValue(ctx, loggerKey, l)
}

// SymbolLogger returns a component logger tagged with a symbol
func SymbolLogger(component, symbol string) *Logger {
	return Default().WithComponent(component).WithField("symbol", symbol)
}
