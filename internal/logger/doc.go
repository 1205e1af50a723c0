// Package logger wraps zap to provide:
//   - a global sugared logger with a console encoder,
//   - context helpers (ToContext/FromContext/WithName/WithKV),
//   - level parsing and configuration,
//   - named child loggers for each control subsystem.
package logger
