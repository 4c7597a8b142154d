// Package logx configures daynews' structured logging.
//
// Logger is a small value type on top of zerolog:
//   - Console output stays readable (short timestamp + short caller)
//   - File output is JSON lines
//   - An optional chat sink forwards warnings to an ops chat (min-level + rate limit)
package logx
