// Package logx configures dynbot's structured logging.
//
// Logger is a small value type on top of zerolog. The Service behind it owns
// the sinks and can swap them at runtime:
//   - console: human readable, short timestamp + file:line caller
//   - file: JSON lines
//   - telegram: optional log chat with a minimum level and a rate limit
package logx
