// Package logx configures checkd's structured logging.
//
// It is a small wrapper (logx.Logger) on top of zerolog that keeps:
//   - Console output readable (short timestamp + short caller)
//   - Optional file output JSON-structured
//   - Runtime level changes via Service.Apply (config hot reload)
package logx
