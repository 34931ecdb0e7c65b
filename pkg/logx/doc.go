// Package logx configures cronhost's structured logging.
//
// It is a small wrapper (logx.Logger) on top of zerolog that keeps:
//   - console output readable (short timestamp + short caller)
//   - file output JSON-structured
//   - outputs and level swappable at runtime via Service.Apply
package logx
