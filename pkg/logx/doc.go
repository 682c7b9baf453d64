// Package logx configures drillbot's structured logging.
//
// This repo uses a small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - Optional alert sink (min-level + rate limiting) feeding the notifier
//   - Per-run log files that mirror everything a single run logs
package logx
