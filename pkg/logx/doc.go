// Package logx configures bottlebot's structured logging.
//
// Logger is a small wrapper on top of zerolog that keeps:
//   - console output readable (short timestamp + short caller)
//   - file output JSON-structured
//   - an optional chat sink (min-level + rate limiting) so operators see
//     warnings in the same Telegram group the bot lives in
package logx
