// Package logx is timelapser's structured logging on top of zerolog.
//
// Components receive a logx.Logger by value and derive scoped loggers with
// With(String("comp", ...)). The zero Logger discards everything, so tests and
// optional components never need a nil check.
//
// Output goes to a console writer (short caller, millisecond timestamps), an
// optional JSON Lines file, or both. Under systemd the console writer drops
// colour and timestamps because journald records its own. robfig/cron logs
// through the same pipeline via CronLogger.
package logx
