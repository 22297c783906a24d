// Package logx is smsmaster's structured logging on top of zerolog.
//
// A Service owns the sinks: a human-readable console writer and an optional
// JSON-lines file. Loggers handed out by the Service follow its Apply calls,
// so a config reload changes level and sinks without rebuilding components.
//
// Occurrence logs share one vocabulary (MsgID, Provider, Attempt, Status) so
// a single message can be followed from the scheduler through the dispatch
// workers to the notifiers.
package logx
