// Package logging configures structured slog logging for cardindex and
// provides a size-rotating file writer plus a small viewer used by the
// `cardindex logs` command.
//
// Logs are JSON lines written to ~/.cardindex/logs/server.log by default.
// Pipeline events use snake_case messages (work_item_failed,
// retry_entry_expired) so they can be filtered by the viewer.
package logging
