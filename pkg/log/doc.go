// Package log provides structured logging for Pippin built on
// zerolog.
//
// Call Init once at startup to configure the global Logger; library
// code obtains child loggers with WithComponent, WithPartition, or
// WithRepo so every line carries the fields needed to filter one
// partition's activity out of a busy repository.
//
//	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})
//	logger := log.WithComponent("partition")
//	logger.Info().Str("partition", "7").Msg("writing snapshot")
//
// Console output (the default) is meant for interactive use; JSON
// output is for collection by a log shipper. The engine logs partition
// creation and snapshot writes at info level; loads, commit writes,
// merges, and collision disambiguation at debug level; and
// unknown non-essential file-format extensions at debug level as
// required for silently-tolerated input.
package log
