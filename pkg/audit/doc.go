// Package audit records every authorization decision in an append-only log.
//
// # Overview
//
// A Record is written once per decision and never changed. The Recorder
// writes to a Sink (PostgreSQL in production) and, while the sink is down,
// to a durable Spool (a Redis list). The drainer replays the spool into the
// sink in order; sink writes are idempotent on the record id, so a replay
// after a partial failure stores each record once.
//
//	recorder := audit.NewRecorder(audit.NewSQLSink(db, replica), audit.NewRedisSpool(rdb, ""),
//		audit.WithLogger(logger), audit.WithMetrics(metrics))
//	done := recorder.RunDrainer(ctx, 5*time.Second)
//
// # Export
//
// Records are streamed page by page in id order, which is decision order:
//
//	n, err := audit.Export(ctx, sink, audit.Filter{OrgID: orgID}, audit.ExportFormatCSV, w)
//
// # Archives
//
// Archiver copies one UTC day per object into S3 as gzip-compressed NDJSON:
//
//	objects, err := archiver.ArchiveRange(ctx, from, to)
//
// # Related Packages
//
//   - pkg/authz: produces the records
//   - pkg/storage/postgres: migrations, Redis and S3 clients
package audit
