/*
Package ingest implements the event ingestion pipeline of an analysis session.

Engine events arrive on any goroutine through Ingest, which only appends to a
mailbox. The owning goroutine (Run, or Flush in tests) deduplicates events by
sequence, holds back out-of-order events in a bounded reorder buffer, and
applies them to the session views in canonical sequence order.

A missing sequence is awaited for a grace period. When it expires, or when the
reorder buffer overflows, the buffered events are applied anyway and a
domain.SequenceGap warning is raised through Hooks.OnGap.
*/
package ingest
