/*
Package observability exposes BinLens sessions to Prometheus.

Metrics plugs into a Controller through session options (ingest hooks and a
transition hook) and a create hook that tracks run durations. Handler serves
the registry for scraping.
*/
package observability
