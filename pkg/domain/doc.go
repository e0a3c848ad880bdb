/*
Package domain contains the core domain models of the binlens session model.

It defines the analysis configuration, the session lifecycle states, the tagged
union of engine events and the error taxonomy shared by every other package.
This package is kept pure and free of external dependencies like I/O or
persistence, following Hexagonal Architecture principles.

# Key Entities

  - AnalysisConfig: Parameters of a run (ISA, timeout, library paths, entrypoints, CLI patterns).
  - Session: Snapshot of one run (state, timestamps, exit reason).
  - Event: Sequenced engine output (log line, status change, finding, invocation, termination).
  - LogEntry, Finding, Invocation: The records folded into the aggregation views.
*/
package domain
