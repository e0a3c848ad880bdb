/*
Package ports defines the driven ports of the session model.

These interfaces decouple sessions from the analysis engine and from the
storage backends that keep named configs and finished session records.

# Key Interfaces

  - Launcher / EngineHandle: starts the external analysis engine and controls a live run.
  - ConfigStore: persists AnalysisConfig values keyed by a user-chosen name.
  - Archive: keeps the records of closed sessions.
  - DistributedLocker: extends the single-active-session rule across replicas.
*/
package ports
