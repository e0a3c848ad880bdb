/*
Package session implements the lifecycle of analysis runs.

A Session owns one committed config, the engine handle of its run and the
views fed by its ingestion pipeline. Its state only changes through the
transition table in Next: control requests are checked against it before the
engine is asked, and engine acknowledgements are applied against it when they
come back through the event stream.

A Controller holds the sessions of one window instance and enforces that at
most one of them is running or paused. With a DistributedLocker the rule
extends across replicas.
*/
package session
