/*
Package config implements the configuration model of an analysis run.

A Draft is the mutable form edited field by field (SetField returns per-field
feedback). Commit performs full cross-field validation and returns either a
frozen domain.AnalysisConfig or a domain.ValidationError listing every
violation. The package never talks to the engine.

The accepted instruction sets and the CLI placeholder grammar live in Schema,
so both are configurable rather than hard-coded.
*/
package config
