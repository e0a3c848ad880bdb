/*
Package binlens models an interactive binary-analysis session.

A session wraps one run of an external analysis engine: the user commits an
analysis configuration, starts the run, and watches logs, vulnerability
findings and CLI invocations stream in while the run can be paused, resumed
or cancelled.

# Concept

The core is split in four parts, each in its own package:

  - pkg/config: drafts, per-field validation and the commit that freezes a config.
  - pkg/session: the session state machine and the controller that allows one active run.
  - pkg/ingest: the single-writer pipeline that orders, de-duplicates and applies engine events.
  - pkg/views: the log ring buffer, the findings tally and the invocation trace.

Adapters live under pkg/adapters: the engine process launcher, config stores
and session archives (file, Redis, Postgres, S3), and the HTTP and MCP servers.

# Usage

	package main

	import (
		"context"
		"log"

		"github.com/aretw0/binlens/pkg/adapters/process"
		"github.com/aretw0/binlens/pkg/config"
		"github.com/aretw0/binlens/pkg/session"
	)

	func main() {
		d, err := config.LoadDraft("analysis.yaml")
		if err != nil {
			log.Fatal(err)
		}
		cfg, err := config.Commit(d)
		if err != nil {
			log.Fatal(err)
		}

		launcher, err := process.NewLauncher(process.EngineConfig{Command: "lens-engine"})
		if err != nil {
			log.Fatal(err)
		}
		ctrl := session.NewController(launcher)

		sess, _ := ctrl.Create(cfg)
		if err := ctrl.Start(context.Background(), sess.ID()); err != nil {
			log.Fatal(err)
		}
		final, _ := sess.Wait(context.Background())
		log.Printf("finished: %s, %d findings", final.State, sess.Views().Tally.Current().Total())
	}

The binlens command (cmd/binlens) wraps the same pieces in run, validate,
serve and mcp subcommands.
*/
package binlens
