// Package store implements the persistence collaborators of the learning
// pipeline: a SQLite store for the daemon and CLIs, and an in-memory store
// for replay and tests.
package store

import "github.com/danielpatrickdp/cadence/internal/history"

var (
	_ history.Store      = (*SQLite)(nil)
	_ history.Biometrics = (*SQLite)(nil)
	_ history.Store      = (*Memory)(nil)
	_ history.Biometrics = (*Memory)(nil)
)
