// Package storage provides the durable store behind the session pool and the
// monitor registries.
//
// It exposes a narrow document API (LoadState/SaveState by key) plus an audit
// log of transitions and operator actions, with interchangeable file and
// SQLite backends.
package storage
