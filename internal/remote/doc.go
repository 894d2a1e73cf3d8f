// Package remote implements the remote authority clients. Two backends are
// provided, an HTTP JSON API and an S3-compatible object store, both behind
// the same RemoteClient interface and both guarded by a circuit breaker so a
// flapping backend does not stall every write on its timeout.
package remote
