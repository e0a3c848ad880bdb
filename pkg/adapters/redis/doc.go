// Package redis provides Redis-backed config storage, session archive and
// distributed locking for multi-replica deployments.
package redis
