/*
Package storage provides BoltDB-backed snapshot persistence for the
resource-unit tree (C1) and the meta-observer's instance/function/route/
proxy caches (C2).

Meta-store remains the authoritative system of record for cluster state;
this package exists so a restarted tier actor has a warm cache to serve
reads from before its first three-phase resync against meta-store
completes. Each collection lives in its own bucket, keyed by the
collection's natural id; each Save call overwrites the one record under
its id.
*/
package storage
