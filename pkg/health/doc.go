/*
Package health exposes each tier process's readiness over HTTP.

A Checker tracks one boolean: whether the tier actor has completed its
initial meta-store sync and is accepting work. cmd/fnsched wires
Checker.Handler() to GET /healthz; orchestration tooling polls it to
decide whether a process should receive traffic.
*/
package health
