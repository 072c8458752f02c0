// Package storage provides the persistent collaborators of the credential
// manager with pluggable backends.
//
// Two stores are implemented:
//
//   - LookupTable backends: the label-keyed store of opaque per-credential
//     metadata read on every authentication attempt.
//   - HashTreeStorage backends: durable full snapshots of the hash tree
//     mirror.
//
// # Storage URI Format
//
// Backends are specified using URI format:
//
//	[scheme]://[auth@]host[:port][/path][?params]
//
// Supported lookup table schemes:
//
//   - file:///var/lib/credman/lookup/
//   - sqlite:///var/lib/credman/lookup.db
//   - vault://vault.example.com:8200/secret/credman
//
// Supported hash tree store schemes:
//
//   - file:///var/lib/credman/hashtree.json
//   - s3://bucket-name/prefix/?region=us-west-2
//
// All backends report transient I/O failures as plain errors; the credential
// manager's commit queue is responsible for retrying them.
package storage
