/*
Package storage persists what tether needs to remember between restarts.

Two roles are split into two interfaces:

  - TrackingStore: the runner's local set of resource ids to reconcile, one
    record per (kind, id) carrying the fingerprint of the spec last applied.
    Records are created when the runner learns about a resource through the
    initial sync or a change event, and removed when the control plane
    reports the resource gone. They are never patched with spec data; the
    spec is fetched in full on every reconciliation.
  - ResourceStore: full resource specifications served by the info route.

# Backends

BoltStore (go.etcd.io/bbolt) implements both and backs runners. A self-hosted
runner keeps its resources and its tracking records in the same file:

	<data_dir>/tether.db
	  tracked/deployment   id → TrackedResource (JSON)
	  tracked/database
	  tracked/static-site
	  resources/deployment id → ResourceInfo (JSON)
	  resources/database
	  resources/static-site

SQLStore (MySQL through go-sql-driver/mysql) implements ResourceStore for the
managed control plane server. Rows are soft deleted so an audit trail stays
behind; deleted rows are invisible to GetResource and ListResources. The
schema is embedded and applied with EnsureSchema.

# Errors

Every backend returns an error wrapping ErrNotFound (which is
types.ErrNotFound) for unknown or deleted resources. Corrupt stored specs are
reported as types.InternalError.
*/
package storage
