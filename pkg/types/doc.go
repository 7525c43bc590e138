/*
Package types defines the data model shared by the tether control plane and
its runners.

Every other package speaks in these types: the reconciliation loops, the
executors that drive workloads, the control plane client, the HTTP handlers
that mutate resources and the stream that relays change notifications.

# Resources

A resource is one deployment, database or static site owned by a tenant and
assigned to exactly one runner:

  - ResourceID: UUID naming the resource
  - ResourceKind: deployment, database or static-site
  - ResourceInfo: the full desired specification, with exactly one of
    Deployment, Database or StaticSite populated

ResourceInfo.Validate enforces the same constraints the control plane tables
do: replica limits between 0 and 256 with min <= max, non-empty image name and
tag, environment variables carrying exactly one of a literal value or a
secret reference, and probes pointing at an exposed http port.

ResourceInfo.Fingerprint hashes the kind-specific part of the spec with
xxhash. Runners record the fingerprint of the last applied spec so an
unchanged resource is not upserted again on every full pass.

# Runner Identity

RunnerIdentity pairs a tenant and a runner. It names both the connection lock
key and the pub/sub channel, so the two can never drift apart:

	{tenant}/runner/{runner}/stream      change channel
	{tenant}/runner/{runner}/connection  connection lock

# Change Events

ChangeEvent is a transient hint that a resource was created, updated or
deleted. It carries only the kind, the id and the action. Runners always
re-fetch the authoritative spec before acting on one, and nothing breaks if
an event is lost because the periodic full pass catches up.

# Errors

The error taxonomy is shared across layers:

  - ErrNotFound: the resource is gone upstream, tear down locally
  - ErrAlreadyConnected: another instance holds the runner lock
  - ErrUnauthorized: missing or invalid credentials
  - TransientError: retry later, optionally after RetryAfter
  - InternalError: unexpected failure, retried conservatively

Use IsNotFound, IsTransient and IsInternal rather than comparing directly,
errors are wrapped with %w as they cross package boundaries.
*/
package types
