/*
Package containerd implements a deployment executor that runs workloads
directly on a containerd daemon, for single-node self-hosted runners that
have no Kubernetes cluster.

Each deployment becomes one container named app-<id> in the tether
namespace, on the host network so exposed ports are reachable directly:

	┌──────────────── CONTAINERD EXECUTOR ────────────────┐
	│  Upsert                                              │
	│   ├─ LoadContainer(app-<id>)                         │
	│   │    same fingerprint label → ensure task running  │
	│   │    different fingerprint  → stop, delete         │
	│   ├─ Pull image (unpack)                             │
	│   ├─ render config mounts and volumes under DataDir  │
	│   ├─ NewContainer with labels and OCI spec           │
	│   └─ NewTask + Start                                 │
	│  Delete                                              │
	│   └─ SIGTERM, SIGKILL after 10s, delete snapshot     │
	│  ListRunning                                         │
	│   └─ Containers(labels filter) → resource-id label   │
	└──────────────────────────────────────────────────────┘

Secrets are not stored by containerd. A variable backed by a secret is
exposed as NAME_FILE=/run/secrets/<secret-id> and Config.SecretsDir is bind
mounted read-only at /run/secrets.

Deleting a container that does not exist succeeds. containerd errors are
mapped to retry hints: an unavailable daemon retries after ten seconds.
*/
package containerd
