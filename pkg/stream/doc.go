/*
Package stream carries change notifications from the control plane server to
connected runners over a server-streaming gRPC method.

# Wire format

The service is declared by hand rather than generated:

	service tether.runner.v1.RunnerStream {
	  rpc StreamRunnerData(StreamRequest) returns (stream StreamMessage);
	}

Messages are JSON encoded through a codec registered under the "json"
content subtype. A StreamMessage is either a ping or a change:

	{"type":"ping","timestamp":"..."}
	{"type":"change","timestamp":"...","event":{"kind":"deployment","id":"...","action":"updated"}}

The runner authenticates with its API token in the "authorization"
metadata ("Bearer <token>"). Only runner tokens are accepted; the runner
identity is taken from the token.

# Connection guard

Guard enforces a single live stream per runner identity across every server
instance:

 1. A per-identity rate limiter rejects connection storms (ResourceExhausted).
 2. The lock <tenant>/runner/<runner>/connection is set to a fresh token with
    create-if-absent semantics. If it is held, the attempt fails immediately
    with AlreadyExists.
 3. The guard subscribes to <tenant>/runner/<runner>/stream and sends a first
    ping, which the runner treats as acceptance.
 4. Two activities race under an errgroup:
    heartbeat sends a ping and renews the lock (only if it still holds the
    token) every HeartbeatInterval; losing the lock ends the stream with
    Aborted.
    relay forwards every change event; a failed send ends the stream.
 5. On exit the subscription is closed. The lock is left to expire, so a
    crashed runner can reconnect after at most one TTL.

Lock TTLs are 10s in development and 5m in production. The heartbeat runs at
a third of the TTL, capped at 30s.

# Client

Client.Run keeps a runner connected. Every accepted (re)connection calls
Handler.OnConnect, which the runner uses to run a full reconciliation pass
and catch up on events missed while disconnected. Reconnect delays:

	connect failure (including AlreadyExists)  5s
	stream error                               1s
	clean close by the server                  2s
*/
package stream
