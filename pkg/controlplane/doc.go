/*
Package controlplane is how a runner asks for the desired state of its
resources.

The runner only ever sees the Client interface. New picks the transport from
a Mode:

  - SelfHosted dispatches in process through the local api.Registry. The
    client mints a runner token with the local JWT secret, so every call
    goes through the same middleware chain and handlers as an HTTP request.
  - Managed calls a remote control plane at
    {base}/workspace/{tenant}/{kind}/{id}/info with the runner's long-lived
    API token and a User-Agent naming the runner. Calls run behind a
    gobreaker circuit breaker that opens after 5 consecutive failures.

Both return the same errors: a resourceDoesNotExist answer wraps
types.ErrNotFound, everything else (network, auth, server errors, open
circuit) is a *types.TransientError.
*/
package controlplane
