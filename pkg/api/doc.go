/*
Package api implements tether's resource API: one route table served over
HTTP by the control plane server and dispatched in process by a self-hosted
runner.

# Architecture

	┌──────────────── HTTP (NewRouter) ─────────────────┐
	│ GET /health /ready /live /metrics                  │
	│ <method> <pattern> ──┐                              │
	└──────────────────────┼──────────────────────────────┘
	                       │
	   Registry.Dispatch ──┤   (self-hosted control plane client)
	                       ▼
	      RequestLogger → Recoverer → Authenticate → TenantScope
	                       │
	                       ▼
	                 ResourceService
	              (ResourceStore + Broadcaster)

Both entry points build a Request and run the matched Route's Handler
behind the same middleware chain, so an in-process call and a remote call
see identical authentication, scoping and error mapping.

# Routes

	GET    /workspace/{tenant}/{kind}/{id}/info               full desired spec
	POST   /workspace/{tenant}/{kind}                         create, publishes "created"
	PUT    /workspace/{tenant}/{kind}/{id}                    update, publishes "updated"
	DELETE /workspace/{tenant}/{kind}/{id}                    delete, publishes "deleted"
	GET    /workspace/{tenant}/runner/{runner}/resources/{kind}  ids assigned to a runner

{kind} is one of deployment, database or static-site. Moving a resource to
another runner publishes "deleted" to the old runner and "created" to the
new one.

# Envelope

Every response body is an Envelope:

	{"success": true, "data": {...}}
	{"success": false, "error": "resourceDoesNotExist", "message": "resource does not exist"}

Error codes and statuses:

	resourceDoesNotExist  404  unknown resource, or assigned to another runner
	unauthorized          401  missing or invalid bearer token
	forbidden             403  token tenant or runner differs from the path
	invalidRequest        400  malformed ids, kind or body
	routeNotFound         404  no route matched (in-process dispatch)
	internalServerError   500  anything else

# Tokens

TokenIssuer signs HS256 JWTs (lestrrat-go/jwx) carrying a tenant claim and,
for runners, a runner claim. Runner tokens are long lived and only see the
resources assigned to that runner. Operator tokens are scoped to a tenant
and are used by `tether apply`.

	issuer, _ := api.NewTokenIssuer(secret)
	token, _ := issuer.IssueRunnerToken(identity, 0)

	reg := api.NewRegistry(api.DefaultMiddleware(logger, api.NewAuthenticator(secret))...)
	api.NewResourceService(store, broadcaster).Register(reg)
	server := api.NewHTTPServer(":8080", api.NewRouter(reg))
*/
package api
