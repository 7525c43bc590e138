/*
Package kubernetes implements executors that run tether resources on a
Kubernetes cluster through a controller-runtime client.

Every object created here carries three labels:

	tether.cuemby.com/managed-by=tether
	tether.cuemby.com/kind=<deployment|database|static-site>
	tether.cuemby.com/resource-id=<uuid>

ListRunning selects on managed-by and kind inside the configured namespace
and yields the resource-id label of each object. With Config.PageSize set the
list is paginated using the continue token, so large namespaces are walked
page by page while the runner consumes ids.

Objects per kind:

	deployment   Deployment app-<id>, Service, ConfigMap app-<id>-config,
	             HorizontalPodAutoscaler when max scale > min scale
	database     StatefulSet db-<id> with a data claim, headless Service
	static-site  Deployment site-<id> running Config.StaticSiteImage, Service

Upsert uses controllerutil.CreateOrUpdate, so repeated calls with the same
spec leave the cluster unchanged. An object that already exists under the
target name without the managed-by label is never taken over; Upsert
returns ErrNotManaged with a long retry hint instead.

Delete removes every object of the resource with background propagation and
treats NotFound as success.

API errors are mapped to retry hints: server suggested delays are used as
is, conflicts retry after a second, throttling and timeouts after five
seconds, unavailable servers after ten.
*/
package kubernetes
