/*
Package client is the operator-side Go client for the tether resource API.

It wraps the HTTP routes served by the control plane (and by self-hosted
runners) with typed methods:

	c, err := client.NewClient("https://api.example.com", workspaceID, token)
	info, err := c.CreateResource(ctx, &types.ResourceInfo{...})
	info, err = c.UpdateResource(ctx, info)
	err = c.DeleteResource(ctx, info.Kind, info.ID)

Requests carry an operator token ("tether token operator") as a bearer
token. Failures reported by the server are returned as *api.Error so callers
can inspect the envelope code; IsNotFound checks for resourceDoesNotExist.

# Manifests

ParseManifests reads the multi-document YAML files used by "tether apply":

	apiVersion: tether/v1
	kind: StaticSite
	metadata:
	  id: 3f0c9b8e-8a47-4a8e-9a8e-0c1f0f5d2a11   # optional
	  runner: 9d3b8b1c-4b8f-4f57-8e0a-6a9f9d7b0c42
	spec:
	  name: docs
	  index_document: index.html

Kinds are Deployment, Database and StaticSite. Spec keys are the JSON field
names of the matching types in pkg/types.
*/
package client
