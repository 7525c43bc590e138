package main

import (
	"fmt"
	"os"

	"github.com/cuemby/tether/pkg/client"
	"github.com/cuemby/tether/pkg/types"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Apply a resource file",
	Long: `Create or update resources from a YAML file.

Resources with a metadata.id are updated when they exist and created with
that id otherwise. Resources without an id are always created.

Examples:
  # Apply a static site
  tether apply -f site.yaml --workspace $WORKSPACE

  # Apply several resources against a self-hosted runner
  tether apply -f stack.yaml --api-url http://127.0.0.1:8081 --workspace $WORKSPACE`,
	RunE: runApply,
}

func init() {
	applyCmd.Flags().StringP("file", "f", "", "YAML file to apply (required)")
	applyCmd.Flags().String("api-url", "http://localhost:8080", "API address")
	applyCmd.Flags().String("workspace", "", "Workspace (tenant) id")
	applyCmd.Flags().String("token", "", "Operator token (default $TETHER_API_TOKEN)")
	_ = applyCmd.MarkFlagRequired("file")
	_ = applyCmd.MarkFlagRequired("workspace")
}

func runApply(cmd *cobra.Command, args []string) error {
	filename, _ := cmd.Flags().GetString("file")
	apiURL, _ := cmd.Flags().GetString("api-url")
	token, _ := cmd.Flags().GetString("token")
	if token == "" {
		token = os.Getenv("TETHER_API_TOKEN")
	}
	workspace, err := uuidFlag(cmd, "workspace")
	if err != nil {
		return err
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}
	infos, err := client.ParseManifests(data)
	if err != nil {
		return err
	}

	c, err := client.NewClient(apiURL, workspace, token)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	for _, info := range infos {
		if err := applyResource(cmd, c, info); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return nil
}

func applyResource(cmd *cobra.Command, c *client.Client, info *types.ResourceInfo) error {
	ctx := cmd.Context()
	name := resourceName(info)

	if info.ID != uuid.Nil {
		_, err := c.GetResource(ctx, info.Kind, info.ID)
		switch {
		case err == nil:
			fmt.Fprintf(cmd.OutOrStdout(), "Updating %s: %s\n", info.Kind, name)
			if _, err := c.UpdateResource(ctx, info); err != nil {
				return fmt.Errorf("failed to update %s %s: %w", info.Kind, name, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ %s updated: %s (ID: %s)\n", info.Kind, name, info.ID)
			return nil
		case !client.IsNotFound(err):
			return fmt.Errorf("failed to look up %s %s: %w", info.Kind, name, err)
		}
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Creating %s: %s\n", info.Kind, name)
	created, err := c.CreateResource(ctx, info)
	if err != nil {
		return fmt.Errorf("failed to create %s %s: %w", info.Kind, name, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "✓ %s created: %s (ID: %s)\n", info.Kind, name, created.ID)
	return nil
}

func resourceName(info *types.ResourceInfo) string {
	switch {
	case info.Deployment != nil:
		return info.Deployment.Spec.Name
	case info.Database != nil:
		return info.Database.Name
	case info.StaticSite != nil:
		return info.StaticSite.Name
	}
	return info.ID.String()
}
