package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Apply a namespace or config resource from a YAML file",
	Long: `Apply a conreg resource from a YAML file.

Examples:
  # Create a namespace
  conregctl apply -f namespace.yaml

  # Put a config value
  conregctl apply -f app-config.yaml`,
	RunE: runApply,
}

func init() {
	applyCmd.Flags().StringP("file", "f", "", "YAML resource file to apply (required)")
	_ = applyCmd.MarkFlagRequired("file")
}

// resource is a generic conreg resource envelope, matching the
// apiVersion/kind/metadata/spec shape used across the conregctl apply
// surface.
type resource struct {
	APIVersion string                 `yaml:"apiVersion"`
	Kind       string                 `yaml:"kind"`
	Metadata   resourceMetadata       `yaml:"metadata"`
	Spec       map[string]interface{} `yaml:"spec"`
}

type resourceMetadata struct {
	Name      string `yaml:"name"`
	Namespace string `yaml:"namespace"`
}

func runApply(cmd *cobra.Command, _ []string) error {
	filename, _ := cmd.Flags().GetString("file")

	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("read file: %w", err)
	}

	var res resource
	if err := yaml.Unmarshal(data, &res); err != nil {
		return fmt.Errorf("parse YAML: %w", err)
	}

	c := clientFor(cmd)
	switch res.Kind {
	case "Namespace":
		return applyNamespace(c, &res)
	case "Config":
		return applyConfig(c, &res)
	default:
		return newUsageError("unsupported resource kind: %s", res.Kind)
	}
}

func applyNamespace(c *apiClient, res *resource) error {
	id := res.Metadata.Name
	if id == "" {
		return newUsageError("metadata.name is required for Namespace")
	}
	body := map[string]string{
		"id":          id,
		"name":        getString(res.Spec, "displayName", id),
		"description": getString(res.Spec, "description", ""),
	}
	if _, err := c.post("/api/ns", body); err != nil {
		return err
	}
	fmt.Printf("namespace applied: %s\n", id)
	return nil
}

func applyConfig(c *apiClient, res *resource) error {
	ns := res.Metadata.Namespace
	if ns == "" {
		ns = getString(res.Spec, "namespace", "")
	}
	if ns == "" {
		return newUsageError("metadata.namespace (or spec.namespace) is required for Config")
	}
	id := res.Metadata.Name
	if id == "" {
		return newUsageError("metadata.name is required for Config")
	}
	body := map[string]string{
		"ns":          ns,
		"id":          id,
		"content":     getString(res.Spec, "content", ""),
		"description": getString(res.Spec, "description", ""),
	}
	if _, err := c.post("/api/config", body); err != nil {
		return err
	}
	fmt.Printf("config applied: %s/%s\n", ns, id)
	return nil
}

func getString(m map[string]interface{}, key, defaultValue string) string {
	if v, ok := m[key]; ok {
		return fmt.Sprintf("%v", v)
	}
	return defaultValue
}
