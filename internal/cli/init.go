package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/iambrandonn/rarun/internal/config"
	"github.com/iambrandonn/rarun/internal/workspace"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default rarun config and state directory",
	RunE:  runInit,
}

func init() {
	initCmd.Flags().String("format", "json", "Config format: json, yaml or toml")
	initCmd.Flags().Bool("force", false, "Overwrite an existing config")
}

func runInit(cmd *cobra.Command, args []string) error {
	format, err := cmd.Flags().GetString("format")
	if err != nil {
		return err
	}
	force, err := cmd.Flags().GetBool("force")
	if err != nil {
		return err
	}

	var name string
	switch format {
	case "json", "toml":
		name = "rarun." + format
	case "yaml", "yml":
		name = "rarun.yaml"
	default:
		return fmt.Errorf("unsupported config format %q (want json, yaml or toml)", format)
	}

	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("failed to get current directory: %w", err)
	}
	root, err := workspace.FindRoot(cwd)
	if err != nil {
		return err
	}
	if root == "" {
		root = cwd
	}

	path := filepath.Join(root, name)
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}

	cfg := config.GenerateDefault()
	existed, err := workspace.IsInitialized(root, cfg.StateDir)
	if err != nil {
		return err
	}
	if err := cfg.SaveToFile(path); err != nil {
		return err
	}
	if err := workspace.Initialize(root, cfg.StateDir); err != nil {
		return fmt.Errorf("failed to initialize workspace: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
	stateDir := filepath.Join(root, cfg.StateDir)
	if existed {
		fmt.Fprintf(cmd.OutOrStdout(), "State directory %s already present\n", stateDir)
	} else {
		fmt.Fprintf(cmd.OutOrStdout(), "Created state directory %s\n", stateDir)
	}
	return nil
}
