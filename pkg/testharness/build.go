package testharness

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

// BuildBinaries compiles the rarun and mockserver binaries into outputDir.
// Returns the absolute paths to the compiled binaries.
func BuildBinaries(ctx context.Context, projectRoot, outputDir string) (string, string, error) {
	if projectRoot == "" {
		return "", "", fmt.Errorf("project root is required")
	}

	rarunPath := filepath.Join(outputDir, "rarun")
	if err := prepareOutput(outputDir); err != nil {
		return "", "", err
	}
	if err := runGoBuild(ctx, projectRoot, rarunPath, "./cmd/rarun"); err != nil {
		return "", "", err
	}

	mockPath, err := BuildMockServer(ctx, projectRoot, outputDir)
	if err != nil {
		return "", "", err
	}
	return rarunPath, mockPath, nil
}

// BuildMockServer compiles only the mock analysis server
func BuildMockServer(ctx context.Context, projectRoot, outputDir string) (string, error) {
	if projectRoot == "" {
		return "", fmt.Errorf("project root is required")
	}
	if err := prepareOutput(outputDir); err != nil {
		return "", err
	}

	mockPath := filepath.Join(outputDir, "mockserver")
	if err := runGoBuild(ctx, projectRoot, mockPath, "./cmd/mockserver"); err != nil {
		return "", err
	}
	return mockPath, nil
}

func prepareOutput(outputDir string) error {
	if outputDir == "" {
		return fmt.Errorf("output directory is required")
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	return nil
}

func runGoBuild(ctx context.Context, projectRoot, outputPath, pkg string) error {
	cmd := exec.CommandContext(ctx, "go", "build", "-trimpath", "-o", outputPath, pkg)
	cmd.Dir = projectRoot

	env := os.Environ()
	env = setEnv(env, "CGO_ENABLED", "0")
	cmd.Env = env

	if combined, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("go build %s failed: %w\n%s", pkg, err, string(combined))
	}
	return nil
}

func setEnv(env []string, key, value string) []string {
	prefix := key + "="
	for i, kv := range env {
		if len(kv) >= len(prefix) && kv[:len(prefix)] == prefix {
			env[i] = prefix + value
			return env
		}
	}
	return append(env, prefix+value)
}
