package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/iambrandonn/rarun/internal/analysis"
	"github.com/iambrandonn/rarun/internal/catalog"
	"github.com/iambrandonn/rarun/internal/config"
	"github.com/iambrandonn/rarun/internal/protocol"
	"github.com/iambrandonn/rarun/internal/runstate"
	"github.com/iambrandonn/rarun/internal/supervisor"
	"github.com/iambrandonn/rarun/internal/workspace"
	"github.com/spf13/cobra"
)

// app is the state every command starts from
type app struct {
	cfg     *config.Config
	cfgPath string
	root    string
	logger  *slog.Logger
}

// analysisConn is a started analysis server with an initialized client
type analysisConn struct {
	client catalog.Service
	stop   func()
}

// connectAnalysis starts the configured server. Tests replace it with an
// in-process fake.
var connectAnalysis = startAnalysisServer

func newLogger(cmd *cobra.Command) (*slog.Logger, error) {
	levelName, err := cmd.Flags().GetString("log-level")
	if err != nil {
		return nil, err
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(levelName)); err != nil {
		return nil, fmt.Errorf("invalid --log-level %q: %w", levelName, err)
	}

	// stdout carries task output, keep logs on stderr
	return slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{
		Level: level,
	})), nil
}

// openApp loads configuration and prepares the state directory
func openApp(cmd *cobra.Command) (*app, error) {
	logger, err := newLogger(cmd)
	if err != nil {
		return nil, err
	}

	configPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, err
	}

	cfg, cfgPath, err := loadConfig(configPath, logger)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	file, err := cmd.Flags().GetString("file")
	if err != nil {
		return nil, err
	}

	root, err := determineWorkspaceRoot(file, cfgPath)
	if err != nil {
		return nil, err
	}
	logger.Debug("workspace root", "path", root)

	if err := workspace.Initialize(root, cfg.StateDir); err != nil {
		return nil, fmt.Errorf("failed to initialize workspace: %w", err)
	}

	return &app{cfg: cfg, cfgPath: cfgPath, root: root, logger: logger}, nil
}

// loadConfig loads an explicit config, or the nearest one above the working
// directory, or falls back to defaults when there is none
func loadConfig(configPath string, logger *slog.Logger) (*config.Config, string, error) {
	if configPath != "" {
		cfg, err := config.LoadFromFile(configPath)
		if err != nil {
			return nil, "", fmt.Errorf("failed to load config from %s: %w", configPath, err)
		}
		return cfg, configPath, nil
	}

	cwd, err := os.Getwd()
	if err != nil {
		return nil, "", fmt.Errorf("failed to get current directory: %w", err)
	}

	foundPath, err := config.Find(cwd)
	if err != nil {
		return nil, "", err
	}
	if foundPath == "" {
		logger.Debug("no config found, using defaults")
		return config.GenerateDefault(), "", nil
	}

	logger.Debug("found existing config", "path", foundPath)
	cfg, err := config.LoadFromFile(foundPath)
	if err != nil {
		return nil, "", fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, foundPath, nil
}

// determineWorkspaceRoot prefers the cargo workspace around the file, then the
// one around the working directory, then the config file's directory
func determineWorkspaceRoot(file, cfgPath string) (string, error) {
	starts := []string{}
	if file != "" {
		starts = append(starts, filepath.Dir(file))
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("failed to get current directory: %w", err)
	}
	starts = append(starts, cwd)

	for _, start := range starts {
		root, err := workspace.FindRoot(start)
		if err != nil {
			return "", err
		}
		if root != "" {
			return root, nil
		}
	}

	if cfgPath != "" {
		return filepath.Abs(filepath.Dir(cfgPath))
	}
	return cwd, nil
}

// position reads the position flags. ok is false when no file was given.
func position(cmd *cobra.Command) (pos catalog.Position, ok bool, err error) {
	file, err := cmd.Flags().GetString("file")
	if err != nil {
		return pos, false, err
	}
	if file == "" {
		return pos, false, nil
	}
	line, err := cmd.Flags().GetInt("line")
	if err != nil {
		return pos, false, err
	}
	col, err := cmd.Flags().GetInt("col")
	if err != nil {
		return pos, false, err
	}

	abs, err := filepath.Abs(file)
	if err != nil {
		return pos, false, fmt.Errorf("failed to resolve %s: %w", file, err)
	}
	pos.URI = protocol.FileURI(abs)

	if line > 0 {
		pos.Cursor = &protocol.Position{Line: line - 1, Character: max(col-1, 0)}
	}
	return pos, true, nil
}

func startAnalysisServer(ctx context.Context, a *app) (*analysisConn, error) {
	sup := supervisor.NewServerSupervisor(a.cfg.Server.Cmd, a.cfg.Server.Env, a.root, a.logger)
	// the process outlives ctx until stop has sent shutdown and exit
	if err := sup.Start(context.WithoutCancel(ctx)); err != nil {
		return nil, fmt.Errorf("failed to start analysis server %q: %w", strings.Join(a.cfg.Server.Cmd, " "), err)
	}

	stopServer := func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := sup.Stop(stopCtx); err != nil {
			a.logger.Debug("analysis server stop", "error", err)
		}
	}

	client := analysis.NewClient(sup.Conn(), a.logger, analysis.WithRequestTimeout(a.cfg.RequestTimeout()))
	if err := client.Initialize(ctx, a.root, a.cfg.Server.InitOptions); err != nil {
		stopServer()
		return nil, err
	}

	return &analysisConn{
		client: client,
		stop: func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := client.Shutdown(shutdownCtx); err != nil {
				a.logger.Warn("analysis server shutdown failed", "error", err)
			}
			stopServer()
		},
	}, nil
}

// previous returns the last runnable turned into a task, as a candidate
func (a *app) previous() *catalog.Candidate {
	r := runstate.Previous(a.runStatePath())
	if r == nil {
		return nil
	}
	c := catalog.NewCandidate(*r)
	return &c
}

func (a *app) runStatePath() string {
	return runstate.GetRunStatePath(a.root, a.cfg.StateDir)
}

func (a *app) stateDir(sub string) string {
	return filepath.Join(a.root, a.cfg.StateDir, sub)
}

// fetchCandidates connects, asks for the candidates at pos and disconnects
func (a *app) fetchCandidates(ctx context.Context, pos catalog.Position, debuggeeOnly bool) ([]catalog.Candidate, error) {
	conn, err := connectAnalysis(ctx, a)
	if err != nil {
		return nil, err
	}
	defer conn.stop()

	return catalog.NewCatalog(conn.client, a.logger).Fetch(ctx, pos, a.previous(), debuggeeOnly)
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
