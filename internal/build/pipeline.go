// Package build prepares a fetched working copy for running: it materializes the
// environment file, installs dependencies and runs the optional build script.
package build

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/keelhost/control-plane/internal/command"
	"github.com/keelhost/control-plane/internal/models"
)

// PackageManager is a Node.js package manager.
type PackageManager string

const (
	NPM  PackageManager = "npm"
	Yarn PackageManager = "yarn"
	PNPM PackageManager = "pnpm"
)

// EnvFileName is the name of the materialized environment file.
const EnvFileName = ".env"

// Pipeline runs package-manager commands in a working directory.
type Pipeline struct {
	runner command.Runner
	nvmDir string
	logger *slog.Logger
}

// NewPipeline creates a build pipeline. nvmDir locates nvm.sh and installed node versions.
func NewPipeline(runner command.Runner, nvmDir string, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{runner: runner, nvmDir: nvmDir, logger: logger.With("component", "build")}
}

// WorkDir resolves the subdirectory-aware working directory inside checkout.
func WorkDir(checkout, subdir string) (string, error) {
	dir := filepath.Join(checkout, filepath.Clean("/"+subdir))
	rel, err := filepath.Rel(checkout, dir)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: subdirectory %q escapes the repository", models.ErrValidation, subdir)
	}
	info, err := os.Stat(dir)
	if err != nil {
		return "", fmt.Errorf("%w: subdirectory %q: %v", models.ErrPrecondition, subdir, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%w: subdirectory %q is not a directory", models.ErrPrecondition, subdir)
	}
	return dir, nil
}

// WriteEnvFile writes vars to dir/.env as sorted KEY=VALUE lines readable only by the owner.
func (p *Pipeline) WriteEnvFile(dir string, vars map[string]string) (string, error) {
	content, err := godotenv.Marshal(vars)
	if err != nil {
		return "", fmt.Errorf("encoding environment file: %w", err)
	}
	if content != "" {
		content += "\n"
	}
	path := filepath.Join(dir, EnvFileName)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		return "", fmt.Errorf("writing environment file: %w", err)
	}
	// WriteFile keeps the mode of an existing file.
	if err := os.Chmod(path, 0o600); err != nil {
		return "", fmt.Errorf("restricting environment file: %w", err)
	}
	p.logger.Debug("wrote environment file", "path", path, "keys", len(vars))
	return path, nil
}

// DetectPackageManager picks the package manager from the lock file present in dir.
func DetectPackageManager(dir string) PackageManager {
	switch {
	case fileExists(filepath.Join(dir, "pnpm-lock.yaml")):
		return PNPM
	case fileExists(filepath.Join(dir, "yarn.lock")):
		return Yarn
	default:
		return NPM
	}
}

// HasBuildScript reports whether package.json in dir defines scripts.build.
func HasBuildScript(dir string) (bool, error) {
	data, err := os.ReadFile(filepath.Join(dir, "package.json"))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("reading package.json: %w", err)
	}
	var manifest struct {
		Scripts map[string]string `json:"scripts"`
	}
	if err := json.Unmarshal(data, &manifest); err != nil {
		return false, fmt.Errorf("%w: parsing package.json: %v", models.ErrValidation, err)
	}
	return strings.TrimSpace(manifest.Scripts["build"]) != "", nil
}

// Install runs "<pm> install" in dir, under nvm when nodeVersion is set.
func (p *Pipeline) Install(ctx context.Context, dir, nodeVersion string) error {
	pm := DetectPackageManager(dir)
	p.logger.Info("installing dependencies", "dir", dir, "package_manager", pm, "node_version", nodeVersion)
	_, err := p.runner.Run(ctx, p.nodeCommand(dir, nodeVersion, string(pm), "install"))
	return err
}

// Build runs "<pm> run build" in dir.
func (p *Pipeline) Build(ctx context.Context, dir, nodeVersion string) error {
	pm := DetectPackageManager(dir)
	p.logger.Info("running build script", "dir", dir, "package_manager", pm)
	_, err := p.runner.Run(ctx, p.nodeCommand(dir, nodeVersion, string(pm), "run", "build"))
	return err
}

func (p *Pipeline) nodeCommand(dir, nodeVersion, name string, args ...string) command.Command {
	if nodeVersion == "" {
		return command.Command{Name: name, Args: args, Dir: dir}
	}
	parts := []string{"nvm", "exec", shellQuote(nodeVersion), name}
	for _, a := range args {
		parts = append(parts, shellQuote(a))
	}
	script := fmt.Sprintf(". %s && %s", shellQuote(filepath.Join(p.nvmDir, "nvm.sh")), strings.Join(parts, " "))
	return command.Command{
		Name: "bash",
		Args: []string{"-c", script},
		Dir:  dir,
		Env:  []string{"NVM_DIR=" + p.nvmDir},
	}
}

// StartCommand is what the supervisor launches.
type StartCommand struct {
	Script      string
	Args        []string
	Interpreter string
}

// ResolveStart builds the start command for svc in dir. Package-manager services
// run "<pm> run <script> -- <args>"; others run the script with the node runtime.
func (p *Pipeline) ResolveStart(svc *models.Service, dir string) StartCommand {
	binDir := p.nodeBinDir(svc.NodeVersion)
	bin := func(name string) string {
		if binDir == "" {
			return name
		}
		return filepath.Join(binDir, name)
	}

	if svc.UsePackageManager {
		pm := DetectPackageManager(dir)
		args := []string{"run", svc.Script}
		if len(svc.Args) > 0 {
			args = append(args, "--")
			args = append(args, svc.Args...)
		}
		return StartCommand{Script: bin(string(pm)), Args: args, Interpreter: "none"}
	}

	return StartCommand{
		Script:      svc.Script,
		Args:        append([]string(nil), svc.Args...),
		Interpreter: bin("node"),
	}
}

// nodeBinDir locates the bin directory of an nvm-installed node version. Partial
// versions such as "18" resolve to the newest installed 18.x.
func (p *Pipeline) nodeBinDir(version string) string {
	if version == "" || p.nvmDir == "" {
		return ""
	}
	if !strings.HasPrefix(version, "v") {
		version = "v" + version
	}
	root := filepath.Join(p.nvmDir, "versions", "node")
	if fileExists(filepath.Join(root, version)) {
		return filepath.Join(root, version, "bin")
	}

	matches, _ := filepath.Glob(filepath.Join(root, version+".*"))
	if len(matches) == 0 {
		return filepath.Join(root, version, "bin")
	}
	best := matches[0]
	for _, m := range matches[1:] {
		if compareVersions(filepath.Base(m), filepath.Base(best)) > 0 {
			best = m
		}
	}
	return filepath.Join(best, "bin")
}

func compareVersions(a, b string) int {
	pa := strings.Split(strings.TrimPrefix(a, "v"), ".")
	pb := strings.Split(strings.TrimPrefix(b, "v"), ".")
	for i := 0; i < len(pa) || i < len(pb); i++ {
		var x, y int
		if i < len(pa) {
			x, _ = strconv.Atoi(pa[i])
		}
		if i < len(pb) {
			y, _ = strconv.Atoi(pb[i])
		}
		if x != y {
			if x > y {
				return 1
			}
			return -1
		}
	}
	return 0
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
