package supervisor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"

	"github.com/keelhost/control-plane/internal/command"
	"github.com/keelhost/control-plane/internal/models"
)

// PM2 implements ProcessSupervisor by shelling out to the pm2 CLI. Handles are
// process names: in cluster mode pm2 runs one pm_id per instance under a shared
// name, and addressing the name reaches every instance.
type PM2 struct {
	runner command.Runner
	bin    string
	logger *slog.Logger
}

// NewPM2 creates a PM2 adapter.
func NewPM2(runner command.Runner, bin string, logger *slog.Logger) *PM2 {
	if bin == "" {
		bin = "pm2"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PM2{runner: runner, bin: bin, logger: logger.With("component", "pm2")}
}

type pm2Process struct {
	PMID   int    `json:"pm_id"`
	Name   string `json:"name"`
	PM2Env struct {
		Status string `json:"status"`
	} `json:"pm2_env"`
}

// Start launches spec. Leftover processes with the same name are deleted first
// so the name addresses only the instances started here.
func (p *PM2) Start(ctx context.Context, spec ProcessSpec) (string, error) {
	existing, err := p.jlist(ctx)
	if err != nil {
		return "", err
	}
	if ids := instanceIDs(existing, spec.Name); len(ids) > 0 {
		p.logger.Warn("removing stale process before start", "name", spec.Name, "pm_ids", ids)
		if _, err := p.run(ctx, nil, "delete", spec.Name); err != nil {
			return "", err
		}
	}

	args := []string{"start", spec.Script, "--name", spec.Name, "--cwd", spec.Cwd}
	if spec.Instances > 0 {
		args = append(args, "-i", strconv.Itoa(spec.Instances))
	}
	if spec.Interpreter != "" {
		args = append(args, "--interpreter", spec.Interpreter)
	}
	if len(spec.Args) > 0 {
		args = append(args, "--")
		args = append(args, spec.Args...)
	}
	if _, err := p.run(ctx, spec.Env, args...); err != nil {
		return "", err
	}

	procs, err := p.jlist(ctx)
	if err != nil {
		return "", err
	}
	ids := instanceIDs(procs, spec.Name)
	if len(ids) == 0 {
		return "", fmt.Errorf("%w: pm2 started %q but it is not in the process list", models.ErrExternal, spec.Name)
	}
	p.logger.Info("process started", "name", spec.Name, "pm_ids", ids)
	return spec.Name, nil
}

// Stop deletes every instance of the process from pm2.
func (p *PM2) Stop(ctx context.Context, handle string) error {
	_, err := p.run(ctx, nil, "delete", handle)
	return err
}

// Restart restarts every instance, refreshing its environment.
func (p *PM2) Restart(ctx context.Context, handle string) error {
	_, err := p.run(ctx, nil, "restart", handle, "--update-env")
	return err
}

// Reload performs a zero-downtime reload of every instance with env.
func (p *PM2) Reload(ctx context.Context, handle string, env map[string]string) error {
	_, err := p.run(ctx, env, "reload", handle, "--update-env")
	return err
}

// List returns the live process table with one entry per name. A clustered
// process is online only while all of its instances are.
func (p *PM2) List(ctx context.Context) ([]Process, error) {
	procs, err := p.jlist(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Process, 0, len(procs))
	pos := make(map[string]int, len(procs))
	for _, proc := range procs {
		i, seen := pos[proc.Name]
		if !seen {
			pos[proc.Name] = len(out)
			out = append(out, Process{Handle: proc.Name, Name: proc.Name, Status: proc.PM2Env.Status})
			continue
		}
		if out[i].Status == StatusOnline {
			out[i].Status = proc.PM2Env.Status
		}
	}
	return out, nil
}

func instanceIDs(procs []pm2Process, name string) []int {
	var ids []int
	for _, proc := range procs {
		if proc.Name == name {
			ids = append(ids, proc.PMID)
		}
	}
	return ids
}

func (p *PM2) jlist(ctx context.Context) ([]pm2Process, error) {
	res, err := p.run(ctx, nil, "jlist")
	if err != nil {
		return nil, err
	}
	return parseJList(res.Stdout)
}

// parseJList decodes pm2 jlist output, skipping any banner pm2 prints before the JSON.
func parseJList(out []byte) ([]pm2Process, error) {
	start := bytes.IndexByte(out, '[')
	if start < 0 {
		return nil, fmt.Errorf("%w: unexpected pm2 jlist output", models.ErrExternal)
	}
	var procs []pm2Process
	if err := json.Unmarshal(out[start:], &procs); err != nil {
		return nil, fmt.Errorf("%w: decoding pm2 jlist: %v", models.ErrExternal, err)
	}
	return procs, nil
}

func (p *PM2) run(ctx context.Context, env map[string]string, args ...string) (*command.Result, error) {
	return p.runner.Run(ctx, command.Command{Name: p.bin, Args: args, Env: envList(env)})
}

func envList(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}
