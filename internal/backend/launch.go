package backend

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
	"sync/atomic"

	"github.com/codefionn/lspbridge/internal/config"
)

var (
	// ErrUnknownKind is returned for names outside the supported set.
	ErrUnknownKind = errors.New("unknown language server")
	// ErrConfigurationMissing means a required setting or directory is absent.
	ErrConfigurationMissing = errors.New("configuration missing")
	// ErrArtifactNotFound means the launcher jar could not be located.
	ErrArtifactNotFound = errors.New("launcher artifact not found")
)

const (
	launcherPrefix = "org.eclipse.equinox.launcher_"
	launcherSuffix = ".jar"

	defaultWorkspaceDir = "server/.jdtls-workspace"
)

// LaunchError describes why a language server could not be started: which
// step failed and which path was examined.
type LaunchError struct {
	Kind Kind
	Step string
	Path string
	Err  error
}

func (e *LaunchError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Step, e.Err)
	}
	return fmt.Sprintf("%s: %s (%s): %v", e.Kind, e.Step, e.Path, e.Err)
}

func (e *LaunchError) Unwrap() error {
	return e.Err
}

// LaunchSpec is the fully resolved command for one session.
type LaunchSpec struct {
	Kind Kind
	Path string
	Args []string
	Env  []string
	Dir  string
}

// CommandLine renders the spec for logs.
func (s LaunchSpec) CommandLine() string {
	return strings.Join(append([]string{s.Path}, s.Args...), " ")
}

// Resolver turns a Kind into a LaunchSpec using the current configuration.
type Resolver struct {
	cfg atomic.Pointer[config.Config]

	goos     string
	getwd    func() (string, error)
	lookPath func(string) (string, error)
}

// NewResolver creates a resolver reading settings from cfg.
func NewResolver(cfg *config.Config) *Resolver {
	r := &Resolver{
		goos:     runtime.GOOS,
		getwd:    os.Getwd,
		lookPath: exec.LookPath,
	}
	r.cfg.Store(cfg)
	return r
}

// SetConfig swaps the configuration used for subsequent launches.
func (r *Resolver) SetConfig(cfg *config.Config) {
	r.cfg.Store(cfg)
}

// Resolve computes the LaunchSpec for kind. Nothing is spawned; every
// failure here happens before a process exists.
func (r *Resolver) Resolve(kind Kind) (LaunchSpec, error) {
	cfg := r.cfg.Load()

	if kind == JDTLS {
		return r.resolveJDTLS(cfg)
	}

	command, args, ok := kind.fixedCommand()
	if !ok {
		return LaunchSpec{}, &LaunchError{Kind: kind, Step: "resolve", Err: ErrUnknownKind}
	}

	override := cfg.Backends[string(kind)]
	if override.Command != "" {
		command = override.Command
		if override.Args != nil {
			args = override.Args
		}
	}

	return LaunchSpec{
		Kind: kind,
		Path: command,
		Args: slices.Clone(args),
		Env:  mergeEnv(os.Environ(), override.Env),
	}, nil
}

// Launch resolves kind and starts it.
func (r *Resolver) Launch(kind Kind) (*Process, error) {
	spec, err := r.Resolve(kind)
	if err != nil {
		return nil, err
	}
	return Start(spec)
}

func (r *Resolver) resolveJDTLS(cfg *config.Config) (LaunchSpec, error) {
	fail := func(step, path string, err error) (LaunchSpec, error) {
		return LaunchSpec{}, &LaunchError{Kind: JDTLS, Step: step, Path: path, Err: err}
	}

	home := cfg.JDTLS.Home
	if home == "" {
		return fail("read installation root (set JDTLS_HOME)", "", ErrConfigurationMissing)
	}
	if info, err := os.Stat(home); err != nil || !info.IsDir() {
		return fail("open installation root", home, ErrConfigurationMissing)
	}

	pluginsDir := filepath.Join(home, "plugins")
	jar, err := findLauncherJar(pluginsDir)
	if err != nil {
		return fail("locate "+launcherPrefix+"*"+launcherSuffix, pluginsDir, err)
	}

	configDir := filepath.Join(home, platformConfigFolder(r.goos))
	if info, err := os.Stat(configDir); err != nil || !info.IsDir() {
		return fail("open platform configuration folder", configDir, ErrConfigurationMissing)
	}

	workspace := cfg.JDTLS.Workspace
	if workspace == "" {
		cwd, err := r.getwd()
		if err != nil {
			return fail("resolve working directory", "", err)
		}
		workspace = filepath.Join(cwd, defaultWorkspaceDir)
	}
	if err := os.MkdirAll(workspace, 0755); err != nil {
		return fail("create workspace", workspace, err)
	}

	java, err := r.javaExecutable(cfg.JDTLS.JavaHome)
	if err != nil {
		return fail("resolve java runtime", "java", err)
	}

	args := []string{
		"-Declipse.application=org.eclipse.jdt.ls.core.id1",
		"-Dosgi.bundles.defaultStartLevel=4",
		"-Declipse.product=org.eclipse.jdt.ls.core.product",
		"-Dlog.protocol=false",
		"-Dlog.level=INFO",
		"--add-modules=ALL-SYSTEM",
		"--add-opens", "java.base/java.util=ALL-UNNAMED",
		"--add-opens", "java.base/java.lang=ALL-UNNAMED",
		"-jar", jar,
		"-configuration", configDir,
		"-data", workspace,
	}

	return LaunchSpec{
		Kind: JDTLS,
		Path: java,
		Args: args,
		Env:  mergeEnv(os.Environ(), cfg.Backends[string(JDTLS)].Env),
	}, nil
}

// findLauncherJar picks the greatest launcher jar by name. The name embeds
// the bundle version, so this approximates "newest".
func findLauncherJar(pluginsDir string) (string, error) {
	entries, err := os.ReadDir(pluginsDir)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrArtifactNotFound, err)
	}

	var best string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, launcherPrefix) || !strings.HasSuffix(name, launcherSuffix) {
			continue
		}
		if name > best {
			best = name
		}
	}
	if best == "" {
		return "", ErrArtifactNotFound
	}
	return filepath.Join(pluginsDir, best), nil
}

func platformConfigFolder(goos string) string {
	switch goos {
	case "windows":
		return "config_win"
	case "darwin":
		return "config_mac"
	default:
		return "config_linux"
	}
}

func (r *Resolver) javaExecutable(javaHome string) (string, error) {
	if javaHome != "" {
		name := "java"
		if r.goos == "windows" {
			name = "java.exe"
		}
		return filepath.Join(javaHome, "bin", name), nil
	}
	return r.lookPath("java")
}

// mergeEnv appends overrides to base in a stable order; later entries win
// for exec.Cmd.
func mergeEnv(base []string, overrides map[string]string) []string {
	env := slices.Clone(base)
	for _, k := range slices.Sorted(maps.Keys(overrides)) {
		env = append(env, k+"="+overrides[k])
	}
	return env
}
