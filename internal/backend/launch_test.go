package backend

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codefionn/lspbridge/internal/config"
)

func TestParseKind(t *testing.T) {
	for _, name := range []string{"pylsp", "clangd", "gopls", "rust-analyzer", "jdtls"} {
		k, ok := ParseKind(name)
		assert.True(t, ok, name)
		assert.Equal(t, name, k.String())
		assert.Equal(t, "/"+name, k.Route())
	}

	for _, name := range []string{"", "tsserver", "GOPLS", "/gopls", "rust_analyzer"} {
		_, ok := ParseKind(name)
		assert.False(t, ok, name)
	}
}

func TestResolve_FixedKinds(t *testing.T) {
	r := NewResolver(config.DefaultConfig())

	tests := []struct {
		kind Kind
		path string
		args []string
	}{
		{Pylsp, "pylsp", nil},
		{Gopls, "gopls", nil},
		{RustAnalyzer, "rust-analyzer", nil},
		{Clangd, "clangd", []string{
			"--header-insertion=never",
			"--pch-storage=memory",
			"--background-index",
			"--offset-encoding=utf-16",
		}},
	}

	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			spec, err := r.Resolve(tt.kind)
			require.NoError(t, err)
			assert.Equal(t, tt.kind, spec.Kind)
			assert.Equal(t, tt.path, spec.Path)
			assert.Equal(t, tt.args, spec.Args)
			assert.NotEmpty(t, spec.Env)
		})
	}
}

func TestResolve_CommandOverride(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.SetCommand("clangd", "/opt/llvm/bin/clangd")
	cfg.Backends["gopls"] = config.BackendConfig{
		Command: "/usr/local/bin/gopls",
		Args:    []string{"-remote=auto"},
		Env:     map[string]string{"GOFLAGS": "-mod=mod"},
	}
	r := NewResolver(cfg)

	spec, err := r.Resolve(Clangd)
	require.NoError(t, err)
	assert.Equal(t, "/opt/llvm/bin/clangd", spec.Path)
	assert.Contains(t, spec.Args, "--background-index", "default args kept when only the command changes")

	spec, err = r.Resolve(Gopls)
	require.NoError(t, err)
	assert.Equal(t, "/usr/local/bin/gopls", spec.Path)
	assert.Equal(t, []string{"-remote=auto"}, spec.Args)
	assert.Equal(t, "GOFLAGS=-mod=mod", spec.Env[len(spec.Env)-1])
	assert.Equal(t, "/usr/local/bin/gopls -remote=auto", spec.CommandLine())
}

func TestResolve_UnknownKind(t *testing.T) {
	r := NewResolver(config.DefaultConfig())
	_, err := r.Resolve(Kind("tsserver"))
	assert.ErrorIs(t, err, ErrUnknownKind)

	_, err = r.Launch(Kind("tsserver"))
	assert.ErrorIs(t, err, ErrUnknownKind)
}

// jdtlsInstall lays out a minimal jdtls installation.
func jdtlsInstall(t *testing.T, jars []string, configFolders ...string) string {
	t.Helper()
	home := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(home, "plugins"), 0755))
	for _, jar := range jars {
		require.NoError(t, os.WriteFile(filepath.Join(home, "plugins", jar), nil, 0644))
	}
	for _, folder := range configFolders {
		require.NoError(t, os.MkdirAll(filepath.Join(home, folder), 0755))
	}
	return home
}

func jdtlsResolver(cfg *config.Config) *Resolver {
	r := NewResolver(cfg)
	r.goos = "linux"
	r.lookPath = func(name string) (string, error) { return "/usr/bin/" + name, nil }
	return r
}

func TestResolveJDTLS_Success(t *testing.T) {
	home := jdtlsInstall(t, []string{
		"org.eclipse.equinox.launcher_1.6.400.v20210924-0641.jar",
		"org.eclipse.equinox.launcher_1.6.900.v20240613-2009.jar",
		"org.eclipse.equinox.launcher.gtk.linux.x86_64_1.2.0.jar.sha1",
		"org.eclipse.jdt.ls.core_1.40.0.jar",
	}, "config_linux")
	workspace := filepath.Join(t.TempDir(), "a", "b", "ws")

	cfg := config.DefaultConfig()
	cfg.JDTLS.Home = home
	cfg.JDTLS.Workspace = workspace

	spec, err := jdtlsResolver(cfg).Resolve(JDTLS)
	require.NoError(t, err)

	assert.Equal(t, "/usr/bin/java", spec.Path)
	assert.DirExists(t, workspace)

	wantJar := filepath.Join(home, "plugins", "org.eclipse.equinox.launcher_1.6.900.v20240613-2009.jar")
	assert.Equal(t, []string{
		"-Declipse.application=org.eclipse.jdt.ls.core.id1",
		"-Dosgi.bundles.defaultStartLevel=4",
		"-Declipse.product=org.eclipse.jdt.ls.core.product",
		"-Dlog.protocol=false",
		"-Dlog.level=INFO",
		"--add-modules=ALL-SYSTEM",
		"--add-opens", "java.base/java.util=ALL-UNNAMED",
		"--add-opens", "java.base/java.lang=ALL-UNNAMED",
		"-jar", wantJar,
		"-configuration", filepath.Join(home, "config_linux"),
		"-data", workspace,
	}, spec.Args)

	// Workspace creation is idempotent.
	_, err = jdtlsResolver(cfg).Resolve(JDTLS)
	require.NoError(t, err)
}

func TestResolveJDTLS_PlatformFolders(t *testing.T) {
	tests := map[string]string{
		"linux":   "config_linux",
		"darwin":  "config_mac",
		"windows": "config_win",
		"freebsd": "config_linux",
	}
	for goos, folder := range tests {
		t.Run(goos, func(t *testing.T) {
			home := jdtlsInstall(t, []string{"org.eclipse.equinox.launcher_1.0.0.jar"}, folder)
			cfg := config.DefaultConfig()
			cfg.JDTLS.Home = home
			cfg.JDTLS.Workspace = t.TempDir()

			r := jdtlsResolver(cfg)
			r.goos = goos
			spec, err := r.Resolve(JDTLS)
			require.NoError(t, err)
			assert.Contains(t, spec.Args, filepath.Join(home, folder))
		})
	}
}

func TestResolveJDTLS_JavaHome(t *testing.T) {
	home := jdtlsInstall(t, []string{"org.eclipse.equinox.launcher_1.0.0.jar"}, "config_win")
	cfg := config.DefaultConfig()
	cfg.JDTLS.Home = home
	cfg.JDTLS.Workspace = t.TempDir()
	cfg.JDTLS.JavaHome = filepath.Join("opt", "jdk-21")

	r := jdtlsResolver(cfg)
	r.goos = "windows"
	r.lookPath = func(string) (string, error) {
		t.Fatal("lookPath must not be used when JAVA_HOME is set")
		return "", nil
	}

	spec, err := r.Resolve(JDTLS)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("opt", "jdk-21", "bin", "java.exe"), spec.Path)
}

func TestResolveJDTLS_DefaultWorkspace(t *testing.T) {
	home := jdtlsInstall(t, []string{"org.eclipse.equinox.launcher_1.0.0.jar"}, "config_linux")
	cwd := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.JDTLS.Home = home

	r := jdtlsResolver(cfg)
	r.getwd = func() (string, error) { return cwd, nil }

	spec, err := r.Resolve(JDTLS)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(cwd, "server", ".jdtls-workspace"), spec.Args[len(spec.Args)-1])
	assert.DirExists(t, filepath.Join(cwd, "server", ".jdtls-workspace"))
}

func TestResolveJDTLS_Failures(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(t *testing.T, cfg *config.Config)
		wantErr error
		step    string
	}{
		{
			name:    "home unset",
			setup:   func(t *testing.T, cfg *config.Config) {},
			wantErr: ErrConfigurationMissing,
			step:    "read installation root (set JDTLS_HOME)",
		},
		{
			name: "home does not exist",
			setup: func(t *testing.T, cfg *config.Config) {
				cfg.JDTLS.Home = filepath.Join(t.TempDir(), "missing")
			},
			wantErr: ErrConfigurationMissing,
			step:    "open installation root",
		},
		{
			name: "no plugins directory",
			setup: func(t *testing.T, cfg *config.Config) {
				cfg.JDTLS.Home = t.TempDir()
			},
			wantErr: ErrArtifactNotFound,
		},
		{
			name: "no matching jar",
			setup: func(t *testing.T, cfg *config.Config) {
				cfg.JDTLS.Home = jdtlsInstall(t, []string{
					"org.eclipse.jdt.ls.core_1.40.0.jar",
					"org.eclipse.equinox.launcher_1.6.900.zip",
				}, "config_linux")
			},
			wantErr: ErrArtifactNotFound,
		},
		{
			name: "platform folder missing",
			setup: func(t *testing.T, cfg *config.Config) {
				cfg.JDTLS.Home = jdtlsInstall(t, []string{"org.eclipse.equinox.launcher_1.0.0.jar"}, "config_mac")
			},
			wantErr: ErrConfigurationMissing,
			step:    "open platform configuration folder",
		},
		{
			name: "java not on path",
			setup: func(t *testing.T, cfg *config.Config) {
				cfg.JDTLS.Home = jdtlsInstall(t, []string{"org.eclipse.equinox.launcher_1.0.0.jar"}, "config_linux")
			},
			step: "resolve java runtime",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.DefaultConfig()
			cfg.JDTLS.Workspace = filepath.Join(t.TempDir(), "ws")
			tt.setup(t, cfg)

			r := jdtlsResolver(cfg)
			if tt.step == "resolve java runtime" {
				r.lookPath = func(string) (string, error) { return "", errors.New("executable file not found in $PATH") }
			}

			proc, err := r.Launch(JDTLS)
			require.Error(t, err)
			assert.Nil(t, proc, "no process may be spawned")

			var launchErr *LaunchError
			require.ErrorAs(t, err, &launchErr)
			assert.Equal(t, JDTLS, launchErr.Kind)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}
			if tt.step != "" {
				assert.Equal(t, tt.step, launchErr.Step)
			}
		})
	}
}

func TestLaunchError_Message(t *testing.T) {
	err := &LaunchError{Kind: JDTLS, Step: "open installation root", Path: "/opt/jdtls", Err: ErrConfigurationMissing}
	assert.Equal(t, "jdtls: open installation root (/opt/jdtls): configuration missing", err.Error())

	err = &LaunchError{Kind: Gopls, Step: "spawn", Err: errors.New("boom")}
	assert.Equal(t, "gopls: spawn: boom", err.Error())
}
