package sandbox

import (
	"path/filepath"
	"strings"
)

// sandboxPath restricts children to the standard user-facing binary dirs.
const sandboxPath = "/usr/local/bin:/usr/bin:/bin"

// SandboxEnv derives the child environment for a sandbox user from
// baseEnv. Identity and XDG variables are rooted in the private home so
// configuration and caches never land in the workspace.
func SandboxEnv(u *User, baseEnv []string) []string {
	overrides := map[string]string{
		"HOME":            u.HomeDir,
		"USER":            u.Username,
		"LOGNAME":         u.Username,
		"PWD":             u.WorkspacePath,
		"PATH":            sandboxPath,
		"XDG_CONFIG_HOME": filepath.Join(u.HomeDir, ".config"),
		"XDG_CACHE_HOME":  filepath.Join(u.HomeDir, ".cache"),
		"XDG_DATA_HOME":   filepath.Join(u.HomeDir, ".local", "share"),
		"XDG_STATE_HOME":  filepath.Join(u.HomeDir, ".local", "state"),
		"XDG_RUNTIME_DIR": filepath.Join(u.HomeDir, ".run"),
	}

	env := make([]string, 0, len(baseEnv)+len(overrides))
	for _, kv := range baseEnv {
		key, _, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		if _, overridden := overrides[key]; overridden {
			continue
		}
		env = append(env, kv)
	}
	for k, v := range overrides {
		env = append(env, k+"="+v)
	}
	return env
}
