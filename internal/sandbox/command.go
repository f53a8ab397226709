package sandbox

import (
	"fmt"
	"strings"
)

// Limits are the shell-level resource limits applied to sandboxed
// children. Virtual memory and data segment are intentionally unlimited:
// several agent runtimes reserve large virtual address ranges at startup.
type Limits struct {
	MaxProcs     int // ulimit -u
	MaxOpenFiles int // ulimit -n
	MaxFileKB    int // ulimit -f (1 KiB blocks)
	MaxCPUSecs   int // ulimit -t
	MaxStackKB   int // ulimit -s
}

// DefaultLimits are applied when the caller asks for limits without
// supplying its own.
var DefaultLimits = Limits{
	MaxProcs:     256,
	MaxOpenFiles: 4096,
	MaxFileKB:    1048576, // 1 GiB
	MaxCPUSecs:   3600,
	MaxStackKB:   8192,
}

func (l Limits) preamble() string {
	return fmt.Sprintf(
		"ulimit -u %d; ulimit -n %d; ulimit -f %d; ulimit -t %d; ulimit -s %d; ulimit -c 0;",
		l.MaxProcs, l.MaxOpenFiles, l.MaxFileKB, l.MaxCPUSecs, l.MaxStackKB)
}

// BuildSandboxedCommand wraps cmd so it runs as the sandbox user via su,
// with the ulimit preamble applied inside the child shell when
// applyLimits is set. Returns the shell binary and its argv.
func BuildSandboxedCommand(u *User, cmd string, args []string, applyLimits bool) (string, []string) {
	inner := shellQuote(cmd)
	for _, a := range args {
		inner += " " + shellQuote(a)
	}
	script := "exec " + inner
	if applyLimits {
		script = DefaultLimits.preamble() + " " + script
	}
	return "su", []string{"-s", "/bin/bash", "-c", script, u.Username}
}

// shellQuote single-quotes s for safe inclusion in a bash -c script.
func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	if !strings.ContainsAny(s, " \t\n\"'`$\\!*?[]{}()<>|&;~#") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
