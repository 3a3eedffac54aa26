package manager

import (
	"os"
	"regexp"
	"strings"
)

// KernelSpec describes how to launch a kernel: the argv template, extra
// environment entries (which may reference existing env vars), and how the
// kernel wants to be interrupted.
type KernelSpec struct {
	Argv          []string          `json:"argv"`
	DisplayName   string            `json:"display_name"`
	Language      string            `json:"language"`
	InterruptMode string            `json:"interrupt_mode"`
	Env           map[string]string `json:"env"`
	ResourceDir   string            `json:"-"`
}

// Interrupt modes a kernel spec can declare.
const (
	InterruptModeSignal  = "signal"
	InterruptModeMessage = "message"
)

var placeholderPat = regexp.MustCompile(`\{([A-Za-z0-9_]+)\}`)

// formatKernelCmd substitutes template placeholders like {connection_file}
// and {resource_dir} in the argv. Unknown placeholders are left unchanged.
func formatKernelCmd(argv []string, ns map[string]string) []string {
	cmd := make([]string, len(argv))
	for i, arg := range argv {
		cmd[i] = placeholderPat.ReplaceAllStringFunc(arg, func(match string) string {
			key := match[1 : len(match)-1]
			if v, ok := ns[key]; ok {
				return v
			}
			return match
		})
	}
	return cmd
}

// substituteEnv expands $VAR and ${VAR} references in the spec's templated
// env entries against the given environment. Unknown references expand to the
// empty string.
func substituteEnv(templated map[string]string, env map[string]string) map[string]string {
	out := make(map[string]string, len(templated))
	for k, v := range templated {
		out[k] = os.Expand(v, func(name string) string { return env[name] })
	}
	return out
}

// envToMap splits "K=V" entries into a map.
func envToMap(env []string) map[string]string {
	m := make(map[string]string, len(env))
	for _, kv := range env {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			m[kv[:i]] = kv[i+1:]
		}
	}
	return m
}

// envFromMap flattens a map into sorted-independent "K=V" entries.
func envFromMap(m map[string]string) []string {
	env := make([]string, 0, len(m))
	for k, v := range m {
		env = append(env, k+"="+v)
	}
	return env
}
