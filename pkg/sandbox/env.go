package sandbox

import (
	"os"
	"sort"
)

// passthroughEnv lists the only orchestrator variables a child may inherit.
var passthroughEnv = []string{"PATH", "LANG", "LC_ALL", "TZ", "TERM"}

// childEnv builds a KEY=VALUE environment from the allow-list, fixed
// workspace-local HOME/TMPDIR, and overrides. Output is sorted.
func childEnv(dir string, overrides map[string]string) []string {
	vars := map[string]string{
		"HOME":   dir,
		"TMPDIR": dir,
	}
	for _, key := range passthroughEnv {
		if v, ok := os.LookupEnv(key); ok {
			vars[key] = v
		}
	}
	if _, ok := vars["PATH"]; !ok {
		vars["PATH"] = "/usr/local/bin:/usr/bin:/bin"
	}
	for k, v := range overrides {
		vars[k] = v
	}

	env := make([]string, 0, len(vars))
	for k, v := range vars {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)
	return env
}
