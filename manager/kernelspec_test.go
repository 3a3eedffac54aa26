package manager

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFormatKernelCmd(t *testing.T) {
	argv := []string{"python", "-m", "kernel", "-f", "{connection_file}", "--dir={resource_dir}", "--keep={unknown}"}
	cmd := formatKernelCmd(argv, map[string]string{
		"connection_file": "/tmp/kernel.json",
		"resource_dir":    "/opt/kernels/py",
	})
	assert.Equal(t, []string{
		"python", "-m", "kernel",
		"-f", "/tmp/kernel.json",
		"--dir=/opt/kernels/py",
		"--keep={unknown}",
	}, cmd)
	// input untouched
	assert.Equal(t, "{connection_file}", argv[4])
}

func TestSubstituteEnv(t *testing.T) {
	env := map[string]string{"HOME": "/home/u", "PATH": "/bin"}
	out := substituteEnv(map[string]string{
		"DATA_DIR": "$HOME/data",
		"FULL":     "${PATH}:/opt/bin",
		"MISSING":  "$NOPE",
		"PLAIN":    "value",
	}, env)
	assert.Equal(t, map[string]string{
		"DATA_DIR": "/home/u/data",
		"FULL":     "/bin:/opt/bin",
		"MISSING":  "",
		"PLAIN":    "value",
	}, out)
}

func TestEnvMapRoundTrip(t *testing.T) {
	m := envToMap([]string{"A=1", "B=x=y", "MALFORMED"})
	assert.Equal(t, map[string]string{"A": "1", "B": "x=y"}, m)

	env := envFromMap(m)
	assert.ElementsMatch(t, []string{"A=1", "B=x=y"}, env)
}
