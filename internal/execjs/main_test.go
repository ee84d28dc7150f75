package execjs

import (
	"os"
	"testing"

	"execjs-bridge/internal/gojart"
	"execjs-bridge/internal/runtime"
)

// helperEnv makes the test binary act as a goja-backed external runtime
// when it is re-executed with a script path as its only argument.
const helperEnv = "EXECJS_TEST_RUNTIME"

func TestMain(m *testing.M) {
	if os.Getenv(helperEnv) == "goja" {
		os.Exit(gojart.Main(os.Args[1:]))
	}
	if err := os.Setenv(helperEnv, "goja"); err != nil {
		panic("failed to set helper env: " + err.Error())
	}
	os.Exit(m.Run())
}

// newGojaRuntime returns a runtime whose command is this test binary. Script
// files land in a per-test scratch dir, returned so tests can check cleanup.
func newGojaRuntime(t *testing.T, runnerPath string) (*runtime.Runtime, string) {
	t.Helper()

	self, err := os.Executable()
	if err != nil {
		t.Fatalf("resolving test executable: %v", err)
	}
	scratch := t.TempDir()

	def := runtime.Definition{Name: "goja-test", Command: []string{self}, Runner: "print", RunnerPath: runnerPath}
	rt, err := runtime.New(def, scratch)
	if err != nil {
		t.Fatalf("runtime.New: %v", err)
	}
	return rt, scratch
}

func assertScratchEmpty(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("reading scratch dir: %v", err)
	}
	for _, e := range entries {
		t.Errorf("leftover script file: %s", e.Name())
	}
}
