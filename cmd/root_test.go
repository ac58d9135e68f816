package cmd

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/agentic-research/rulebridge/internal/bridge"
	"github.com/agentic-research/rulebridge/internal/config"
	"github.com/agentic-research/rulebridge/internal/control"
	"github.com/agentic-research/rulebridge/internal/graph"
)

const hierarchyJSON = `{
  "active": "Top",
  "documents": [
    {"name": "Top", "kind": "assembly",
     "rules": [{"name": "Check", "text": "MsgBox(1)"}],
     "occurrences": [{"name": "Frame:1", "document": "Frame"}]},
    {"name": "Frame", "kind": "assembly",
     "rules": [{"name": "Size", "text": "L = 2"}]}
  ]
}`

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "rulebridge", cmd.Use)
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	commands := []string{"watch", "refresh", "store", "import", "set", "showoptions", "status", "serve-mcp"}

	for _, name := range commands {
		t.Run(name, func(t *testing.T) {
			sub, _, err := cmd.Find([]string{name})
			require.NoError(t, err)
			assert.Equal(t, name, sub.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	verbose := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verbose)
	assert.Equal(t, "v", verbose.Shorthand)

	cfg := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, cfg)
	assert.Equal(t, "", cfg.DefValue)

	require.NotNil(t, cmd.PersistentFlags().Lookup("db"))
}

// workspace is a temp options file pointing every folder into a temp dir.
type workspace struct {
	dir, cfg string
}

func newWorkspace(t *testing.T) workspace {
	t.Helper()
	dir := t.TempDir()
	ws := workspace{dir: dir, cfg: filepath.Join(dir, "options.yaml")}
	opts := config.Default(dir)
	opts.Recursive = true
	require.NoError(t, config.Save(ws.cfg, opts))
	return ws
}

func (ws workspace) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	buf := &bytes.Buffer{}
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetIn(strings.NewReader(""))
	cmd.SetArgs(append([]string{"--config", ws.cfg}, args...))
	err := cmd.Execute()
	return buf.String(), err
}

func TestImportRefreshStore(t *testing.T) {
	ws := newWorkspace(t)
	hier := filepath.Join(ws.dir, "hierarchy.json")
	require.NoError(t, os.WriteFile(hier, []byte(hierarchyJSON), 0o644))

	out, err := ws.run(t, "import", "--dry-run", hier)
	require.NoError(t, err)
	assert.Contains(t, out, "Hierarchy is valid, active document Top (assembly)")
	assert.NoFileExists(t, filepath.Join(ws.dir, "workspace.db"))

	out, err = ws.run(t, "import", hier)
	require.NoError(t, err)
	assert.Contains(t, out, "Imported into")

	out, err = ws.run(t, "refresh")
	require.NoError(t, err)
	assert.Contains(t, out, "Mirrored 2 rules from 2 documents")
	data, err := os.ReadFile(filepath.Join(ws.dir, "bridge", "Top", "Frame", "Size.vb"))
	require.NoError(t, err)
	assert.Equal(t, "L = 2", string(data))

	out, err = ws.run(t, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "State: idle")
	assert.Contains(t, out, "Refreshes: 1")

	storage := filepath.Join(ws.dir, "snap")
	out, err = ws.run(t, "store", storage)
	require.NoError(t, err)
	assert.Contains(t, out, "Stored 2 rules")
	assert.FileExists(t, filepath.Join(storage, "Top", "Check.vb"))
}

func TestStatus_NeverUsed(t *testing.T) {
	ws := newWorkspace(t)
	out, err := ws.run(t, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "No bridge has used")
}

func TestRefresh_FolderLocked(t *testing.T) {
	ws := newWorkspace(t)
	bridgeDir := filepath.Join(ws.dir, "bridge")
	lock, err := control.Acquire(control.PathFor(bridgeDir), bridgeDir)
	require.NoError(t, err)
	defer lock.Close()

	_, err = ws.run(t, "refresh")
	assert.ErrorIs(t, err, control.ErrLocked)
}

func TestSetAndShowOptions(t *testing.T) {
	ws := newWorkspace(t)

	_, err := ws.run(t, "set", "blocking", "false")
	require.NoError(t, err)
	_, err = ws.run(t, "set", "bridgefolder", filepath.Join(ws.dir, "elsewhere"))
	require.NoError(t, err)

	out, err := ws.run(t, "showoptions")
	require.NoError(t, err)
	assert.Contains(t, out, "blocking: false")
	assert.Contains(t, out, "elsewhere")

	_, err = ws.run(t, "set", "colour", "red")
	assert.ErrorIs(t, err, config.ErrUnknownOption)
}

func TestDBFlagOverridesOption(t *testing.T) {
	ws := newWorkspace(t)
	hier := filepath.Join(ws.dir, "hierarchy.json")
	require.NoError(t, os.WriteFile(hier, []byte(hierarchyJSON), 0o644))
	db := filepath.Join(ws.dir, "other", "alt.db")

	_, err := ws.run(t, "--db", db, "import", hier)
	require.NoError(t, err)
	assert.FileExists(t, db)
}

func newConsole(t *testing.T) (*console, *graph.MemoryHost, *bytes.Buffer) {
	t.Helper()
	ws := newWorkspace(t)
	opts, _, err := config.Load(ws.cfg)
	require.NoError(t, err)

	host := graph.NewMemoryHost()
	require.NoError(t, graph.ParseHierarchy([]byte(hierarchyJSON), host))

	ro := &rootOptions{configPath: ws.cfg, opts: opts, logger: zaptest.NewLogger(t)}
	s, err := bridge.New(host, ro.bridgeOptions(false), ro.logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	lock, err := ro.lockBridge()
	require.NoError(t, err)
	t.Cleanup(func() { _ = lock.Close() })

	buf := &bytes.Buffer{}
	return &console{ro: ro, sync: s, lock: lock, out: buf}, host, buf
}

func TestConsole(t *testing.T) {
	c, _, buf := newConsole(t)
	in := strings.NewReader("help\nrefresh\nstatus\nbogus\nset recursive maybe\nset recursive false\nshowoptions\nquit\nrefresh\n")

	require.NoError(t, runConsole(context.Background(), in, c))
	out := buf.String()
	assert.Contains(t, out, "Commands:")
	assert.Contains(t, out, `"root": "Top"`)
	assert.Contains(t, out, `unknown command "bogus"`)
	assert.Contains(t, out, "not a valid setting")
	assert.Contains(t, out, "recursive: false")
	assert.Equal(t, uint64(1), c.lock.Generation(), "commands after quit are not run")
}

func TestConsole_Run(t *testing.T) {
	c, host, buf := newConsole(t)

	require.NoError(t, c.exec(context.Background(), "run Check"))
	require.NoError(t, c.exec(context.Background(), "run No Such Rule"))
	require.NoError(t, c.exec(context.Background(), "run"))

	out := buf.String()
	assert.Contains(t, out, "Ran Check")
	assert.Contains(t, out, "No Such Rule")
	assert.Contains(t, out, "usage: run <rule name>")
	assert.Equal(t, []graph.Run{{Document: "Top", Rule: "Check", Blocking: true}}, host.Runs())
}

func TestConsole_StoreQuotedPath(t *testing.T) {
	c, _, buf := newConsole(t)
	dir := filepath.Join(t.TempDir(), "with space")

	require.NoError(t, c.exec(context.Background(), `store "`+dir+`"`))
	assert.Contains(t, buf.String(), "Stored 2 rules")
	assert.FileExists(t, filepath.Join(dir, "Top", "Check.vb"))
}

func TestConsole_EndsOnEOFAndCancel(t *testing.T) {
	c, _, _ := newConsole(t)
	require.NoError(t, runConsole(context.Background(), strings.NewReader(""), c))

	c, _, _ = newConsole(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	pr, pw := io.Pipe()
	defer pw.Close()
	require.NoError(t, runConsole(ctx, pr, c))
}

func TestSplitArgs(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{"  status  ", []string{"status"}},
		{"set recursive true", []string{"set", "recursive", "true"}},
		{`store "C:\iLogic Bridge"`, []string{"store", `C:\iLogic Bridge`}},
		{`set bridgefolder ""`, []string{"set", "bridgefolder", ""}},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, splitArgs(tt.in))
		})
	}
}
