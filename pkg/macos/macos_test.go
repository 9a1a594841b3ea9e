package macos

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aluedeke/go-appbundler/pkg/deps"
)

type call struct {
	env  []string
	name string
	args []string
}

// fakeRunner returns canned output keyed by "name arg1 arg2 ...".
type fakeRunner struct {
	outputs map[string]string
	errs    map[string]error
	calls   []call
}

func (f *fakeRunner) Run(_ context.Context, env []string, name string, args ...string) ([]byte, error) {
	f.calls = append(f.calls, call{env: env, name: name, args: args})
	key := strings.Join(append([]string{name}, args...), " ")
	if err, ok := f.errs[key]; ok {
		return nil, err
	}
	return []byte(f.outputs[key]), nil
}

const otoolOutput = `/opt/gtk/bin/app:
	/opt/gtk/lib/libgtk-3.0.dylib (compatibility version 2405.0.0, current version 2405.32.0)
	@rpath/libintl.8.dylib (compatibility version 11.0.0, current version 11.0.0)
	/usr/lib/libSystem.B.dylib (compatibility version 1.0.0, current version 1319.0.0)
/opt/gtk/lib/libfat.dylib (architecture arm64):
	/opt/gtk/lib/libfat.dylib (compatibility version 1.0.0, current version 1.0.0)
/opt/gtk/share/data.txt: is not an object file
`

func TestParseOtool(t *testing.T) {
	got := ParseOtool([]byte(otoolOutput))
	want := []deps.Dependency{
		{Binary: "/opt/gtk/bin/app", Path: "/opt/gtk/lib/libgtk-3.0.dylib", Compat: "2405.0.0", Versioned: true},
		{Binary: "/opt/gtk/bin/app", Path: "@rpath/libintl.8.dylib", Compat: "11.0.0", Versioned: true},
		{Binary: "/opt/gtk/bin/app", Path: "/usr/lib/libSystem.B.dylib", Compat: "1.0.0", Versioned: true},
		{Binary: "/opt/gtk/lib/libfat.dylib", Path: "/opt/gtk/lib/libfat.dylib", Compat: "1.0.0", Versioned: true},
		{Binary: "/opt/gtk/lib/libfat.dylib", Path: "/opt/gtk/share/data.txt: is not an object file"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ParseOtool mismatch (-want +got):\n%s", diff)
	}
}

func TestOtoolListerBatchesOneInvocation(t *testing.T) {
	r := &fakeRunner{outputs: map[string]string{"otool -L /a /b": otoolOutput}}
	found, err := OtoolLister{Runner: r}.List(context.Background(), []string{"/a", "/b"})
	require.NoError(t, err)
	assert.Len(t, found, 5)
	require.Len(t, r.calls, 1)

	found, err = OtoolLister{Runner: r}.List(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, found)
	assert.Len(t, r.calls, 1)
}

func TestRewriteReference(t *testing.T) {
	tests := []struct {
		ref, old, repl string
		want           string
		ok             bool
	}{
		{"/opt/gtk/lib/libfoo.dylib", "/opt/gtk/", "@executable_path/../Resources/", "@executable_path/../Resources/lib/libfoo.dylib", true},
		{"@rpath/libintl.8.dylib", "@rpath/", "@executable_path/../Resources/lib/", "@executable_path/../Resources/lib/libintl.8.dylib", true},
		{"/usr/lib/libSystem.B.dylib", "/opt/gtk/", "@executable_path/../Resources/", "/usr/lib/libSystem.B.dylib", false},
		{"@rpath/Sparkle.framework/Versions/A/Sparkle", "Sparkle.framework/", "@executable_path/../Frameworks/Sparkle.framework/",
			"@executable_path/../Frameworks/Sparkle.framework/Versions/A/Sparkle", true},
		{"/x/NotSparkle.framework/NotSparkle", "Sparkle.framework/", "@executable_path/../Frameworks/Sparkle.framework/",
			"/x/NotSparkle.framework/NotSparkle", false},
		{"@executable_path/../Resources/lib/libfoo.dylib", "@rpath/", "@executable_path/../Resources/lib/",
			"@executable_path/../Resources/lib/libfoo.dylib", false},
		{"anything", "", "x", "anything", false},
	}
	for _, tt := range tests {
		got, ok := RewriteReference(tt.ref, tt.old, tt.repl)
		assert.Equal(t, tt.want, got, tt.ref)
		assert.Equal(t, tt.ok, ok, tt.ref)
	}
}

func TestInstallNameToolChange(t *testing.T) {
	r := &fakeRunner{outputs: map[string]string{"otool -L /b/app": otoolOutput}}
	tool := InstallNameTool{Runner: r}

	require.NoError(t, tool.Rewrite(context.Background(), "/b/app", "/opt/gtk/", "@executable_path/../Resources/", ModeChange))
	require.Len(t, r.calls, 2)
	assert.Equal(t, "install_name_tool", r.calls[1].name)
	assert.Equal(t, []string{
		"-change", "/opt/gtk/lib/libgtk-3.0.dylib", "@executable_path/../Resources/lib/libgtk-3.0.dylib",
		"-change", "/opt/gtk/lib/libfat.dylib", "@executable_path/../Resources/lib/libfat.dylib",
		"/b/app",
	}, r.calls[1].args)
}

func TestInstallNameToolChangeWithoutMatchesDoesNothing(t *testing.T) {
	r := &fakeRunner{outputs: map[string]string{"otool -L /b/app": otoolOutput}}
	tool := InstallNameTool{Runner: r}

	require.NoError(t, tool.Rewrite(context.Background(), "/b/app", "/nowhere/", "@executable_path/../Resources/", ModeChange))
	assert.Len(t, r.calls, 1)
}

func TestInstallNameToolID(t *testing.T) {
	r := &fakeRunner{outputs: map[string]string{
		"otool -D /b/libfoo.dylib": "/b/libfoo.dylib:\n/opt/gtk/lib/libfoo.dylib\n",
		"otool -D /b/app":          "/b/app:\n",
	}}
	tool := InstallNameTool{Runner: r}

	require.NoError(t, tool.Rewrite(context.Background(), "/b/libfoo.dylib", "/opt/gtk/", "@executable_path/../Resources/", ModeID))
	require.Len(t, r.calls, 2)
	assert.Equal(t, []string{"-id", "@executable_path/../Resources/lib/libfoo.dylib", "/b/libfoo.dylib"}, r.calls[1].args)

	require.NoError(t, tool.Rewrite(context.Background(), "/b/app", "/opt/gtk/", "@executable_path/../Resources/", ModeID))
	assert.Len(t, r.calls, 3)
}

func TestInstallNameToolFailureIsReturned(t *testing.T) {
	boom := errors.New("exit status 1")
	r := &fakeRunner{
		outputs: map[string]string{"otool -L /b/app": otoolOutput},
		errs: map[string]error{
			"install_name_tool -change /opt/gtk/lib/libgtk-3.0.dylib @executable_path/../Resources/lib/libgtk-3.0.dylib " +
				"-change /opt/gtk/lib/libfat.dylib @executable_path/../Resources/lib/libfat.dylib /b/app": boom,
		},
	}
	err := InstallNameTool{Runner: r}.Rewrite(context.Background(), "/b/app", "/opt/gtk/", "@executable_path/../Resources/", ModeChange)
	require.Error(t, err)
	assert.True(t, errors.Is(err, boom))
}

func TestScanStrings(t *testing.T) {
	data := []byte("\x00\x01gtk-ok\x00ab\x00\xffdocument-open-symbolic\x02\x03help\x00")
	assert.Equal(t, []string{"gtk-ok", "document-open-symbolic", "help"}, ScanStrings(data))
}

func TestNativeStrings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bin")
	require.NoError(t, os.WriteFile(path, []byte("\x00edit-copy\x00x\x00"), 0755))

	tokens, err := NativeStrings{}.Strings(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, []string{"edit-copy"}, tokens)
}

func TestStringsTool(t *testing.T) {
	r := &fakeRunner{outputs: map[string]string{"strings - /b/app": "edit-copy\n  \ngtk-ok\n"}}
	tokens, err := StringsTool{Runner: r}.Strings(context.Background(), "/b/app")
	require.NoError(t, err)
	assert.Equal(t, []string{"edit-copy", "gtk-ok"}, tokens)
}

func TestModuleQuerySetsEnvironment(t *testing.T) {
	r := &fakeRunner{outputs: map[string]string{"/opt/gtk/bin/gdk-pixbuf-query-loaders": "# comment\n\"/b/lib/loader.so\"\n"}}
	lines, err := ModuleQuery{Runner: r}.Query(context.Background(), "/opt/gtk/bin/gdk-pixbuf-query-loaders", "GDK_PIXBUF_MODULEDIR", "/b/lib")
	require.NoError(t, err)
	assert.Equal(t, []string{"# comment", `"/b/lib/loader.so"`}, lines)
	assert.Equal(t, []string{"GDK_PIXBUF_MODULEDIR=/b/lib"}, r.calls[0].env)
}

func TestPkgConfigVariable(t *testing.T) {
	r := &fakeRunner{outputs: map[string]string{"pkg-config --variable=gtk_binary_version gtk+-3.0": "3.0.0\n"}}
	v, err := PkgConfig{Runner: r}.Variable("gtk+-3.0", "gtk_binary_version")
	require.NoError(t, err)
	assert.Equal(t, "3.0.0", v)
}

func TestIconCacheAndGirCompilerArguments(t *testing.T) {
	r := &fakeRunner{}
	require.NoError(t, IconCache{Runner: r}.Update(context.Background(), "/b/icons/hicolor"))
	require.NoError(t, GirCompiler{Runner: r}.Compile(context.Background(), "/b/Gtk-3.0.gir", "/b/Gtk-3.0.typelib"))

	assert.Equal(t, call{name: "gtk-update-icon-cache", args: []string{"-f", "/b/icons/hicolor"}}, r.calls[0])
	assert.Equal(t, call{name: "g-ir-compiler", args: []string{"--output=/b/Gtk-3.0.typelib", "/b/Gtk-3.0.gir"}}, r.calls[1])
}

func TestExecReportsStderr(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("needs a POSIX shell")
	}
	out, err := Exec{}.Run(context.Background(), []string{"GREETING=hello"}, "sh", "-c", "echo $GREETING")
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(out))

	_, err = Exec{}.Run(context.Background(), nil, "sh", "-c", "echo broken >&2; exit 3")
	require.Error(t, err)
	var toolErr *ToolError
	require.True(t, errors.As(err, &toolErr))
	assert.Equal(t, "sh", toolErr.Name)
	assert.Contains(t, err.Error(), "broken")
}
