package pathutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCanonicalizeResolvesRelativeToAbsolute(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	canon, err := Canonicalize("child")
	require.NoError(t, err)
	require.True(t, filepath.IsAbs(canon))
}

func TestCanonicalizeRejectsEmptyPath(t *testing.T) {
	_, err := Canonicalize("")
	require.Error(t, err)
}

func TestCanonicalizeResolvesSymlinks(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "real")
	require.NoError(t, os.Mkdir(target, 0o755))
	link := filepath.Join(dir, "link")
	require.NoError(t, os.Symlink(target, link))

	canon, err := Canonicalize(link)
	require.NoError(t, err)

	canonTarget, err := Canonicalize(target)
	require.NoError(t, err)
	require.Equal(t, canonTarget, canon)
}

func TestCanonicalizeHandlesNonExistentSuffix(t *testing.T) {
	dir := t.TempDir()
	canon, err := Canonicalize(filepath.Join(dir, "does", "not", "exist"))
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "does", "not", "exist"), canon)
}

func TestContainsReportsDescendant(t *testing.T) {
	dir := t.TempDir()
	child := filepath.Join(dir, "child", "file.txt")
	require.True(t, Contains(dir, child))
}

func TestContainsReportsRootItself(t *testing.T) {
	dir := t.TempDir()
	require.True(t, Contains(dir, dir))
}

func TestContainsRejectsSibling(t *testing.T) {
	dir := t.TempDir()
	sibling := filepath.Join(filepath.Dir(dir), "sibling")
	require.False(t, Contains(dir, sibling))
}

func TestContainsRejectsPrefixCollisionWithoutSeparator(t *testing.T) {
	dir := t.TempDir()
	require.False(t, Contains(dir, dir+"-evil"))
}

func TestContainedInAnyChecksEveryRoot(t *testing.T) {
	dirA := t.TempDir()
	dirB := t.TempDir()
	require.True(t, ContainedInAny([]string{dirA, dirB}, filepath.Join(dirB, "x")))
}

func TestContainedInAnyRejectsWhenNoRootMatches(t *testing.T) {
	dirA := t.TempDir()
	outside := t.TempDir()
	require.False(t, ContainedInAny([]string{dirA}, filepath.Join(outside, "x")))
}

func TestContainedInAnyWithEmptyRootsAlwaysFalse(t *testing.T) {
	require.False(t, ContainedInAny(nil, "/anything"))
}

func TestSanitizeReplacesRootWithPlaceholder(t *testing.T) {
	dir := t.TempDir()
	msg := "open " + filepath.Join(dir, "secret.txt") + ": permission denied"
	out := Sanitize(msg, dir)
	require.NotContains(t, out, dir)
	require.Contains(t, out, "<root>")
}

func TestNormalizeErrorCollapsesNewlinesAndSanitizes(t *testing.T) {
	dir := t.TempDir()
	err := &testError{msg: "line one " + dir + "\nline two"}
	out := NormalizeError(err, []string{dir})
	require.NotContains(t, out, "\n")
	require.NotContains(t, out, dir)
}

func TestNormalizeErrorNilReturnsEmpty(t *testing.T) {
	require.Equal(t, "", NormalizeError(nil, nil))
}

type testError struct{ msg string }

func (e *testError) Error() string { return e.msg }
