package source

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeReportFolder(t *testing.T, root, name string, images int, withLayout bool) string {
	t.Helper()
	folder := filepath.Join(root, name)
	require.NoError(t, os.MkdirAll(filepath.Join(folder, ImagesDir), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(folder, ReportFileName), []byte("# 报告"), 0644))
	for i := 0; i < images; i++ {
		name := filepath.Join(folder, ImagesDir, string(rune('a'+i))+".jpg")
		require.NoError(t, os.WriteFile(name, []byte("img"), 0644))
	}
	if withLayout {
		require.NoError(t, os.WriteFile(filepath.Join(folder, "report_content_list.json"), []byte("[]"), 0644))
	}
	return folder
}

func TestDescribe(t *testing.T) {
	root := t.TempDir()
	folder := writeReportFolder(t, root, "liangzhu_2019", 2, true)

	got, err := Describe(folder)
	require.NoError(t, err)
	assert.Equal(t, "liangzhu_2019", got.Name)
	assert.Equal(t, 2, got.ImageCount)
	assert.True(t, got.HasLayout)
}

func TestDescribeMissingReport(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "empty"), 0755))

	_, err := Describe(filepath.Join(root, "empty"))
	assert.Error(t, err)
}

func TestDiscover(t *testing.T) {
	root := t.TempDir()
	writeReportFolder(t, root, "b_site", 0, false)
	writeReportFolder(t, root, "a_site", 1, false)
	// A folder without report text is skipped.
	require.NoError(t, os.MkdirAll(filepath.Join(root, "not_a_report"), 0755))

	folders, err := Discover(root)
	require.NoError(t, err)
	require.Len(t, folders, 2)
	assert.Equal(t, "a_site", folders[0].Name)
	assert.Equal(t, "b_site", folders[1].Name)
}

func TestDiscoverMissingRoot(t *testing.T) {
	folders, err := Discover(filepath.Join(t.TempDir(), "nope"))
	require.NoError(t, err)
	assert.Empty(t, folders)
}
