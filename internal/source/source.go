// Package source discovers report folders on disk. A report folder is the
// output of the PDF conversion step: a directory with the full text in
// full.md, plus an optional images/ directory and content list.
package source

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const (
	// ReportFileName is the converted report text file name.
	ReportFileName = "full.md"
	// ImagesDir is the directory name for extracted report images.
	ImagesDir = "images"
)

// ReportFolder describes one discovered report folder.
type ReportFolder struct {
	Path       string // Absolute or root-relative folder path
	Name       string // Folder base name, used as the document reference
	ImageCount int    // Number of image files under images/
	HasLayout  bool   // True when a content list (reading-order layout) is present
}

// Describe inspects a single report folder.
// Parameters:
//   - path: path to the report folder.
// Returns:
//   - *ReportFolder: folder description.
//   - error: non-nil if the folder is missing its report text.
func Describe(path string) (*ReportFolder, error) {
	reportPath := filepath.Join(path, ReportFileName)
	if _, err := os.Stat(reportPath); err != nil {
		return nil, fmt.Errorf("report text not found: %s. Run the PDF conversion first", reportPath)
	}

	folder := &ReportFolder{
		Path: path,
		Name: filepath.Base(path),
	}

	if entries, err := os.ReadDir(filepath.Join(path, ImagesDir)); err == nil {
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			switch strings.ToLower(filepath.Ext(entry.Name())) {
			case ".jpg", ".jpeg", ".png", ".webp":
				folder.ImageCount++
			}
		}
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), "content_list.json") {
			folder.HasLayout = true
			break
		}
	}

	return folder, nil
}

// Discover lists the report folders directly under a root directory. Folders
// without a report text file are skipped.
// Parameters:
//   - root: directory to scan.
// Returns:
//   - []ReportFolder: discovered folders, sorted by name.
//   - error: non-nil if reading the root fails.
func Discover(root string) ([]ReportFolder, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return []ReportFolder{}, nil
		}
		return nil, err
	}

	var folders []ReportFolder
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		folder, err := Describe(filepath.Join(root, entry.Name()))
		if err != nil {
			continue
		}
		folders = append(folders, *folder)
	}

	sort.Slice(folders, func(i, j int) bool {
		return folders[i].Name < folders[j].Name
	})
	return folders, nil
}
