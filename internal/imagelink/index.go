// Package imagelink indexes the images bundled with a digitised report and
// associates them with consolidated records through a cascade of matching
// strategies.
package imagelink

import (
	"encoding/json"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "golang.org/x/image/webp"

	"github.com/timmy/stratum/internal/domain"
)

// ContentItem is one entry of the layout-analysis content list that ships
// with a digitised report: interleaved text and image blocks in reading
// order.
type ContentItem struct {
	Type    string    `json:"type"`
	Text    string    `json:"text,omitempty"`
	ImgPath string    `json:"img_path,omitempty"`
	PageIdx int       `json:"page_idx"`
	BBox    []float64 `json:"bbox,omitempty"`
}

// Hash returns the image identifier of an image item: its file name without
// directory or extension.
func (c ContentItem) Hash() string {
	if c.ImgPath == "" {
		return ""
	}
	base := filepath.Base(c.ImgPath)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// LoadContentList reads the report folder's "*_content_list.json" file.
// A missing file is not an error: the indexer degrades to bare file metadata.
func LoadContentList(reportFolder string) ([]ContentItem, error) {
	entries, err := os.ReadDir(reportFolder)
	if err != nil {
		return nil, fmt.Errorf("read report folder: %w", err)
	}

	var path string
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), "content_list.json") {
			path = filepath.Join(reportFolder, e.Name())
			break
		}
	}
	if path == "" {
		return nil, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read content list: %w", err)
	}
	var items []ContentItem
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("parse content list %s: %w", filepath.Base(path), err)
	}
	return items, nil
}

var imageExtensions = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".webp": true,
}

// Index catalogues every image under the report folder's images/ directory:
// file metadata, pixel dimensions, and — when a content list is available —
// page position, caption and nearby text. Unreadable image files are indexed
// with zero dimensions rather than skipped, so the link table stays complete.
func Index(reportFolder, documentRef string, items []ContentItem) ([]domain.ImageDescriptor, error) {
	imagesDir := filepath.Join(reportFolder, "images")
	entries, err := os.ReadDir(imagesDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read images folder: %w", err)
	}

	byHash := make(map[string]int)
	for i, item := range items {
		if item.Type == "image" {
			if h := item.Hash(); h != "" {
				byHash[h] = i
			}
		}
	}

	var descriptors []domain.ImageDescriptor
	for _, e := range entries {
		if e.IsDir() || !imageExtensions[strings.ToLower(filepath.Ext(e.Name()))] {
			continue
		}

		path := filepath.Join(imagesDir, e.Name())
		hash := strings.TrimSuffix(e.Name(), filepath.Ext(e.Name()))

		d := domain.ImageDescriptor{
			ID:          domain.ImageID(documentRef, hash),
			DocumentRef: documentRef,
			Hash:        hash,
			Path:        path,
			CreatedAt:   time.Now(),
		}
		if info, err := e.Info(); err == nil {
			d.FileSize = info.Size()
		}
		d.Width, d.Height = decodeDimensions(path)

		if idx, ok := byHash[hash]; ok {
			item := items[idx]
			d.Page = item.PageIdx
			d.BBox = domain.FloatArray(item.BBox)
			d.Caption = captionFor(items, idx)
			d.NearbyText = nearbyText(items, idx, 2)
		}
		descriptors = append(descriptors, d)
	}
	return descriptors, nil
}

func decodeDimensions(path string) (int, int) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0
	}
	defer f.Close()

	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return 0, 0
	}
	return cfg.Width, cfg.Height
}

// captionFor looks for the first text item after the image that reads like a
// figure caption; failing that it falls back to the surrounding text.
func captionFor(items []ContentItem, imageIdx int) string {
	for j := imageIdx + 1; j < len(items) && j <= imageIdx+4; j++ {
		if items[j].Type != "text" {
			continue
		}
		text := strings.TrimSpace(items[j].Text)
		if text == "" {
			continue
		}
		if strings.HasPrefix(text, "图") || strings.HasPrefix(text, "Fig") {
			return text
		}
	}
	return nearbyText(items, imageIdx, 2)
}

func nearbyText(items []ContentItem, idx, distance int) string {
	var parts []string
	for i := idx - distance; i <= idx+distance; i++ {
		if i < 0 || i >= len(items) || i == idx {
			continue
		}
		if items[i].Type == "text" && items[i].Text != "" {
			parts = append(parts, items[i].Text)
		}
	}
	joined := strings.Join(parts, " ")
	runes := []rune(joined)
	if len(runes) > 500 {
		return string(runes[:500])
	}
	return joined
}
