package actions

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/fentz26/airlock/internal/models"
)

var typeCategories = map[string]string{}

func init() {
	groups := map[string][]string{
		"Images":        {"jpg", "jpeg", "png", "gif", "bmp", "svg", "webp", "heic", "tiff"},
		"Documents":     {"pdf", "doc", "docx", "txt", "md", "rtf", "odt", "pages"},
		"Spreadsheets":  {"xls", "xlsx", "csv", "numbers", "ods"},
		"Presentations": {"ppt", "pptx", "key", "odp"},
		"Audio":         {"mp3", "wav", "flac", "aac", "m4a", "ogg"},
		"Video":         {"mp4", "mov", "avi", "mkv", "webm"},
		"Archives":      {"zip", "tar", "gz", "tgz", "rar", "7z", "bz2", "xz"},
		"Code": {"go", "py", "js", "ts", "rs", "java", "c", "cpp", "h", "swift", "rb", "sh",
			"json", "yaml", "yml", "toml", "html", "css"},
	}
	for category, exts := range groups {
		for _, ext := range exts {
			typeCategories[ext] = category
		}
	}
}

// categoryFor returns the folder name a file belongs in under strategy.
func categoryFor(strategy string, info os.FileInfo) string {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(info.Name()), "."))
	switch strategy {
	case models.OrganizeByType:
		if c, ok := typeCategories[ext]; ok {
			return c
		}
		return "Other"
	case models.OrganizeByDate:
		return info.ModTime().Format("2006-01")
	case models.OrganizeBySize:
		switch size := info.Size(); {
		case size < 1<<20:
			return "Small"
		case size < 100<<20:
			return "Medium"
		default:
			return "Large"
		}
	default:
		if ext == "" {
			return "no_extension"
		}
		return ext
	}
}

// organize moves the regular, non-hidden files directly inside dir into
// category subfolders.
func (p *Performer) organize(ctx context.Context, txID, dir, strategy string) (*Result, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", dir, err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	res := &Result{}
	moved := map[string]int{}
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") || !entry.Type().IsRegular() {
			continue
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}
		info, err := entry.Info()
		if err != nil {
			return res, err
		}
		category := categoryFor(strategy, info)
		dst := uniquePath(filepath.Join(dir, category, entry.Name()))
		changes, err := p.ledger.Move(txID, filepath.Join(dir, entry.Name()), dst)
		res.Changes = append(res.Changes, changes...)
		if err != nil {
			return res, err
		}
		moved[category]++
	}

	var parts []string
	for c, n := range moved {
		parts = append(parts, fmt.Sprintf("%s: %d", c, n))
	}
	sort.Strings(parts)
	res.Output = fmt.Sprintf("organized %d files", sumCounts(moved))
	if len(parts) > 0 {
		res.Output += " (" + strings.Join(parts, ", ") + ")"
	}
	return res, nil
}

// uniquePath appends " (n)" before the extension until path is free.
func uniquePath(path string) string {
	if _, err := os.Lstat(path); os.IsNotExist(err) {
		return path
	}
	ext := filepath.Ext(path)
	base := strings.TrimSuffix(path, ext)
	for i := 1; ; i++ {
		candidate := fmt.Sprintf("%s (%d)%s", base, i, ext)
		if _, err := os.Lstat(candidate); os.IsNotExist(err) {
			return candidate
		}
	}
}

func sumCounts(m map[string]int) int {
	n := 0
	for _, v := range m {
		n += v
	}
	return n
}
