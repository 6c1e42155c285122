package actions

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// RenameTarget expands a batch rename pattern for the n-th (1-based) file.
// Placeholders: {name} is the base name without extension, {ext} the
// extension without the dot, {n} the index and {n:3} the index zero-padded
// to three digits. The original extension is kept if the pattern does not
// mention {ext}.
func RenameTarget(pattern, file string, n int) string {
	ext := filepath.Ext(file)
	name := strings.TrimSuffix(filepath.Base(file), ext)

	out := strings.ReplaceAll(pattern, "{name}", name)
	out = strings.ReplaceAll(out, "{ext}", strings.TrimPrefix(ext, "."))
	for {
		start := strings.Index(out, "{n:")
		if start < 0 {
			break
		}
		end := strings.Index(out[start:], "}")
		if end < 0 {
			break
		}
		width, err := strconv.Atoi(out[start+3 : start+end])
		if err != nil || width < 0 {
			width = 0
		}
		out = out[:start] + fmt.Sprintf("%0*d", width, n) + out[start+end+1:]
	}
	out = strings.ReplaceAll(out, "{n}", strconv.Itoa(n))

	if !strings.Contains(pattern, "{ext}") && ext != "" && filepath.Ext(out) == "" {
		out += ext
	}
	return out
}

// batchRename renames files in dir according to pattern. With no explicit
// files every regular, non-hidden file in dir is renamed in name order. All
// targets are validated before the first rename.
func (p *Performer) batchRename(ctx context.Context, txID, dir string, files []string, pattern string, resolve func(string) string) (*Result, error) {
	var sources []string
	if len(files) > 0 {
		for _, f := range files {
			if !filepath.IsAbs(f) && dir != "" {
				f = filepath.Join(dir, f)
			}
			sources = append(sources, resolve(f))
		}
	} else {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", dir, err)
		}
		for _, e := range entries {
			if e.Type().IsRegular() && !strings.HasPrefix(e.Name(), ".") {
				sources = append(sources, filepath.Join(dir, e.Name()))
			}
		}
		sort.Strings(sources)
	}

	type rename struct{ from, to string }
	plan := make([]rename, 0, len(sources))
	seen := map[string]string{}
	for i, src := range sources {
		if _, err := os.Stat(src); err != nil {
			return nil, fmt.Errorf("rename source: %w", err)
		}
		target := RenameTarget(pattern, src, i+1)
		if target == "" || strings.ContainsRune(target, filepath.Separator) {
			return nil, fmt.Errorf("pattern %q yields invalid name %q", pattern, target)
		}
		dst := filepath.Join(filepath.Dir(src), target)
		if dst == src {
			continue
		}
		if prev, ok := seen[dst]; ok {
			return nil, fmt.Errorf("%s and %s would both be renamed to %s", prev, src, target)
		}
		if _, err := os.Lstat(dst); err == nil {
			return nil, fmt.Errorf("rename %s: target %s already exists", filepath.Base(src), target)
		}
		seen[dst] = src
		plan = append(plan, rename{from: src, to: dst})
	}

	res := &Result{}
	for _, r := range plan {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		changes, err := p.ledger.Move(txID, r.from, r.to)
		res.Changes = append(res.Changes, changes...)
		if err != nil {
			return res, err
		}
	}
	res.Output = fmt.Sprintf("renamed %d files", len(plan))
	return res, nil
}
