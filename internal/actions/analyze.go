package actions

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"

	pdfx "github.com/ledongthuc/pdf"
	"golang.org/x/net/html"
)

const (
	maxAnalyzeBytes = 20 << 20
	maxPDFPages     = 50
	previewChars    = 160
)

// Report describes one analyzed file.
type Report struct {
	Path    string
	Kind    string
	Bytes   int64
	Lines   int
	Words   int
	Pages   int
	Preview string
}

func (r Report) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s (%s, %d bytes", r.Path, r.Kind, r.Bytes)
	if r.Pages > 0 {
		fmt.Fprintf(&b, ", %d pages", r.Pages)
	}
	if r.Kind != "binary" {
		fmt.Fprintf(&b, ", %d lines, %d words", r.Lines, r.Words)
	}
	b.WriteString(")")
	if r.Preview != "" {
		b.WriteString(": ")
		b.WriteString(r.Preview)
	}
	return b.String()
}

// analyze reports on path (a file or a directory) plus any listed files.
func (p *Performer) analyze(ctx context.Context, path string, files []string, resolve func(string) string) (*Result, error) {
	var targets []string
	if len(files) > 0 {
		for _, f := range files {
			if !filepath.IsAbs(f) && path != "" {
				f = filepath.Join(path, f)
			}
			targets = append(targets, resolve(f))
		}
	} else {
		targets = []string{path}
	}

	var lines []string
	for _, t := range targets {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		info, err := os.Stat(t)
		if err != nil {
			return nil, fmt.Errorf("analyze: %w", err)
		}
		if info.IsDir() {
			summary, err := summarizeDir(t)
			if err != nil {
				return nil, err
			}
			lines = append(lines, summary)
			continue
		}
		rep, err := AnalyzeFile(t)
		if err != nil {
			return nil, err
		}
		lines = append(lines, rep.String())
	}
	return &Result{Output: strings.Join(lines, "\n")}, nil
}

// AnalyzeFile extracts text statistics from a file. PDF and HTML files are
// converted to text first.
func AnalyzeFile(path string) (*Report, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.Size() > maxAnalyzeBytes {
		return nil, fmt.Errorf("%s is too large to analyze (%d bytes)", path, info.Size())
	}
	rep := &Report{Path: path, Bytes: info.Size()}

	var text string
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pdf":
		rep.Kind = "pdf"
		text, rep.Pages, err = pdfText(path)
		if err != nil {
			return nil, fmt.Errorf("read pdf %s: %w", path, err)
		}
	case ".html", ".htm":
		rep.Kind = "html"
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		text, err = HTMLToText(data)
		if err != nil {
			return nil, fmt.Errorf("parse html %s: %w", path, err)
		}
	default:
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if !utf8.Valid(data) || bytes.IndexByte(data, 0) >= 0 {
			rep.Kind = "binary"
			return rep, nil
		}
		rep.Kind = "text"
		text = string(data)
	}

	rep.Words = len(strings.Fields(text))
	if text != "" {
		rep.Lines = strings.Count(text, "\n") + 1
		if strings.HasSuffix(text, "\n") {
			rep.Lines--
		}
	}
	rep.Preview = clip(strings.Join(strings.Fields(text), " "), previewChars)
	return rep, nil
}

func pdfText(path string) (string, int, error) {
	f, r, err := pdfx.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	total := r.NumPage()
	var out strings.Builder
	for i := 1; i <= total && i <= maxPDFPages; i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		txt, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		if t := strings.TrimSpace(txt); t != "" {
			out.WriteString(t)
			out.WriteString("\n")
		}
	}
	return strings.TrimSpace(out.String()), total, nil
}

// HTMLToText returns the visible text of an HTML document, one block per
// line, skipping script, style and noscript content.
func HTMLToText(data []byte) (string, error) {
	node, err := html.Parse(bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	var b strings.Builder
	extractText(node, &b, false)
	return compactWhitespace(b.String()), nil
}

// HTMLTitle returns the document title, if any.
func HTMLTitle(data []byte) string {
	node, err := html.Parse(bytes.NewReader(data))
	if err != nil {
		return ""
	}
	var find func(*html.Node) string
	find = func(n *html.Node) string {
		if n.Type == html.ElementNode && n.Data == "title" && n.FirstChild != nil {
			return strings.TrimSpace(n.FirstChild.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if t := find(c); t != "" {
				return t
			}
		}
		return ""
	}
	return find(node)
}

func extractText(n *html.Node, b *strings.Builder, hidden bool) {
	if n.Type == html.ElementNode {
		switch strings.ToLower(n.Data) {
		case "script", "style", "noscript", "head":
			hidden = true
		case "br", "p", "div", "li", "tr", "h1", "h2", "h3", "h4", "h5", "h6":
			b.WriteString("\n")
		}
	}
	if !hidden && n.Type == html.TextNode {
		b.WriteString(n.Data)
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		extractText(c, b, hidden)
	}
}

func compactWhitespace(s string) string {
	s = strings.NewReplacer("\t", " ", "\r", " ").Replace(s)
	var out []string
	for _, ln := range strings.Split(s, "\n") {
		if ln = strings.Join(strings.Fields(ln), " "); ln != "" {
			out = append(out, ln)
		}
	}
	return strings.Join(out, "\n")
}

func summarizeDir(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}
	byExt := map[string]int{}
	files, dirs := 0, 0
	var size int64
	for _, e := range entries {
		if e.IsDir() {
			dirs++
			continue
		}
		files++
		if info, err := e.Info(); err == nil {
			size += info.Size()
		}
		ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(e.Name()), "."))
		if ext == "" {
			ext = "(none)"
		}
		byExt[ext]++
	}
	var parts []string
	for ext, n := range byExt {
		parts = append(parts, fmt.Sprintf("%s=%d", ext, n))
	}
	sort.Strings(parts)
	summary := fmt.Sprintf("%s (directory, %d files, %d folders, %d bytes)", dir, files, dirs, size)
	if len(parts) > 0 {
		summary += ": " + strings.Join(parts, " ")
	}
	return summary, nil
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
