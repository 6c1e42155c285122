package airlock

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gobwas/glob"
)

// Target is the concrete argument of a tool invocation.
type Target struct {
	Workspace string
	Paths     []string
	URL       string
}

// ResolvePath makes p absolute against workspace and cleans it.
func ResolvePath(workspace, p string) string {
	p = expandHome(p)
	if !filepath.IsAbs(p) && workspace != "" {
		p = filepath.Join(workspace, p)
	}
	if abs, err := filepath.Abs(p); err == nil {
		p = abs
	}
	return filepath.Clean(p)
}

// CheckTarget applies the scopes to every path and the URL of t. It returns
// an empty string when the target is in scope, otherwise the reason.
func (s Scopes) CheckTarget(t Target) string {
	for _, p := range t.Paths {
		if reason := s.CheckPath(t.Workspace, p); reason != "" {
			return reason
		}
	}
	if t.URL != "" {
		return s.CheckURL(t.URL)
	}
	return ""
}

// CheckPath reports why p is out of scope, or "" if it is in scope. Blocked
// patterns win over allowed ones. With no allowed_paths configured, paths
// must stay inside the workspace. Symlinks are resolved, so a link inside
// the workspace is judged by where it points.
func (s Scopes) CheckPath(workspace, p string) string {
	abs := ResolvePath(workspace, p)
	resolved := RealPath(abs)
	ws, realWS := "", ""
	if workspace != "" {
		ws = ResolvePath("", workspace)
		realWS = RealPath(ws)
	}

	for _, pattern := range s.BlockedPaths {
		if matchPath(pattern, abs, ws) || matchPath(pattern, resolved, realWS) {
			return fmt.Sprintf("path %s is blocked by %q", resolved, pattern)
		}
	}

	if len(s.AllowedPaths) == 0 {
		if realWS != "" && !within(resolved, realWS) {
			return fmt.Sprintf("path %s is outside the workspace", resolved)
		}
		return ""
	}
	for _, pattern := range s.AllowedPaths {
		if matchPath(pattern, resolved, realWS) {
			return ""
		}
	}
	return fmt.Sprintf("path %s is not in allowed_paths", resolved)
}

// maxLinkHops bounds symlink chains followed by RealPath.
const maxLinkHops = 40

// RealPath resolves symlinks in the longest existing prefix of the absolute
// path p and appends the rest. A dangling link is followed to its target.
func RealPath(p string) string {
	return realPath(filepath.Clean(p), 0)
}

func realPath(p string, hops int) string {
	rest := ""
	cur := p
	for {
		if r, err := filepath.EvalSymlinks(cur); err == nil {
			return filepath.Join(r, rest)
		}
		if fi, err := os.Lstat(cur); err == nil && fi.Mode()&os.ModeSymlink != 0 && hops < maxLinkHops {
			if target, err := os.Readlink(cur); err == nil {
				if !filepath.IsAbs(target) {
					target = filepath.Join(filepath.Dir(cur), target)
				}
				return realPath(filepath.Join(target, rest), hops+1)
			}
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return p
		}
		rest = filepath.Join(filepath.Base(cur), rest)
		cur = parent
	}
}

// CheckURL reports why raw is out of scope, or "" if it is in scope.
func (s Scopes) CheckURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return fmt.Sprintf("invalid url %q", raw)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Sprintf("unsupported url scheme %q", u.Scheme)
	}
	host := strings.ToLower(u.Hostname())

	for _, pattern := range s.BlockedDomains {
		if matchDomain(pattern, host) {
			return fmt.Sprintf("domain %s is blocked by %q", host, pattern)
		}
	}
	if len(s.AllowedDomains) == 0 {
		return ""
	}
	for _, pattern := range s.AllowedDomains {
		if matchDomain(pattern, host) {
			return ""
		}
	}
	return fmt.Sprintf("domain %s is not in allowed_domains", host)
}

func matchPath(pattern, abs, workspace string) bool {
	pattern = expandHome(strings.TrimSpace(pattern))
	if pattern == "" {
		return false
	}
	if hasMeta(pattern) {
		if matchGlob(pattern, abs, workspace) {
			return true
		}
		// "dir/**" covers dir itself as well as its contents.
		if base := strings.TrimSuffix(pattern, "/**"); base != pattern && base != "" {
			return matchGlob(base, abs, workspace)
		}
		return false
	}
	if !filepath.IsAbs(pattern) && workspace != "" {
		pattern = filepath.Join(workspace, pattern)
	}
	pattern = filepath.Clean(pattern)
	return within(abs, pattern) || within(abs, RealPath(pattern))
}

func matchGlob(pattern, abs, workspace string) bool {
	g, err := compiled(pattern, '/')
	if err != nil {
		return false
	}
	if g.Match(abs) {
		return true
	}
	if workspace != "" && within(abs, workspace) {
		rel, err := filepath.Rel(workspace, abs)
		return err == nil && g.Match(filepath.ToSlash(rel))
	}
	return false
}

func matchDomain(pattern, host string) bool {
	pattern = strings.ToLower(strings.TrimSpace(pattern))
	if pattern == "" {
		return false
	}
	if hasMeta(pattern) {
		g, err := compiled(pattern, '.')
		return err == nil && g.Match(host)
	}
	return host == pattern || strings.HasSuffix(host, "."+pattern)
}

// within reports whether p is dir or below it.
func within(p, dir string) bool {
	if p == dir {
		return true
	}
	if !strings.HasSuffix(dir, string(filepath.Separator)) {
		dir += string(filepath.Separator)
	}
	return strings.HasPrefix(p, dir)
}

func hasMeta(pattern string) bool {
	return strings.ContainsAny(pattern, "*?[{")
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}

var globCache sync.Map // "sep|pattern" -> glob.Glob

func compiled(pattern string, sep rune) (glob.Glob, error) {
	key := string(sep) + "|" + pattern
	if g, ok := globCache.Load(key); ok {
		return g.(glob.Glob), nil
	}
	g, err := glob.Compile(pattern, sep)
	if err != nil {
		return nil, fmt.Errorf("compile pattern %q: %w", pattern, err)
	}
	globCache.Store(key, g)
	return g, nil
}
