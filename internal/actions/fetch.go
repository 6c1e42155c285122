package actions

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const maxFetchOutput = 4000

// fetch downloads url and returns its readable text. HTML is reduced to
// visible text; other text types are returned as-is.
func (p *Performer) fetch(ctx context.Context, url string) (*Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "airlock/1.0")

	resp, err := p.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	lr := io.LimitedReader{R: resp.Body, N: p.maxFetch}
	body, err := io.ReadAll(&lr)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", url, err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("fetch %s: status %d", url, resp.StatusCode)
	}

	ctype := strings.ToLower(resp.Header.Get("Content-Type"))
	var text, title string
	switch {
	case strings.Contains(ctype, "html"):
		title = HTMLTitle(body)
		if text, err = HTMLToText(body); err != nil {
			return nil, fmt.Errorf("parse %s: %w", url, err)
		}
	case strings.HasPrefix(ctype, "text/"), strings.Contains(ctype, "json"), ctype == "":
		text = string(body)
	default:
		text = fmt.Sprintf("[%s, %d bytes]", ctype, len(body))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s (status %d", url, resp.StatusCode)
	if lr.N == 0 {
		b.WriteString(", truncated")
	}
	b.WriteString(")\n")
	if title != "" {
		b.WriteString(title)
		b.WriteString("\n")
	}
	b.WriteString(clip(text, maxFetchOutput))
	return &Result{Output: b.String()}, nil
}
