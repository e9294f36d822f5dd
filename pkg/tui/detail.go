package tui

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/fidiego/hookproxy/pkg/message"
	"github.com/fidiego/hookproxy/pkg/proxy"
)

func renderFlowDetail(f *proxy.Flow, width int) string {
	snap := f.Clone()
	var b strings.Builder
	half := (width - 3) / 2

	b.WriteString(fmt.Sprintf("%s %s  →  %s  [%s]  %s",
		styleKeyword.Render(snap.Request.Method),
		snap.Request.Path,
		f.Upstream,
		formatDur(f.Duration()),
		statusLabel(f),
	))
	b.WriteString("\n")
	b.WriteString(styleDivider.Render(strings.Repeat("─", width)))
	b.WriteString("\n")

	if tags := f.TagList(); len(tags) > 0 {
		for _, t := range tags {
			b.WriteString(styleTag.Render(t) + " ")
		}
		b.WriteString("\n")
	}
	for _, n := range snap.Notes {
		b.WriteString(styleGray("note: ") + n + "\n")
	}
	if f.Error != "" {
		b.WriteString(styleError.Render(f.Error) + "\n")
	}
	b.WriteString("\n")

	// Two-column layout: request | response
	left := strings.Split(renderRequest(snap.Request, half), "\n")
	right := strings.Split(renderResponse(snap.Response, half), "\n")
	col := lipgloss.NewStyle().Width(half)
	sep := styleDivider.Render("│")
	for i := 0; i < max(len(left), len(right)); i++ {
		var l, r string
		if i < len(left) {
			l = left[i]
		}
		if i < len(right) {
			r = right[i]
		}
		b.WriteString(col.Render(l) + sep + col.Render(r) + "\n")
	}
	return b.String()
}

func renderRequest(req *message.Request, width int) string {
	if req == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString(styleSectionTitle.Width(width).Render("Request") + "\n")
	b.WriteString(styleKeyword.Render(req.Method) + " " + truncateStr(req.URL, width-len(req.Method)-1) + "\n")
	writeHeaders(&b, req.Headers, width)
	writeBody(&b, req.Headers, req.Body, req.BodyTruncated)
	return b.String()
}

func renderResponse(resp *message.Response, width int) string {
	title := styleSectionTitle.Width(width).Render("Response") + "\n"
	if resp == nil {
		return title + "(pending)"
	}
	var b strings.Builder
	b.WriteString(title)
	b.WriteString(lipgloss.NewStyle().Foreground(statusColor(resp.StatusCode)).Bold(true).
		Render(fmt.Sprintf("%d", resp.StatusCode)) + "\n")
	writeHeaders(&b, resp.Headers, width)
	writeBody(&b, resp.Headers, resp.Body, resp.BodyTruncated)
	return b.String()
}

func writeHeaders(b *strings.Builder, h http.Header, width int) {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		for _, v := range h[k] {
			b.WriteString(styleGray(k+": ") + truncateStr(v, width-len(k)-4) + "\n")
		}
	}
}

func writeBody(b *strings.Builder, h http.Header, body []byte, truncated bool) {
	if len(body) == 0 {
		return
	}
	b.WriteString("\n" + prettyBody(h.Get("Content-Type"), body))
	if truncated {
		b.WriteString(styleError.Render("\n… (truncated)"))
	}
}

// statusLabel is the status column text: the response code, or the flow
// state when there is none yet.
func statusLabel(f *proxy.Flow) string {
	switch {
	case f.Intercepted():
		return stylePaused.Render("PAUSED")
	case f.State == proxy.FlowStateDropped:
		return styleError.Render("DROP")
	}
	snap := f.Clone()
	if snap.Response != nil {
		return lipgloss.NewStyle().Foreground(statusColor(snap.Response.StatusCode)).
			Render(fmt.Sprintf("%d", snap.Response.StatusCode))
	}
	if f.State == proxy.FlowStateError {
		return styleError.Render("ERR")
	}
	return "-"
}

// prettyBody formats a body based on content type.
func prettyBody(contentType string, body []byte) string {
	if strings.Contains(strings.ToLower(contentType), "json") {
		var v any
		if err := json.Unmarshal(body, &v); err == nil {
			if pretty, err := json.MarshalIndent(v, "", "  "); err == nil {
				return string(pretty)
			}
		}
	}
	return truncateStr(string(body), 2000)
}

func styleGray(s string) string {
	return lipgloss.NewStyle().Foreground(colorGray).Render(s)
}

func truncateStr(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[:max-1] + "…"
}

func formatDur(d time.Duration) string {
	switch {
	case d < time.Millisecond:
		return fmt.Sprintf("%dµs", d.Microseconds())
	case d < time.Second:
		return fmt.Sprintf("%dms", d.Milliseconds())
	default:
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
}

func formatSize(n int) string {
	switch {
	case n == 0:
		return "0"
	case n < 1024:
		return fmt.Sprintf("%dB", n)
	case n < 1024*1024:
		return fmt.Sprintf("%.1fK", float64(n)/1024)
	default:
		return fmt.Sprintf("%.1fM", float64(n)/1024/1024)
	}
}

// toCURL renders a flow's request as a curl command.
func toCURL(f *proxy.Flow) string {
	req := f.Clone().Request
	if req == nil {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "curl -X %s '%s'", req.Method, req.URL)
	keys := make([]string, 0, len(req.Headers))
	for k := range req.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		switch strings.ToLower(k) {
		case "connection", "transfer-encoding", "content-length":
			continue
		}
		for _, v := range req.Headers[k] {
			fmt.Fprintf(&b, " \\\n  -H '%s: %s'", k, v)
		}
	}
	if len(req.Body) > 0 {
		fmt.Fprintf(&b, " \\\n  -d '%s'", strings.ReplaceAll(string(req.Body), "'", `'\''`))
	}
	return b.String()
}
