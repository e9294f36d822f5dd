package tui

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/fidiego/hookproxy/pkg/script"
)

// scriptsView lists every loaded unit grouped by hook type in dispatch
// order, and lets the user toggle and reorder them.
type scriptsView struct {
	store  *script.Store
	infos  []script.Info
	cursor int
}

func newScriptsView(store *script.Store) *scriptsView {
	return &scriptsView{store: store}
}

// refresh reloads unit state from the store, keeping the cursor on the
// same unit where possible.
func (v *scriptsView) refresh() {
	var current script.Info
	if v.cursor < len(v.infos) {
		current = v.infos[v.cursor]
	}
	v.infos = v.infos[:0]
	for _, t := range script.HookTypes() {
		for _, u := range v.store.List(t) {
			v.infos = append(v.infos, u.Info())
		}
	}
	for i, info := range v.infos {
		if info.Type == current.Type && info.Name == current.Name {
			v.cursor = i
			return
		}
	}
	if v.cursor >= len(v.infos) {
		v.cursor = max(len(v.infos)-1, 0)
	}
}

// handleKey applies a key press and returns a notice, if any.
func (v *scriptsView) handleKey(msg tea.KeyMsg) string {
	switch msg.String() {
	case "up", "k":
		if v.cursor > 0 {
			v.cursor--
		}
	case "down", "j":
		if v.cursor < len(v.infos)-1 {
			v.cursor++
		}
	case " ", "e":
		info, ok := v.selected()
		if !ok {
			return ""
		}
		if err := v.store.SetEnabled(info.Type, info.Name, !info.Enabled); err != nil {
			return err.Error()
		}
		v.refresh()
		state := "disabled"
		if !info.Enabled {
			state = "enabled"
		}
		return fmt.Sprintf("%s/%s %s", info.Type, info.Name, state)
	case "K", "J":
		info, ok := v.selected()
		if !ok {
			return ""
		}
		pos := v.position(info)
		if msg.String() == "K" {
			pos--
		} else {
			pos++
		}
		if pos < 0 || pos >= len(v.store.List(info.Type)) {
			return ""
		}
		if err := v.store.Move(info.Type, info.Name, pos); err != nil {
			return err.Error()
		}
		v.refresh()
	case "r":
		v.refresh()
	}
	return ""
}

func (v *scriptsView) selected() (script.Info, bool) {
	if v.cursor < 0 || v.cursor >= len(v.infos) {
		return script.Info{}, false
	}
	return v.infos[v.cursor], true
}

// position is the unit's index within its hook type.
func (v *scriptsView) position(info script.Info) int {
	for i, u := range v.store.List(info.Type) {
		if u.Name() == info.Name {
			return i
		}
	}
	return -1
}

func (v *scriptsView) view(width, height int) string {
	if len(v.infos) == 0 {
		return styleHelp.Render(" No scripts loaded. Add files under the scripts directory or POST /api/scripts.")
	}
	var b strings.Builder
	header := fmt.Sprintf(" %-3s %-11s %-24s %-10s %7s %6s  %s", "", "TYPE", "NAME", "RUNTIME", "CALLS", "ERRS", "LAST ERROR")
	b.WriteString(styleHeader.Render(header))
	b.WriteString("\n")

	lines := 1
	var last script.HookType
	for i, info := range v.infos {
		if lines >= height {
			break
		}
		if info.Type != last && i > 0 {
			b.WriteString(styleDivider.Render(strings.Repeat("─", width)))
			b.WriteString("\n")
			lines++
		}
		last = info.Type

		check := "[ ]"
		if info.Enabled {
			check = "[x]"
		}
		lastErr := ""
		if info.LastError != nil {
			lastErr = info.LastError.Message
		}
		line := fmt.Sprintf(" %-3s %-11s %-24s %-10s %7d %6d  %s",
			check, info.Type, truncateStr(info.Name, 24), info.Runtime,
			info.Invocations, info.RunErrors, truncateStr(lastErr, width-72))
		switch {
		case i == v.cursor:
			line = tableSelectedStyle.Width(width).Render(line)
		case !info.Enabled:
			line = styleGray(line)
		case info.RunErrors > 0:
			line = styleError.Render(line)
		}
		b.WriteString(line)
		b.WriteString("\n")
		lines++
	}
	return b.String()
}
