// Package tui provides the interactive terminal UI for hookproxy: a live
// flow list with intercept controls and a script manager.
package tui

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/fidiego/hookproxy/pkg/filter"
	"github.com/fidiego/hookproxy/pkg/proxy"
)

// viewMode controls which pane is shown.
type viewMode int

const (
	viewList    viewMode = iota // flow list
	viewDetail                  // request/response detail
	viewScripts                 // script manager
)

// flowEventMsg wraps a proxy.FlowEvent for the Bubbletea message bus.
type flowEventMsg proxy.FlowEvent

// noticeMsg reports the result of background work such as a replay.
type noticeMsg string

// App is the root Bubbletea model.
type App struct {
	ctx     context.Context
	engine  *proxy.Engine
	store   *proxy.FlowStore
	eventCh chan proxy.FlowEvent

	allFlows     []*proxy.Flow
	filtered     []*proxy.Flow
	filterParsed filter.Filter

	mode     viewMode
	previous viewMode

	table       table.Model
	detail      viewport.Model
	filterInput textinput.Model
	filterMode  bool
	scripts     *scriptsView

	width  int
	height int

	notice    string
	noticeExp time.Time

	webPort int
}

// New creates a new App, subscribing to the given engine's flow store.
func New(ctx context.Context, engine *proxy.Engine, webPort int) *App {
	cols := []table.Column{
		{Title: "#", Width: 5},
		{Title: "Method", Width: 7},
		{Title: "Status", Width: 7},
		{Title: "Upstream", Width: 10},
		{Title: "Path", Width: 40},
		{Title: "Time", Width: 7},
		{Title: "Size", Width: 7},
		{Title: "Tags", Width: 16},
	}
	t := table.New(
		table.WithColumns(cols),
		table.WithFocused(true),
		table.WithHeight(20),
	)
	t.SetStyles(tableStyles())

	fi := textinput.New()
	fi.Placeholder = "~m POST & ~p /api | ~t reflected"
	fi.CharLimit = 256

	a := &App{
		ctx:          ctx,
		engine:       engine,
		store:        engine.Store(),
		eventCh:      engine.Store().Subscribe(),
		filterParsed: filter.MatchAll,
		table:        t,
		detail:       viewport.New(80, 30),
		filterInput:  fi,
		scripts:      newScriptsView(engine.Scripts().Store()),
		webPort:      webPort,
	}
	// Flows captured before the UI started.
	a.allFlows = a.store.All()
	a.applyFilter()
	return a
}

// Init satisfies tea.Model.
func (a *App) Init() tea.Cmd {
	return waitForFlowEvent(a.eventCh)
}

// waitForFlowEvent returns a command that blocks until the next flow event.
func waitForFlowEvent(ch chan proxy.FlowEvent) tea.Cmd {
	return func() tea.Msg {
		evt, ok := <-ch
		if !ok {
			return nil
		}
		return flowEventMsg(evt)
	}
}

// Update satisfies tea.Model.
func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.resize()

	case flowEventMsg:
		a.applyEvent(proxy.FlowEvent(msg))
		return a, waitForFlowEvent(a.eventCh)

	case noticeMsg:
		a.notify(string(msg))

	case tea.KeyMsg:
		if a.filterMode {
			return a.updateFilterInput(msg)
		}
		return a.handleKey(msg)
	}
	return a, nil
}

func (a *App) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		return a, tea.Quit
	case "tab":
		if a.mode == viewScripts {
			a.mode = a.previous
		} else {
			a.previous = a.mode
			a.mode = viewScripts
			a.scripts.refresh()
		}
		return a, nil
	}

	if a.mode == viewScripts {
		if note := a.scripts.handleKey(msg); note != "" {
			a.notify(note)
		}
		return a, nil
	}

	switch msg.String() {
	case "enter":
		if a.mode == viewList && len(a.filtered) > 0 {
			a.mode = viewDetail
			a.renderDetail()
		}
	case "esc", "backspace":
		a.mode = viewList
	case "f", "/":
		a.filterMode = true
		a.filterInput.Focus()
		return a, textinput.Blink
	case "r":
		return a, a.replaySelected()
	case "i":
		a.resumeSelected()
	case "x":
		a.killSelected()
	case "c":
		if f := a.selectedFlow(); f != nil {
			a.notify(toCURL(f))
		}
	case "d":
		a.store.Clear()
		a.allFlows = nil
		a.applyFilter()
		a.notify("Cleared all flows")
	default:
		// Navigation keys go to whichever pane is showing.
		if a.mode == viewList {
			a.table, _ = a.table.Update(msg)
		} else {
			a.detail, _ = a.detail.Update(msg)
		}
	}
	return a, nil
}

func (a *App) updateFilterInput(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "enter":
		expr := a.filterInput.Value()
		f, err := filter.Parse(expr)
		if err != nil {
			a.notify(fmt.Sprintf("invalid filter: %v", err))
		} else {
			a.filterParsed = f
			a.applyFilter()
			if expr != "" {
				a.notify("filter: " + expr)
			}
		}
		a.filterMode = false
		a.filterInput.Blur()
	case "esc":
		a.filterMode = false
		a.filterInput.Blur()
	default:
		var cmd tea.Cmd
		a.filterInput, cmd = a.filterInput.Update(msg)
		return a, cmd
	}
	return a, nil
}

// View satisfies tea.Model.
func (a *App) View() string {
	if a.width == 0 {
		return "Loading…"
	}

	var b strings.Builder
	paused := 0
	for _, f := range a.allFlows {
		if f.Intercepted() {
			paused++
		}
	}
	status := fmt.Sprintf(" hookproxy  %s  %d flows", a.upstreamNames(), a.store.Count())
	if paused > 0 {
		status += stylePaused.Render(fmt.Sprintf("  %d paused", paused))
	}
	if a.webPort > 0 {
		status += fmt.Sprintf("  web: http://localhost:%d", a.webPort)
	}
	b.WriteString(styleStatusBar.Width(a.width).Render(status))
	b.WriteString("\n")

	contentHeight := a.height - 4
	switch a.mode {
	case viewList:
		a.table.SetHeight(contentHeight)
		b.WriteString(a.table.View())
	case viewDetail:
		a.detail.Height = contentHeight
		b.WriteString(a.detail.View())
	case viewScripts:
		b.WriteString(a.scripts.view(a.width, contentHeight))
	}

	if a.filterMode {
		b.WriteString("\n")
		b.WriteString(styleDivider.Render(strings.Repeat("─", a.width)))
		b.WriteString("\n")
		b.WriteString(styleHelp.Render(" Filter: ") + a.filterInput.View())
	}

	b.WriteString("\n")
	if a.notice != "" && time.Now().Before(a.noticeExp) {
		b.WriteString(styleHelp.Width(a.width).Render(" " + a.notice))
	} else {
		b.WriteString(styleHelp.Width(a.width).Render(a.help()))
	}
	return b.String()
}

func (a *App) help() string {
	switch a.mode {
	case viewDetail:
		return " [esc] back  [i]resume [x]kill [r]eplay [c]url  ↑↓/PgUp/PgDn scroll  [tab] scripts"
	case viewScripts:
		return " [space] enable/disable  [J/K] move  [tab] back  [q]uit"
	default:
		return " [f]ilter [i]resume [x]kill [r]eplay [c]url [d]clear [q]uit  ⏎ detail  [tab] scripts"
	}
}

// applyEvent updates the in-memory flow list and rebuilds the table.
func (a *App) applyEvent(evt proxy.FlowEvent) {
	switch evt.Type {
	case proxy.FlowEventNew:
		a.allFlows = append(a.allFlows, evt.Flow)
		if len(a.allFlows) > a.store.Count() {
			// The store evicted its oldest flows.
			a.allFlows = a.store.All()
			a.applyFilter()
			return
		}
		if a.filterParsed(evt.Flow) {
			a.filtered = append(a.filtered, evt.Flow)
		}
		a.rebuildTable()
	case proxy.FlowEventIntercept:
		snap := evt.Flow.Clone()
		a.notify(fmt.Sprintf("paused %s %s  [i]resume [x]kill", snap.Request.Method, snap.Request.Path))
		a.rebuildTable()
	default:
		a.rebuildTable()
		if a.mode == viewDetail {
			a.renderDetail()
		}
	}
}

// applyFilter re-evaluates the filter against all known flows.
func (a *App) applyFilter() {
	a.filtered = filter.Select(a.allFlows, a.filterParsed)
	a.rebuildTable()
}

// rebuildTable refreshes the table rows from the filtered flow slice.
func (a *App) rebuildTable() {
	rows := make([]table.Row, 0, len(a.filtered))
	for _, f := range a.filtered {
		snap := f.Clone()
		size := "-"
		if snap.Response != nil {
			size = formatSize(len(snap.Response.Body))
		}
		rows = append(rows, table.Row{
			fmt.Sprintf("%d", f.HistoryID),
			snap.Request.Method,
			statusLabel(f),
			f.Upstream,
			snap.Request.Path,
			formatDur(f.Duration()),
			size,
			strings.Join(f.TagList(), ","),
		})
	}
	a.table.SetRows(rows)
}

func (a *App) selectedFlow() *proxy.Flow {
	cursor := a.table.Cursor()
	if cursor < 0 || cursor >= len(a.filtered) {
		a.notify("no flow selected")
		return nil
	}
	return a.filtered[cursor]
}

// renderDetail fills the viewport with request/response detail for the selected flow.
func (a *App) renderDetail() {
	f := a.selectedFlow()
	if f == nil {
		a.detail.SetContent("(no flow selected)")
		return
	}
	a.detail.SetContent(renderFlowDetail(f, a.width))
}

// replaySelected replays the selected flow through the proxy, scripts
// included, and reports back as a notice.
func (a *App) replaySelected() tea.Cmd {
	f := a.selectedFlow()
	if f == nil {
		return nil
	}
	a.notify(fmt.Sprintf("replaying %s %s", f.Request.Method, f.Request.Path))
	return func() tea.Msg {
		replayed, err := a.engine.Replay(a.ctx, f.ID)
		if err != nil {
			return noticeMsg("replay failed: " + err.Error())
		}
		return noticeMsg(fmt.Sprintf("replayed as #%d (%s)", replayed.HistoryID, statusLabel(replayed)))
	}
}

func (a *App) resumeSelected() {
	if f := a.selectedFlow(); f != nil {
		if !f.Intercepted() {
			a.notify("flow is not paused")
			return
		}
		f.Resume()
		a.notify("resumed")
	}
}

func (a *App) killSelected() {
	if f := a.selectedFlow(); f != nil {
		if !f.Intercepted() {
			a.notify("flow is not paused")
			return
		}
		f.Kill()
		a.notify("killed")
	}
}

// notify sets a brief status notice.
func (a *App) notify(msg string) {
	a.notice = msg
	a.noticeExp = time.Now().Add(3 * time.Second)
}

// resize adjusts sub-model dimensions to match the terminal.
func (a *App) resize() {
	cols := a.table.Columns()
	fixed := 0
	for i, c := range cols {
		if i != 4 {
			fixed += c.Width + 2
		}
	}
	if extra := a.width - fixed - 2; extra > 20 {
		cols[4].Width = extra
	}
	a.table.SetColumns(cols)
	a.table.SetHeight(a.height - 4)
	a.detail.Width = a.width
	a.detail.Height = a.height - 4
	a.filterInput.Width = a.width - 12
}

// upstreamNames returns a compact upstream list for the title bar.
func (a *App) upstreamNames() string {
	upstreams := a.engine.Router().Upstreams()
	names := make([]string, len(upstreams))
	for i, u := range upstreams {
		names[i] = u.Name
	}
	return "[" + strings.Join(names, ", ") + "]"
}

// Run starts the Bubbletea program, blocking until the user quits.
func Run(ctx context.Context, engine *proxy.Engine, webPort int) error {
	app := New(ctx, engine, webPort)
	p := tea.NewProgram(app, tea.WithAltScreen(), tea.WithContext(ctx))

	_, err := p.Run()
	engine.Store().Unsubscribe(app.eventCh)
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}

func tableStyles() table.Styles {
	return table.Styles{
		Header:   lipgloss.NewStyle().Bold(true).Foreground(colorCyan),
		Selected: tableSelectedStyle,
		Cell:     lipgloss.NewStyle(),
	}
}
