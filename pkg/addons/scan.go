package addons

import (
	"github.com/fidiego/hookproxy/pkg/filter"
	"github.com/fidiego/hookproxy/pkg/proxy"
	"github.com/fidiego/hookproxy/pkg/pscan"
)

// ScanAddon feeds completed flows to the passive scanner. Each job gets its
// own copy of the message, so scripts never see later edits.
type ScanAddon struct {
	scanner *pscan.Scanner
	scope   filter.Filter
}

// NewScanAddon returns an addon submitting to s. A nil scope scans every
// flow.
func NewScanAddon(s *pscan.Scanner, scope filter.Filter) *ScanAddon {
	if scope == nil {
		scope = filter.MatchAll
	}
	return &ScanAddon{scanner: s, scope: scope}
}

func (a *ScanAddon) OnComplete(flow *proxy.Flow) {
	if flow.Message == nil || !a.scope(flow) {
		return
	}
	a.scanner.Submit(pscan.Job{
		Message:   flow.Clone(),
		HistoryID: flow.HistoryID,
		FlowID:    flow.ID,
	})
}
