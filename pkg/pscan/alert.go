package pscan

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fidiego/hookproxy/pkg/script"
)

// Risk levels.
const (
	RiskInfo = iota
	RiskLow
	RiskMedium
	RiskHigh
)

// Confidence levels.
const (
	ConfidenceFalsePositive = iota
	ConfidenceLow
	ConfidenceMedium
	ConfidenceHigh
	ConfidenceConfirmed
)

var riskNames = []string{"Informational", "Low", "Medium", "High"}

// RiskName returns the display name of a risk level.
func RiskName(risk int) string {
	if risk < 0 || risk >= len(riskNames) {
		return "Unknown"
	}
	return riskNames[risk]
}

// Alert is a finding raised by a passive scan script.
type Alert struct {
	ID          int64     `json:"id,omitempty"`
	HistoryID   int64     `json:"historyId"`
	FlowID      string    `json:"flowId,omitempty"`
	Script      string    `json:"script"`
	Name        string    `json:"name"`
	Risk        int       `json:"risk"`
	Confidence  int       `json:"confidence"`
	Description string    `json:"description,omitempty"`
	URI         string    `json:"uri"`
	Param       string    `json:"param,omitempty"`
	Attack      string    `json:"attack,omitempty"`
	OtherInfo   string    `json:"otherInfo,omitempty"`
	Solution    string    `json:"solution,omitempty"`
	Evidence    string    `json:"evidence,omitempty"`
	CWEID       int       `json:"cweId,omitempty"`
	WASCID      int       `json:"wascId,omitempty"`
	RaisedAt    time.Time `json:"raisedAt"`
}

// Validate checks the risk and confidence ranges.
func (a Alert) Validate() error {
	if a.Risk < RiskInfo || a.Risk > RiskHigh {
		return fmt.Errorf("risk %d out of range 0-3", a.Risk)
	}
	if a.Confidence < ConfidenceFalsePositive || a.Confidence > ConfidenceConfirmed {
		return fmt.Errorf("confidence %d out of range 0-4", a.Confidence)
	}
	if a.Name == "" {
		return fmt.Errorf("alert name is required")
	}
	return nil
}

// AlertSink receives raised alerts.
type AlertSink interface {
	SaveAlert(ctx context.Context, a Alert) error
}

// AlertStore is a sink that can list what it has stored, newest first.
type AlertStore interface {
	AlertSink
	Alerts(ctx context.Context, limit int) ([]Alert, error)
}

// MemoryAlerts keeps the most recent alerts in memory.
type MemoryAlerts struct {
	mu     sync.RWMutex
	alerts []Alert
	max    int
	nextID int64
}

// NewMemoryAlerts returns a store holding at most max alerts.
func NewMemoryAlerts(max int) *MemoryAlerts {
	if max <= 0 {
		max = 1000
	}
	return &MemoryAlerts{max: max}
}

func (m *MemoryAlerts) SaveAlert(_ context.Context, a Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	a.ID = m.nextID
	m.alerts = append(m.alerts, a)
	if len(m.alerts) > m.max {
		m.alerts = m.alerts[len(m.alerts)-m.max:]
	}
	return nil
}

func (m *MemoryAlerts) Alerts(_ context.Context, limit int) ([]Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := len(m.alerts)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]Alert, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, m.alerts[i])
	}
	return out, nil
}

// alertFromArgs builds an alert from raiseAlert's arguments: either a
// single map (or keyword arguments) or the positional form
// (risk, confidence, name, description, uri, param, attack, otherInfo,
// solution, evidence, cweId, wascId).
func alertFromArgs(args []any) (Alert, error) {
	var a Alert
	kw, hasKw := script.ArgMap(args, len(args)-1)
	if hasKw {
		args = args[:len(args)-1]
		if len(args) == 0 {
			return mergeAlert(Alert{Risk: -1, Confidence: -1}, kw)
		}
	}

	var err error
	if a.Risk, err = script.ArgInt(args, 0); err != nil {
		return a, fmt.Errorf("risk: %w", err)
	}
	if a.Confidence, err = script.ArgInt(args, 1); err != nil {
		return a, fmt.Errorf("confidence: %w", err)
	}
	strs := []*string{&a.Name, &a.Description, &a.URI, &a.Param, &a.Attack, &a.OtherInfo, &a.Solution, &a.Evidence}
	for i, dst := range strs {
		if *dst, err = script.OptString(args, i+2, ""); err != nil {
			return a, err
		}
	}
	if a.CWEID, err = script.OptInt(args, 10, 0); err != nil {
		return a, fmt.Errorf("cweId: %w", err)
	}
	if a.WASCID, err = script.OptInt(args, 11, 0); err != nil {
		return a, fmt.Errorf("wascId: %w", err)
	}

	// Keyword arguments override positional ones.
	if hasKw {
		return mergeAlert(a, kw)
	}
	return a, nil
}

func mergeAlert(a Alert, m map[string]any) (Alert, error) {
	for k, v := range m {
		var err error
		switch k {
		case "risk":
			a.Risk, err = script.ToInt(v)
		case "confidence":
			a.Confidence, err = script.ToInt(v)
		case "cweId":
			a.CWEID, err = script.ToInt(v)
		case "wascId":
			a.WASCID, err = script.ToInt(v)
		case "name":
			a.Name, err = script.ArgString([]any{v}, 0)
		case "description":
			a.Description, err = script.ArgString([]any{v}, 0)
		case "uri":
			a.URI, err = script.ArgString([]any{v}, 0)
		case "param":
			a.Param, err = script.ArgString([]any{v}, 0)
		case "attack":
			a.Attack, err = script.ArgString([]any{v}, 0)
		case "otherInfo":
			a.OtherInfo, err = script.ArgString([]any{v}, 0)
		case "solution":
			a.Solution, err = script.ArgString([]any{v}, 0)
		case "evidence":
			a.Evidence, err = script.ArgString([]any{v}, 0)
		default:
			return a, fmt.Errorf("unknown alert field %q", k)
		}
		if err != nil {
			return a, fmt.Errorf("%s: %w", k, err)
		}
	}
	return a, nil
}
