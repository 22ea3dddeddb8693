// Package tui renders the live register view of `mbsim register watch`.
package tui

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/KevinKickass/OpenModbusSim/internal/events"
	"github.com/KevinKickass/OpenModbusSim/internal/simulator"
	"github.com/KevinKickass/OpenModbusSim/internal/types"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

const (
	highlightFor = 2 * time.Second
	tickEvery    = 500 * time.Millisecond
	logLines     = 6
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	headerStyle  = lipgloss.NewStyle().Bold(true).Underline(true)
	changedStyle = lipgloss.NewStyle().Reverse(true)
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	errStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
)

type rowKey struct {
	typ     types.RegisterType
	address uint16
}

// Row is one displayed register.
type Row struct {
	Type     types.RegisterType
	Address  uint16
	Label    string
	Value    uint16
	Scale    float64
	Accesses uint64
}

func (r Row) scaled() float64 {
	if r.Scale == 0 {
		return float64(r.Value)
	}
	return float64(r.Value) * r.Scale
}

// RowsFromViews converts registers as returned by the control API.
func RowsFromViews(views []simulator.RegisterView) []Row {
	rows := make([]Row, 0, len(views))
	for _, v := range views {
		rows = append(rows, Row{
			Type:     v.Type,
			Address:  v.Address,
			Label:    v.Label,
			Value:    v.Value,
			Scale:    v.Scale,
			Accesses: v.Accesses,
		})
	}
	return rows
}

type eventMsg events.Event

type streamClosedMsg struct{}

type tickMsg time.Time

// Model is a bubbletea model fed by a live event channel.
type Model struct {
	title   string
	slaveID uint8
	stream  <-chan events.Event

	rows    []Row
	index   map[rowKey]int
	changed map[rowKey]time.Time

	log          []string
	transactions int
	exceptions   int
	connected    bool
	now          func() time.Time
}

func New(title string, slaveID uint8, rows []Row, stream <-chan events.Event) Model {
	m := Model{
		title:     title,
		slaveID:   slaveID,
		stream:    stream,
		changed:   make(map[rowKey]time.Time),
		connected: true,
		now:       time.Now,
	}
	m.setRows(rows)
	return m
}

func (m *Model) setRows(rows []Row) {
	m.rows = append([]Row(nil), rows...)
	sort.SliceStable(m.rows, func(i, j int) bool {
		if m.rows[i].Type != m.rows[j].Type {
			return typeOrder(m.rows[i].Type) < typeOrder(m.rows[j].Type)
		}
		return m.rows[i].Address < m.rows[j].Address
	})
	m.index = make(map[rowKey]int, len(m.rows))
	for i, r := range m.rows {
		m.index[rowKey{r.Type, r.Address}] = i
	}
}

func typeOrder(t types.RegisterType) int {
	for i, known := range types.RegisterTypes {
		if known == t {
			return i
		}
	}
	return len(types.RegisterTypes)
}

func waitForEvent(stream <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		e, ok := <-stream
		if !ok {
			return streamClosedMsg{}
		}
		return eventMsg(e)
	}
}

func doTick() tea.Cmd {
	return tea.Tick(tickEvery, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(waitForEvent(m.stream), doTick())
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "esc", "q":
			return m, tea.Quit
		}
	case eventMsg:
		m.apply(events.Event(msg))
		return m, waitForEvent(m.stream)
	case streamClosedMsg:
		m.connected = false
		return m, nil
	case tickMsg:
		now := m.now()
		for k, at := range m.changed {
			if now.Sub(at) > highlightFor {
				delete(m.changed, k)
			}
		}
		return m, doTick()
	}
	return m, nil
}

func (m *Model) apply(e events.Event) {
	if e.SlaveID != 0 && m.slaveID != 0 && e.SlaveID != m.slaveID {
		return
	}
	switch e.Type {
	case events.TypeRegisterChanged:
		for i, v := range e.Values {
			k := rowKey{e.RegisterType, e.Address + uint16(i)}
			idx, ok := m.index[k]
			if !ok {
				continue
			}
			m.rows[idx].Value = v
			m.changed[k] = m.now()
		}
	case events.TypeTransaction:
		m.transactions++
		if e.Exception != 0 {
			m.exceptions++
		}
		for i := uint16(0); i < e.Count; i++ {
			if idx, ok := m.index[rowKey{e.RegisterType, e.Address + i}]; ok {
				m.rows[idx].Accesses++
			}
		}
		return
	}
	m.record(e)
}

func (m *Model) record(e events.Event) {
	line := fmt.Sprintf("%s %-16s", e.Timestamp.Local().Format("15:04:05"), e.Type)
	if e.RegisterType != "" {
		line += fmt.Sprintf(" %s %d", e.RegisterType, e.Address)
	}
	if len(e.Values) > 0 {
		line += fmt.Sprintf(" = %v", e.Values)
	}
	if e.Origin != "" {
		line += " (" + string(e.Origin) + ")"
	}
	if e.Message != "" {
		line += " " + e.Message
	}
	m.log = append(m.log, line)
	if len(m.log) > logLines {
		m.log = m.log[len(m.log)-logLines:]
	}
}

// Rows returns the current register values.
func (m Model) Rows() []Row {
	return append([]Row(nil), m.rows...)
}

func (m Model) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render(m.title))
	b.WriteString("\n\n")
	b.WriteString(headerStyle.Render(fmt.Sprintf("%-18s %7s  %-24s %7s %12s %9s", "TYPE", "ADDRESS", "LABEL", "RAW", "SCALED", "ACCESSES")))
	b.WriteString("\n")

	for _, r := range m.rows {
		line := fmt.Sprintf("%-18s %7d  %-24s %7d %12.2f %9d", r.Type, r.Address, truncate(r.Label, 24), r.Value, r.scaled(), r.Accesses)
		if _, hot := m.changed[rowKey{r.Type, r.Address}]; hot {
			line = changedStyle.Render(line)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}
	if len(m.rows) == 0 {
		b.WriteString(dimStyle.Render("(no registers)"))
		b.WriteString("\n")
	}

	b.WriteString("\n")
	for _, line := range m.log {
		b.WriteString(dimStyle.Render(line))
		b.WriteString("\n")
	}

	status := fmt.Sprintf("transactions: %d  exceptions: %d  q to quit", m.transactions, m.exceptions)
	if !m.connected {
		status = errStyle.Render("disconnected") + "  " + status
	}
	b.WriteString("\n" + status + "\n")
	return b.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
