package tui

import (
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/pithecene-io/oaiharvest/runtime"
	"github.com/pithecene-io/oaiharvest/types"
)

// keyMap defines key bindings.
type keyMap struct {
	Quit key.Binding
	Up   key.Binding
	Down key.Binding
}

var keys = keyMap{
	Quit: key.NewBinding(
		key.WithKeys("q", "ctrl+c"),
		key.WithHelp("q", "quit"),
	),
	Up: key.NewBinding(
		key.WithKeys("up", "k"),
		key.WithHelp("↑/k", "previous source"),
	),
	Down: key.NewBinding(
		key.WithKeys("down", "j"),
		key.WithHelp("↓/j", "next source"),
	),
}

// ReportModel is a Bubble Tea model listing the sources of a run report
// with the details of the selected one.
type ReportModel struct {
	report   *runtime.RunReport
	cursor   int
	width    int
	height   int
	quitting bool
}

// NewReportModel creates a report model. data must be a *runtime.RunReport.
func NewReportModel(data any) (ReportModel, error) {
	report, ok := data.(*runtime.RunReport)
	if !ok || report == nil {
		return ReportModel{}, errors.New("invalid data type for report view")
	}
	return ReportModel{report: report}, nil
}

// Init implements tea.Model.
func (m ReportModel) Init() tea.Cmd {
	return nil
}

// Update implements tea.Model.
func (m ReportModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, keys.Quit):
			m.quitting = true
			return m, tea.Quit
		case key.Matches(msg, keys.Up):
			if m.cursor > 0 {
				m.cursor--
			}
		case key.Matches(msg, keys.Down):
			if m.cursor < len(m.report.Sources)-1 {
				m.cursor++
			}
		}
	}

	return m, nil
}

// View implements tea.Model.
func (m ReportModel) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder
	b.WriteString(m.renderSummary())
	b.WriteString("\n")
	b.WriteString(m.renderSources())
	if len(m.report.Sources) > 0 {
		b.WriteString("\n")
		b.WriteString(m.renderSelected())
	}

	help := HelpStyle.Render("↑/↓ select source • q quit")
	return b.String() + "\n" + help
}

func (m ReportModel) renderSummary() string {
	r := m.report
	var b strings.Builder
	b.WriteString(TitleStyle.Render("Harvest Run"))
	b.WriteString("\n")

	rows := [][2]string{
		{"Run ID", r.RunID},
		{"Attempt", fmt.Sprintf("%d", r.Attempt)},
		{"Started At", r.StartedAt},
		{"Duration", fmt.Sprintf("%dms", r.DurationMs)},
	}
	for _, row := range rows {
		fmt.Fprintf(&b, "%s %s\n", LabelStyle.Render(row[0]+":"), ValueStyle.Render(row[1]))
	}
	fmt.Fprintf(&b, "%s %s\n", LabelStyle.Render("Outcome:"), LevelStyle(r.Outcome).Render(r.Outcome))
	if r.Policy != nil {
		fmt.Fprintf(&b, "%s %s\n", LabelStyle.Render("Policy:"), ValueStyle.Render(r.Policy.Name))
		if r.Policy.Verdict.Reason != "" {
			fmt.Fprintf(&b, "%s %s\n", LabelStyle.Render("Reason:"), ValueStyle.Render(r.Policy.Verdict.Reason))
		}
	}
	return BoxStyle.Render(strings.TrimRight(b.String(), "\n"))
}

func (m ReportModel) renderSources() string {
	if len(m.report.Sources) == 0 {
		return MutedStyle.Render("(no sources planned)")
	}
	var b strings.Builder
	for i, o := range m.report.Sources {
		label := levelLabel(o)
		line := fmt.Sprintf("%-24s %s  harvested %d  uploaded %d",
			o.Source, LevelStyle(label).Render(fmt.Sprintf("%-11s", label)), o.Harvested, o.Uploaded)
		if i == m.cursor {
			b.WriteString(SelectedStyle.Render("> ") + line)
		} else {
			b.WriteString("  " + line)
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func (m ReportModel) renderSelected() string {
	o := m.report.Sources[m.cursor]
	var b strings.Builder
	b.WriteString(TitleStyle.Render(o.Source))
	b.WriteString("\n")

	rows := [][2]string{{"Level", levelLabel(o)}}
	if o.Skipped {
		rows = append(rows, [2]string{"Skip Reason", o.SkipReason})
	} else {
		rows = append(rows,
			[2]string{"Window", o.Window},
			[2]string{"Harvested", fmt.Sprintf("%d", o.Harvested)},
			[2]string{"Uploaded", fmt.Sprintf("%d", o.Uploaded)},
			[2]string{"Lastrun", advanced(o.LastRunAdvanced)},
		)
	}
	if len(o.JobIDs) > 0 {
		rows = append(rows, [2]string{"Jobs", strings.Join(o.JobIDs, ", ")})
	}
	for _, row := range rows {
		value := ValueStyle.Render(row[1])
		if row[0] == "Level" {
			value = LevelStyle(row[1]).Render(row[1])
		}
		fmt.Fprintf(&b, "%s %s\n", LabelStyle.Render(row[0]+":"), value)
	}
	if len(o.Messages) > 0 {
		b.WriteString(LabelStyle.Render("Messages:"))
		b.WriteString("\n")
		for _, msg := range o.Messages {
			b.WriteString("  - " + msg + "\n")
		}
	}

	box := BoxStyle
	if m.width > 8 {
		box = box.Width(m.width - 4)
	}
	return box.Render(strings.TrimRight(b.String(), "\n"))
}

func levelLabel(o types.SourceOutcome) string {
	switch {
	case o.Skipped:
		return "skipped"
	case o.Stopped && o.Level == types.LevelNone:
		return "stopped"
	}
	return o.Level.String()
}

func advanced(ok bool) string {
	if ok {
		return "advanced"
	}
	return "unchanged"
}
