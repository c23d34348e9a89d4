package tui

import (
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/pithecene-io/oaiharvest/metrics"
	"github.com/pithecene-io/oaiharvest/runtime"
)

// StatsModel is a Bubble Tea model showing the metrics of a run.
type StatsModel struct {
	snap     metrics.Snapshot
	width    int
	height   int
	quitting bool
}

// NewStatsModel creates a stats model from a *runtime.RunReport or a
// metrics.Snapshot.
func NewStatsModel(data any) (StatsModel, error) {
	switch d := data.(type) {
	case *runtime.RunReport:
		if d == nil || d.Metrics == nil {
			return StatsModel{}, errors.New("run report has no metrics")
		}
		return StatsModel{snap: *d.Metrics}, nil
	case metrics.Snapshot:
		return StatsModel{snap: d}, nil
	case *metrics.Snapshot:
		if d == nil {
			return StatsModel{}, errors.New("nil metrics snapshot")
		}
		return StatsModel{snap: *d}, nil
	default:
		return StatsModel{}, errors.New("invalid data type for stats view")
	}
}

// Init implements tea.Model.
func (m StatsModel) Init() tea.Cmd {
	return nil
}

// Update implements tea.Model.
func (m StatsModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tea.KeyMsg:
		if key.Matches(msg, keys.Quit) {
			m.quitting = true
			return m, tea.Quit
		}
	}

	return m, nil
}

// View implements tea.Model.
func (m StatsModel) View() string {
	if m.quitting {
		return ""
	}
	s := m.snap

	var b strings.Builder
	b.WriteString(TitleStyle.Render("Sources"))
	b.WriteString("\n")
	b.WriteString(joinBoxes([]string{
		m.renderStatBox("Due", s.SourcesDue, highlightColor),
		m.renderStatBox("OK", s.SourcesOK, successColor),
		m.renderStatBox("Recoverable", s.SourcesRecoverable, warningColor),
		m.renderStatBox("Fatal", s.SourcesFatal, errorColor),
		m.renderStatBox("Skipped", s.SourcesSkipped, mutedColor),
	}, 5))
	b.WriteString("\n\n")

	b.WriteString(TitleStyle.Render("Records"))
	b.WriteString("\n")
	b.WriteString(joinBoxes([]string{
		m.renderStatBox("Harvested", s.RecordsHarvested, highlightColor),
		m.renderStatBox("Duplicates", s.RecordsDuplicated, mutedColor),
		m.renderStatBox("Record Errors", s.StageRecordErrors, warningColor),
		m.renderStatBox("Uploaded", s.RecordsUploaded, successColor),
	}, 4))
	b.WriteString("\n\n")

	b.WriteString(TitleStyle.Render("Requests and Tools"))
	b.WriteString("\n")
	b.WriteString(joinBoxes([]string{
		m.renderStatBox("Requests", s.Requests, highlightColor),
		m.renderStatBox("Retries", s.RequestRetries, warningColor),
		m.renderStatBox("Tool Runs", s.ToolInvocations, highlightColor),
		m.renderStatBox("Tool Timeouts", s.ToolTimeouts, errorColor),
		m.renderStatBox("Failed Uploads", s.UploadsFailed, errorColor),
	}, 5))

	help := HelpStyle.Render("Press q or Ctrl+C to quit")
	return b.String() + "\n" + help
}

func (m StatsModel) renderStatBox(label string, value int64, color lipgloss.Color) string {
	boxStyle := StatBoxStyle.BorderForeground(color)

	valueStr := StatValueStyle.Foreground(color).Render(fmt.Sprintf("%d", value))
	labelStr := StatLabelStyle.Render(label)

	content := lipgloss.JoinVertical(lipgloss.Center, valueStr, labelStr)

	return boxStyle.Render(content)
}

// joinBoxes lays stat boxes out in rows of perRow.
func joinBoxes(boxes []string, perRow int) string {
	var rows []string
	for i := 0; i < len(boxes); i += perRow {
		end := min(i+perRow, len(boxes))
		rows = append(rows, lipgloss.JoinHorizontal(lipgloss.Top, boxes[i:end]...))
	}
	return lipgloss.JoinVertical(lipgloss.Left, rows...)
}
