package components

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"

	"github.com/mpark/pgreplica/internal/status"
)

var (
	eventLabelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#6B7280"))
	eventValueStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FFFFFF"))
)

// RenderEvents renders the LSN watermarks and per-event-kind counters —
// this package's equivalent of the teacher's per-table progress table,
// re-themed around a single replication stream instead of many tables.
func RenderEvents(snap status.Snapshot, width int) string {
	lsnLine := fmt.Sprintf("  %s %s   %s %s   %s %s",
		eventLabelStyle.Render("applied"), eventValueStyle.Render(snap.AppliedLSN),
		eventLabelStyle.Render("flushed"), eventValueStyle.Render(snap.FlushedLSN),
		eventLabelStyle.Render("written"), eventValueStyle.Render(snap.WrittenLSN))

	countLine := fmt.Sprintf("  %s %s   %s %s   %s %s   %s %s   %s %s",
		eventLabelStyle.Render("xlog"), eventValueStyle.Render(fmt.Sprintf("%d", snap.XLogDataCount)),
		eventLabelStyle.Render("keepalive"), eventValueStyle.Render(fmt.Sprintf("%d", snap.KeepAliveCount)),
		eventLabelStyle.Render("insert"), eventValueStyle.Render(fmt.Sprintf("%d", snap.InsertCount)),
		eventLabelStyle.Render("update"), eventValueStyle.Render(fmt.Sprintf("%d", snap.UpdateCount)),
		eventLabelStyle.Render("delete"), eventValueStyle.Render(fmt.Sprintf("%d", snap.DeleteCount)))

	errLine := ""
	if snap.ErrorCount > 0 {
		errStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("#EF4444"))
		errLine = "\n" + errStyle.Render(fmt.Sprintf("  errors: %d  last: %s", snap.ErrorCount, snap.LastError))
	}

	return lsnLine + "\n" + countLine + errLine
}
