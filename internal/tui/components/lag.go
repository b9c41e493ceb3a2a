package components

import (
	"fmt"
	"math"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/mpark/pgreplica/internal/status"
)

const sparklineChars = "▁▂▃▄▅▆▇█"

// LagHistory is a fixed-capacity circular buffer of lag samples. Unlike a
// slice that shifts left on every push, the buffer only moves a write
// cursor, since a dashboard repaints several times a second for the life of
// a long-running tail and a per-sample copy would otherwise add up.
type LagHistory struct {
	values []uint64
	head   int
	count  int
}

// NewLagHistory creates a history buffer with the given capacity.
func NewLagHistory(capacity int) *LagHistory {
	if capacity < 1 {
		capacity = 1
	}
	return &LagHistory{values: make([]uint64, capacity)}
}

// Push adds a new lag value, overwriting the oldest sample once full.
func (h *LagHistory) Push(lag uint64) {
	cap := len(h.values)
	if h.count < cap {
		h.values[(h.head+h.count)%cap] = lag
		h.count++
		return
	}
	h.values[h.head] = lag
	h.head = (h.head + 1) % cap
}

// ordered returns the samples oldest-first.
func (h *LagHistory) ordered() []uint64 {
	out := make([]uint64, h.count)
	cap := len(h.values)
	for i := 0; i < h.count; i++ {
		out[i] = h.values[(h.head+i)%cap]
	}
	return out
}

// Sparkline renders the history on a log2 scale rather than linear: WAL lag
// on a healthy consumer sits in the low kilobytes and spikes to hundreds of
// megabytes during a burst or a stuck acknowledgement, so a linear bucket
// assignment would flatten every sample except the single largest spike to
// the bottom bucket. log2(bytes+1) keeps the whole trailing history legible.
func (h *LagHistory) Sparkline(width int) string {
	if h.count == 0 {
		return strings.Repeat("▁", width)
	}

	vals := h.ordered()
	if len(vals) > width {
		vals = vals[len(vals)-width:]
	}

	var maxLog float64
	logs := make([]float64, len(vals))
	for i, v := range vals {
		l := math.Log2(float64(v) + 1)
		logs[i] = l
		if l > maxLog {
			maxLog = l
		}
	}
	if maxLog == 0 {
		maxLog = 1
	}

	runes := []rune(sparklineChars)
	var b strings.Builder
	for _, l := range logs {
		idx := int(l / maxLog * float64(len(runes)-1))
		if idx >= len(runes) {
			idx = len(runes) - 1
		}
		b.WriteRune(runes[idx])
	}
	for b.Len() < width {
		b.WriteRune(runes[0])
	}
	return b.String()
}

const (
	lagWarnBytes     = 1 << 20
	lagCriticalBytes = 10 << 20
)

func lagColorFor(bytes uint64) lipgloss.Color {
	switch {
	case bytes > lagCriticalBytes:
		return lipgloss.Color("#EF4444")
	case bytes > lagWarnBytes:
		return lipgloss.Color("#F59E0B")
	default:
		return lipgloss.Color("#10B981")
	}
}

// RenderLag renders the lag display with its sparkline history.
func RenderLag(snap status.Snapshot, history *LagHistory, width int) string {
	history.Push(snap.LagBytes)

	lagStyle := lipgloss.NewStyle().Foreground(lagColorFor(snap.LagBytes))

	sparkWidth := width - 30
	if sparkWidth < 10 {
		sparkWidth = 10
	}
	spark := lipgloss.NewStyle().Foreground(lipgloss.Color("#6B7280")).Render(history.Sparkline(sparkWidth))

	return fmt.Sprintf("  Lag: %s  %s", lagStyle.Render(snap.LagFormatted), spark)
}
