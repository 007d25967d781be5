package cli

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/mxwashington/regiq-sub010/internal/health"
	"github.com/mxwashington/regiq-sub010/internal/model"
	"github.com/mxwashington/regiq-sub010/internal/source"
	"github.com/mxwashington/regiq-sub010/internal/store"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Show persisted source health",
	RunE:  runHealth,
}

func runHealth(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	st, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	registry, err := source.BuildRegistry(cfg.Descriptors())
	if err != nil {
		return err
	}
	tracker := health.NewTracker(registry.Descriptors(), st)
	if err := tracker.Load(ctx); err != nil {
		return err
	}

	snap := tracker.Snapshot()
	overall := health.OverallOf(snap)
	fmt.Printf("overall: %s\n\n", overallStyle(overall).Render(string(overall)))

	// status and error share the last cell so colour codes do not skew the columns
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SOURCE\tLAST SUCCESS\tLAST ATTEMPT\tFETCHED\tSTATUS / ERROR")
	for _, s := range snap {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s %s\n",
			s.SourceName, fmtTime(s.LastSuccessAt), fmtTime(s.LastAttemptAt), s.RecordsFetchedLastRun,
			statusStyle(s.Status).Width(20).Render(string(s.Status)), s.LastErrorMessage)
	}
	return w.Flush()
}

var (
	colorOK   = lipgloss.Color("#00D787")
	colorWarn = lipgloss.Color("#FFAF00")
	colorFail = lipgloss.Color("#FF005F")
)

func statusStyle(s model.HealthStatus) lipgloss.Style {
	switch {
	case s == model.HealthHealthy:
		return lipgloss.NewStyle().Foreground(colorOK)
	case s.Failing():
		return lipgloss.NewStyle().Foreground(colorFail).Bold(true)
	default:
		return lipgloss.NewStyle().Foreground(colorWarn)
	}
}

func overallStyle(s model.OverallStatus) lipgloss.Style {
	switch s {
	case model.OverallHealthy:
		return lipgloss.NewStyle().Foreground(colorOK).Bold(true)
	case model.OverallCritical:
		return lipgloss.NewStyle().Foreground(colorFail).Bold(true)
	default:
		return lipgloss.NewStyle().Foreground(colorWarn).Bold(true)
	}
}

func fmtTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func parseDuration(s string) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	return d, nil
}
