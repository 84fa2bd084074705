package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"scadsmith/internal/perception"
	"scadsmith/internal/render"
	"scadsmith/internal/session"
	"scadsmith/internal/store"
	"scadsmith/internal/types"
)

var (
	colorSuccess = lipgloss.Color("#8BC34A")
	colorError   = lipgloss.Color("#e53935")
	colorWarning = lipgloss.Color("#FFC107")
	colorInfo    = lipgloss.Color("#2196F3")
	colorMuted   = lipgloss.Color("#6b7280")

	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(colorInfo)
	successStyle = lipgloss.NewStyle().Bold(true).Foreground(colorSuccess)
	errorStyle   = lipgloss.NewStyle().Bold(true).Foreground(colorError)
	warningStyle = lipgloss.NewStyle().Foreground(colorWarning)
	mutedStyle   = lipgloss.NewStyle().Foreground(colorMuted)
	labelStyle   = lipgloss.NewStyle().Bold(true).Width(12)
)

const ruleWidth = 60

func rule() string {
	return mutedStyle.Render(strings.Repeat("─", ruleWidth))
}

// renderMarkdown renders md for the terminal, falling back to the raw text.
func renderMarkdown(md string) string {
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(80),
	)
	if err != nil {
		return md
	}
	out, err := r.Render(md)
	if err != nil {
		return md
	}
	return strings.TrimRight(out, "\n")
}

func printOutcome(w io.Writer, heading string, out *session.Outcome) {
	s := out.Session
	fmt.Fprintln(w, titleStyle.Render(heading))
	fmt.Fprintln(w, rule())
	fmt.Fprintf(w, "%s %s\n", labelStyle.Render("Session"), s.ID)
	fmt.Fprintf(w, "%s %d\n", labelStyle.Render("Iteration"), s.LatestIndex()+1)
	fmt.Fprintf(w, "%s %s\n", labelStyle.Render("Views"), strings.Join(out.Design.ViewNames(), ", "))
	for _, vw := range out.Warnings {
		fmt.Fprintln(w, warningStyle.Render("Warning: "+vw.String()))
	}
	if out.UsedDefaults {
		fmt.Fprintln(w, warningStyle.Render(fmt.Sprintf(
			"Warning: fewer than %d usable views in the response; using the default views", perception.MinViews)))
	}
	if out.Design.ChangesSummary != "" {
		fmt.Fprintln(w)
		fmt.Fprintln(w, renderMarkdown("**Changes:** "+out.Design.ChangesSummary))
	}
	if out.Batch != nil {
		printBatch(w, out.Batch)
	}
}

func printBatch(w io.Writer, b *render.Batch) {
	fmt.Fprintln(w)
	fmt.Fprintf(w, "%s %s\n", successStyle.Render("Rendered"), b.ArtifactDir)
	for _, r := range b.Results {
		fmt.Fprintf(w, "  %-14s %s\n", r.View, mutedStyle.Render(fmt.Sprintf("%d bytes", len(r.Image))))
	}
}

// printRenderFailure reports a render failure after a saved iteration.
func printRenderFailure(w io.Writer, err error) {
	fmt.Fprintln(w)
	fmt.Fprintln(w, errorStyle.Render("Render failed:"), err)
	fmt.Fprintln(w, warningStyle.Render("The design was saved. Fix the renderer and run `scadsmith render`."))
}

func printStatus(w io.Writer, s *session.Session) {
	fmt.Fprintln(w, titleStyle.Render("Current session"))
	fmt.Fprintln(w, rule())
	fmt.Fprintf(w, "%s %s\n", labelStyle.Render("ID"), s.ID)
	fmt.Fprintf(w, "%s %s\n", labelStyle.Render("Prompt"), s.Prompt)
	if s.Model != "" {
		fmt.Fprintf(w, "%s %s\n", labelStyle.Render("Model"), s.Model)
	}
	fmt.Fprintf(w, "%s %s\n", labelStyle.Render("Started"), s.CreatedAt.Local().Format(time.RFC1123))
	fmt.Fprintf(w, "%s %d\n", labelStyle.Render("Iterations"), len(s.Iterations))
	fmt.Fprintln(w)

	for i, it := range s.Iterations {
		state := successStyle.Render("rendered")
		if !it.Rendered() {
			state = warningStyle.Render("not rendered")
		}
		fmt.Fprintf(w, "#%d  %s  %s\n", i+1, it.Timestamp.Local().Format("2006-01-02 15:04"), state)
		if it.Feedback != "" {
			fmt.Fprintf(w, "    feedback: %s\n", truncate(it.Feedback, 70))
		}
		fmt.Fprintf(w, "    views:    %s\n", strings.Join(viewNames(it.Views), ", "))
		if it.ArtifactDir != "" {
			fmt.Fprintf(w, "    renders:  %s\n", mutedStyle.Render(it.ArtifactDir))
		}
	}
}

func printSessions(w io.Writer, sessions []store.SessionSummary) {
	fmt.Fprintln(w, titleStyle.Render("Design sessions"))
	fmt.Fprintln(w, rule())
	if len(sessions) == 0 {
		fmt.Fprintln(w, mutedStyle.Render("No sessions recorded."))
		return
	}
	for _, s := range sessions {
		fmt.Fprintf(w, "%s  %s  %d iteration(s), %d rendered\n",
			s.ID, s.UpdatedAt.Local().Format("2006-01-02 15:04"), s.Iterations, s.Rendered)
		fmt.Fprintf(w, "    %s\n", mutedStyle.Render(truncate(s.Prompt, 70)))
	}
}

func printIterations(w io.Writer, sessionID string, its []store.IterationRecord) {
	fmt.Fprintln(w, titleStyle.Render("Session "+sessionID))
	fmt.Fprintln(w, rule())
	if len(its) > 0 {
		fmt.Fprintf(w, "%s %s\n\n", labelStyle.Render("Prompt"), its[0].Prompt)
	}
	for _, it := range its {
		fmt.Fprintf(w, "#%d  %s  %s\n", it.Index+1, it.CreatedAt.Local().Format("2006-01-02 15:04"), mutedStyle.Render(it.Model))
		if it.Feedback != "" {
			fmt.Fprintf(w, "    feedback: %s\n", truncate(it.Feedback, 70))
		}
		if it.ChangesSummary != "" {
			fmt.Fprintf(w, "    changes:  %s\n", truncate(it.ChangesSummary, 70))
		}
		for _, r := range it.Renders {
			fmt.Fprintf(w, "    %-14s %s\n", r.View, mutedStyle.Render(r.Path))
		}
	}
}

func viewNames(views []types.ViewSpec) []string {
	return types.Design{Views: views}.ViewNames()
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len([]rune(s)) <= n {
		return s
	}
	return string([]rune(s)[:n-3]) + "..."
}
