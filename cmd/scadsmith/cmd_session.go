package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"scadsmith/internal/session"
)

var (
	historyLimit    int
	exportIteration int
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the current design session",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

var historyCmd = &cobra.Command{
	Use:   "history [session-id]",
	Short: "List recorded sessions, or the iterations of one session",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runHistory,
}

var exportCmd = &cobra.Command{
	Use:   "export [file.scad]",
	Short: "Write the current design's OpenSCAD code to a file or stdout",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runExport,
}

func init() {
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "Maximum sessions to list")
	exportCmd.Flags().IntVar(&exportIteration, "iteration", 0, "Iteration number to export (default: latest)")
}

func currentSession(cmd *cobra.Command) (*session.Session, error) {
	st := session.NewFileStore(cfg.SessionPath(resolveWorkspace()))
	s, err := st.Load(cmd.Context())
	if err != nil {
		return nil, fmt.Errorf("%w: run `scadsmith create` first", err)
	}
	return s, nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	s, err := currentSession(cmd)
	if err != nil {
		return err
	}
	printStatus(cmd.OutOrStdout(), s)
	return nil
}

func runHistory(cmd *cobra.Command, args []string) error {
	h, err := openHistory()
	if err != nil {
		return err
	}
	defer h.Close()

	ctx := cmd.Context()
	w := cmd.OutOrStdout()
	if len(args) == 0 {
		sessions, err := h.ListSessions(ctx, historyLimit)
		if err != nil {
			return err
		}
		printSessions(w, sessions)
		return nil
	}

	its, err := h.ListIterations(ctx, args[0])
	if err != nil {
		return err
	}
	if len(its) == 0 {
		return fmt.Errorf("session %s not found in history", args[0])
	}
	printIterations(w, args[0], its)
	return nil
}

func runExport(cmd *cobra.Command, args []string) error {
	s, err := currentSession(cmd)
	if err != nil {
		return err
	}
	if len(s.Iterations) == 0 {
		return session.ErrEmptyHistory
	}

	idx := len(s.Iterations) - 1
	if exportIteration != 0 {
		if exportIteration < 1 || exportIteration > len(s.Iterations) {
			return fmt.Errorf("iteration %d out of range (1-%d)", exportIteration, len(s.Iterations))
		}
		idx = exportIteration - 1
	}
	code := s.Iterations[idx].Code
	if !strings.HasSuffix(code, "\n") {
		code += "\n"
	}

	if len(args) == 0 {
		fmt.Fprint(cmd.OutOrStdout(), code)
		return nil
	}
	if err := os.WriteFile(args[0], []byte(code), 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", args[0], err)
	}
	logger.Debug("Exported design", zap.String("path", args[0]), zap.Int("iteration", idx+1))
	fmt.Fprintf(cmd.OutOrStdout(), "%s iteration %d to %s\n", successStyle.Render("Exported"), idx+1, args[0])
	return nil
}
