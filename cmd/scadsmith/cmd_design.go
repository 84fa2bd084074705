package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"scadsmith/internal/render"
	"scadsmith/internal/session"
)

var createCmd = &cobra.Command{
	Use:   "create <description>",
	Short: "Start a new design session from a description",
	Long: `Asks the model for an OpenSCAD design matching the description, then
renders it from the views the model chose. Replaces the current session.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runCreate,
}

var iterateCmd = &cobra.Command{
	Use:   "iterate <feedback>",
	Short: "Revise the current design with feedback",
	Long: `Sends the original request, the current code, your feedback and the
latest renders to the model, then renders the revised design.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runIterate,
}

var renderCmd = &cobra.Command{
	Use:   "render",
	Short: "Render the latest iteration if its render failed",
	Args:  cobra.NoArgs,
	RunE:  runRender,
}

func runCreate(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	a, err := openApp(ctx, true)
	if err != nil {
		return err
	}
	defer a.Close()
	if err := a.ensureRenderer(ctx); err != nil {
		return err
	}

	prompt := joinArgs(args)
	logger.Info("Creating design", zap.String("prompt", prompt))
	fmt.Fprintln(cmd.OutOrStdout(), mutedStyle.Render("Generating design..."))

	out, err := a.pipeline.Create(ctx, prompt)
	return reportOutcome(cmd, "Design created", out, err)
}

func runIterate(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	a, err := openApp(ctx, true)
	if err != nil {
		return err
	}
	defer a.Close()
	if err := a.ensureRenderer(ctx); err != nil {
		return err
	}

	feedback := joinArgs(args)
	logger.Info("Iterating design", zap.String("feedback", feedback))
	fmt.Fprintln(cmd.OutOrStdout(), mutedStyle.Render("Revising design..."))

	out, err := a.pipeline.Iterate(ctx, feedback)
	switch {
	case errors.Is(err, session.ErrNoSessionFound):
		return fmt.Errorf("%w: run `scadsmith create` first", err)
	case errors.Is(err, session.ErrNoRendersYet):
		return fmt.Errorf("%w: run `scadsmith render` first", err)
	}
	return reportOutcome(cmd, "Design revised", out, err)
}

func runRender(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	a, err := openApp(ctx, false)
	if err != nil {
		return err
	}
	defer a.Close()
	if err := a.ensureRenderer(ctx); err != nil {
		return err
	}

	out, err := a.pipeline.RenderLatest(ctx)
	if errors.Is(err, session.ErrAlreadyRendered) {
		fmt.Fprintln(cmd.OutOrStdout(), mutedStyle.Render("Latest iteration is already rendered."))
		return nil
	}
	return reportOutcome(cmd, "Design rendered", out, err)
}

// reportOutcome prints a pipeline result. A render failure after a saved
// iteration still prints the design before returning the error.
func reportOutcome(cmd *cobra.Command, heading string, out *session.Outcome, err error) error {
	w := cmd.OutOrStdout()
	if out == nil {
		return err
	}
	printOutcome(w, heading, out)
	if err != nil {
		if errors.Is(err, render.ErrRenderFailed) {
			printRenderFailure(w, err)
		}
		return err
	}
	return nil
}
