package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"scadsmith/internal/camera"
	"scadsmith/internal/config"
)

var forceInit bool

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Verify configuration and the OpenSCAD renderer",
	Args:  cobra.NoArgs,
	RunE:  runCheck,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default config file",
	Args:  cobra.NoArgs,
	RunE:  runConfigInit,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration (API key hidden)",
	Args:  cobra.NoArgs,
	RunE:  runConfigShow,
}

func init() {
	configInitCmd.Flags().BoolVar(&forceInit, "force", false, "Overwrite an existing config file")
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
}

func runCheck(cmd *cobra.Command, args []string) error {
	w := cmd.OutOrStdout()
	ok := true

	fmt.Fprintln(w, titleStyle.Render("scadsmith check"))
	fmt.Fprintln(w, rule())

	if err := cfg.Validate(); err != nil {
		ok = false
		fmt.Fprintf(w, "%s %s\n", labelStyle.Render("Config"), errorStyle.Render(err.Error()))
	} else {
		fmt.Fprintf(w, "%s %s (%s)\n", labelStyle.Render("Config"), successStyle.Render("ok"), cfg.LLM.Provider)
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()
	version, err := newRenderer(cfg, resolveWorkspace()).Probe(ctx)
	if err != nil {
		ok = false
		fmt.Fprintf(w, "%s %s\n", labelStyle.Render("Renderer"), errorStyle.Render(err.Error()))
	} else {
		fmt.Fprintf(w, "%s %s\n", labelStyle.Render("Renderer"), successStyle.Render(version))
	}
	fmt.Fprintf(w, "%s %s\n", labelStyle.Render("State"), cfg.StateDir(resolveWorkspace()))
	fmt.Fprintf(w, "%s %s\n", labelStyle.Render("Fixed views"), strings.Join(camera.PolicyNames(), ", "))

	if !ok {
		return fmt.Errorf("check failed")
	}
	return nil
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	path := resolveConfigPath()
	if _, err := os.Stat(path); err == nil && !forceInit {
		return fmt.Errorf("config already exists at %s (use --force to overwrite)", path)
	}
	// API keys stay in the environment.
	if err := config.DefaultConfig().Save(path); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", successStyle.Render("Wrote"), path)
	return nil
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	shown := *cfg
	if shown.LLM.APIKey != "" {
		shown.LLM.APIKey = "********"
	}
	path := resolveConfigPath()
	fmt.Fprintln(cmd.OutOrStdout(), mutedStyle.Render("# "+path))
	return shown.Write(cmd.OutOrStdout())
}
