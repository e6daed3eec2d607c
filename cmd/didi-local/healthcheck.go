package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"didi-voice/internal/catalog"
	"didi-voice/internal/conversation"
	"didi-voice/internal/repository"
)

var (
	successStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42")).
			Bold(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)

	sectionStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("62")).
			Bold(true).
			Underline(true)
)

var errUnhealthy = errors.New("healthcheck failed")

func newHealthcheckCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "healthcheck",
		Short: "Check the catalog, the local store and the Gemini connection",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, sectionStyle.Render("Didi health check"))
			healthy := true

			topics, err := catalog.Load(opts.catalogPath)
			healthy = report(out, "topic catalog", err) && healthy
			if err == nil {
				fmt.Fprintf(out, "   topics: %v\n", topics.Topics())
			}

			store, err := repository.OpenSQLite(ctx, opts.dbPath)
			healthy = report(out, "session store "+opts.dbPath, err) && healthy
			if err == nil {
				_ = store.Close()
			}

			client, err := opts.geminiClient()
			if err == nil {
				err = conversation.Probe(ctx, client, conversation.DefaultRetryPolicy().AttemptTimeout)
			}
			healthy = report(out, "gemini "+opts.model, err) && healthy

			if !healthy {
				return errUnhealthy
			}
			return nil
		},
	}
}

func report(w io.Writer, name string, err error) bool {
	if err != nil {
		fmt.Fprintln(w, errorStyle.Render("✗ "+name), err)
		return false
	}
	fmt.Fprintln(w, successStyle.Render("✓ "+name))
	return true
}
