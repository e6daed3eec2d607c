package main

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"didi-voice/internal/domain"
	"didi-voice/internal/usecase"
)

var (
	didiStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("212")).
			Bold(true)

	fallbackStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214"))

	promptStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("39"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))
)

// newChatCmd runs one conversation on the terminal, one line per spoken turn.
func newChatCmd(opts *options) *cobra.Command {
	var (
		topic   string
		name    string
		lang    string
		summary bool
	)
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Talk to Didi in the terminal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			svc, store, err := opts.buildService(ctx, opts.logger(cmd.ErrOrStderr()))
			if err != nil {
				return err
			}
			defer store.Close()

			started, err := svc.StartSession(ctx, usecase.StartInput{
				Topic:   domain.Topic(topic),
				Profile: domain.UserProfile{Name: name, Language: lang},
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(out, dimStyle.Render("session "+started.SessionID+" · "+string(started.Topic)))
			fmt.Fprintln(out, didiStyle.Render("Didi: ")+started.OpeningText)

			scanner := bufio.NewScanner(cmd.InOrStdin())
			for {
				fmt.Fprint(out, promptStyle.Render("You: "))
				if !scanner.Scan() {
					fmt.Fprintln(out)
					break
				}
				text := strings.TrimSpace(scanner.Text())
				if text == "" {
					continue
				}
				reply, err := svc.SendMessage(ctx, usecase.SendInput{SessionID: started.SessionID, Text: text})
				if err != nil {
					fmt.Fprintln(out, fallbackStyle.Render("! "+err.Error()))
					continue
				}
				line := didiStyle.Render("Didi: ") + reply.Text
				if reply.IsFallback {
					line += " " + fallbackStyle.Render("(fallback)")
				}
				fmt.Fprintln(out, line)
				if reply.EndCall {
					fmt.Fprintln(out, dimStyle.Render("call ended"))
					break
				}
			}
			if err := scanner.Err(); err != nil {
				return err
			}

			if summary {
				sum, err := svc.Summary(ctx, started.SessionID)
				if err != nil {
					return err
				}
				fmt.Fprintln(out, dimStyle.Render(fmt.Sprintf(
					"turns: %d user, %d assistant (%d real, %d fallback) · api calls: %d",
					sum.UserTurns, sum.AssistantTurns, sum.RealAITurns, sum.FallbackTurns, sum.APICallCount,
				)))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&topic, "topic", string(domain.TopicGeneralHealth), "Conversation topic")
	cmd.Flags().StringVar(&name, "name", "", "Caller name passed to Didi")
	cmd.Flags().StringVar(&lang, "language", "", "Caller's preferred language")
	cmd.Flags().BoolVar(&summary, "summary", true, "Print a session summary at the end")
	return cmd
}
