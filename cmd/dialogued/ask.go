package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/loqalabs/loqa-dialogue/internal/config"
	"github.com/loqalabs/loqa-dialogue/internal/dialogue"
	"github.com/loqalabs/loqa-dialogue/internal/protocol"
	"github.com/loqalabs/loqa-dialogue/internal/runtime"
	"github.com/loqalabs/loqa-dialogue/internal/stream"
	"github.com/spf13/cobra"
)

func newAskCmd(configPath *string) *cobra.Command {
	var (
		provider   string
		credential string
		streamed   bool
	)
	cmd := &cobra.Command{
		Use:   "ask [text]",
		Short: "Send one message through the dialogue pipeline and print the reply",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			cfg.Bus.Enabled = false
			logger := newLogger(os.Stderr, cfg.Telemetry.LogLevel)

			components, err := runtime.Build(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer components.Close()

			req := dialogue.Request{
				Text:       strings.Join(args, " "),
				Credential: credential,
				Provider:   provider,
				ClientID:   "cli",
			}
			out := cmd.OutOrStdout()

			if !streamed {
				res, err := components.Orchestrator.Handle(cmd.Context(), req)
				if err != nil {
					return err
				}
				fmt.Fprintln(out, res.Response)
				fmt.Fprintf(cmd.ErrOrStderr(), "source=%s provider=%s latency_ms=%d\n", res.Source, res.Provider, res.Latency.Milliseconds())
				return nil
			}

			events, err := stream.NewSession(components.Orchestrator, logger).Run(cmd.Context(), "", req)
			if err != nil {
				return err
			}
			for ev := range events {
				switch ev.Type {
				case protocol.EventToken:
					fmt.Fprint(out, ev.Content)
				case protocol.EventDone:
					fmt.Fprintln(out)
					fmt.Fprintf(cmd.ErrOrStderr(), "source=%s\n", ev.Source)
				case protocol.EventError:
					fmt.Fprintln(out)
					return fmt.Errorf("stream failed: %s", ev.Message)
				}
			}
			return cmd.Context().Err()
		},
	}
	cmd.Flags().StringVarP(&provider, "provider", "p", "", "Model provider: hosted or local (defaults to llm.default_provider)")
	cmd.Flags().StringVar(&credential, "credential", "", "Credential for the hosted provider")
	cmd.Flags().BoolVarP(&streamed, "stream", "s", false, "Print the reply as it is generated")
	return cmd
}
