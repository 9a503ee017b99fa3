package chatctl

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"chatd/pkg/types"
)

// buildRootCmd constructs the Cobra command tree wired to a daemon client.
func buildRootCmd(cfg *Config) *cobra.Command {
	var client *Client
	root := &cobra.Command{
		Use:           "chatctl",
		Short:         "Control a running chatd daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("server", cfg.Server, "chatd base URL (defaults CHATD_SERVER or http://127.0.0.1:8090)")
	root.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		if f := cmd.InheritedFlags().Lookup("server"); f != nil {
			if v := f.Value.String(); v != "" {
				cfg.Server = v
			}
		}
		client = NewClient(cfg.Server)
	}

	models := &cobra.Command{Use: "models", Short: "List tracked model artifacts", RunE: func(cmd *cobra.Command, args []string) error {
		var resp types.ModelsResponse
		if err := client.getJSON(cmd.Context(), "/models", &resp); err != nil {
			return err
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "FILENAME\tFAMILY\tSIZE\tPRESENT\tLOADED\tDOWNLOADED")
		for _, m := range resp.Models {
			size := "-"
			if m.SizeBytes != nil {
				size = humanSize(*m.SizeBytes)
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%v\t%v\t%s\n",
				m.Filename, m.Family, size, m.Present, m.Loaded, m.DownloadDate.Format("2006-01-02"))
		}
		return tw.Flush()
	}}

	catalog := &cobra.Command{Use: "catalog <family>", Short: "List remote candidates for a model family", Args: cobra.ExactArgs(1), RunE: func(cmd *cobra.Command, args []string) error {
		var resp types.CatalogResponse
		if err := client.getJSON(cmd.Context(), "/catalog/"+args[0], &resp); err != nil {
			return err
		}
		if resp.Offline {
			fmt.Fprintln(cmd.OutOrStdout(), "(catalog unreachable, showing local records)")
		}
		for _, name := range resp.Filenames {
			fmt.Fprintln(cmd.OutOrStdout(), name)
		}
		return nil
	}}

	pull := &cobra.Command{Use: "pull <filename> <url>", Short: "Download a model artifact with progress", Example: "  chatctl pull qwen2-q4.gguf https://example.com/models/qwen2-q4.gguf", Args: cobra.ExactArgs(2), RunE: func(cmd *cobra.Command, args []string) error {
		body := types.PullRequest{Filename: args[0], URL: args[1]}
		out := cmd.OutOrStdout()
		err := client.postStream(cmd.Context(), "/pull", body, func(line json.RawMessage) error {
			var p types.PullProgress
			if err := json.Unmarshal(line, &p); err != nil {
				return err
			}
			switch {
			case p.Error != "":
				return fmt.Errorf("download failed: %s", p.Error)
			case p.Done && p.Skipped:
				fmt.Fprintln(out, "\ralready present, skipped")
			case p.Done:
				fmt.Fprintln(out, "\rdownload complete    ")
			default:
				fmt.Fprintf(out, "\r%3.0f%%", p.Progress*100)
			}
			return nil
		})
		return err
	}}

	load := &cobra.Command{Use: "load <filename>", Short: "Load an artifact into the engine", Args: cobra.ExactArgs(1), RunE: func(cmd *cobra.Command, args []string) error {
		var st types.StatusResponse
		if err := client.postJSON(cmd.Context(), "/load", types.LoadRequest{Filename: args[0]}, &st); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "state=%s model=%s\n", st.State, st.LoadedModel)
		return nil
	}}

	unload := &cobra.Command{Use: "unload", Short: "Unload the current model", RunE: func(cmd *cobra.Command, args []string) error {
		var st types.StatusResponse
		if err := client.postJSON(cmd.Context(), "/unload", nil, &st); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "state=%s\n", st.State)
		return nil
	}}

	rm := &cobra.Command{Use: "rm <filename>", Short: "Delete an artifact and its record", Args: cobra.ExactArgs(1), RunE: func(cmd *cobra.Command, args []string) error {
		return client.delete(cmd.Context(), "/models/"+args[0])
	}}

	var maxTokens int
	var showReasoning bool
	chatCmd := &cobra.Command{Use: "chat <message...>", Short: "Send one message and stream the reply", Example: "  chatctl chat Write a haiku about the ocean.", Args: cobra.MinimumNArgs(1), RunE: func(cmd *cobra.Command, args []string) error {
		// Ctrl+C asks the daemon to stop generation instead of just dying;
		// the stream then ends with the cancel notice appended.
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sig)
		done := make(chan struct{})
		defer close(done)
		go func() {
			select {
			case <-sig:
				_ = client.postJSON(context.Background(), "/chat/cancel", nil, nil)
			case <-done:
			}
		}()
		ctx := cmd.Context()

		body := types.ChatRequest{Content: strings.Join(args, " "), MaxTokens: maxTokens}
		out := cmd.OutOrStdout()
		printed := 0
		err := client.postStream(ctx, "/chat", body, func(line json.RawMessage) error {
			var ev types.ChatEvent
			if err := json.Unmarshal(line, &ev); err != nil {
				return err
			}
			if ev.Done {
				if len(ev.Visible) > printed {
					fmt.Fprint(out, ev.Visible[printed:])
				}
				fmt.Fprintln(out)
				if showReasoning && ev.Reasoning != "" {
					fmt.Fprintf(out, "--- reasoning ---\n%s\n", ev.Reasoning)
				}
				if ev.TokensPerSec > 0 {
					fmt.Fprintf(out, "(%.1f tok/s)\n", ev.TokensPerSec)
				}
				return nil
			}
			if len(ev.Visible) > printed {
				fmt.Fprint(out, ev.Visible[printed:])
				printed = len(ev.Visible)
			}
			return nil
		})
		return err
	}}
	chatCmd.Flags().IntVar(&maxTokens, "max-tokens", 0, "Generation cap for this turn (0 uses the server default)")
	chatCmd.Flags().BoolVar(&showReasoning, "reasoning", false, "Print the model's reasoning after the reply")

	history := &cobra.Command{Use: "history", Short: "Show the conversation", RunE: func(cmd *cobra.Command, args []string) error {
		var turns []types.TurnView
		if err := client.getJSON(cmd.Context(), "/chat", &turns); err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for i, t := range turns {
			fmt.Fprintf(out, "[%d] %s: %s\n", i, t.Role, t.Visible)
			if t.Reasoning != "" {
				fmt.Fprintf(out, "    reasoning: %s\n", t.Reasoning)
			}
		}
		return nil
	}}

	reveal := &cobra.Command{Use: "reveal <turn>", Short: "Reveal reasoning for a turn in history", Args: cobra.ExactArgs(1), RunE: func(cmd *cobra.Command, args []string) error {
		idx, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("turn must be a number: %q", args[0])
		}
		return client.postJSON(cmd.Context(), "/chat/reveal", map[string]any{"turn": idx, "revealed": true}, nil)
	}}

	reset := &cobra.Command{Use: "reset", Short: "Clear the conversation", RunE: func(cmd *cobra.Command, args []string) error {
		return client.postJSON(cmd.Context(), "/chat/reset", nil, nil)
	}}

	cancelCmd := &cobra.Command{Use: "cancel", Short: "Stop the in-flight completion", RunE: func(cmd *cobra.Command, args []string) error {
		return client.postJSON(cmd.Context(), "/chat/cancel", nil, nil)
	}}

	status := &cobra.Command{Use: "status", Short: "Show daemon status", RunE: func(cmd *cobra.Command, args []string) error {
		var st types.StatusResponse
		if err := client.getJSON(cmd.Context(), "/status", &st); err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "state:        %s\n", st.State)
		if st.LoadedModel != "" {
			fmt.Fprintf(out, "model:        %s\n", st.LoadedModel)
		}
		if st.LastError != "" {
			fmt.Fprintf(out, "last error:   %s\n", st.LastError)
		}
		fmt.Fprintf(out, "turns:        %d\n", st.Turns)
		fmt.Fprintf(out, "chat active:  %v\n", st.ChatActive)
		fmt.Fprintf(out, "pull active:  %v\n", st.PullActive)
		fmt.Fprintf(out, "uptime:       %ds\n", st.UptimeSeconds)
		return nil
	}}

	root.AddCommand(models, catalog, pull, load, unload, rm, chatCmd, history, reveal, reset, cancelCmd, status)
	return root
}

func humanSize(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

func envServer() string {
	if v := os.Getenv("CHATD_SERVER"); v != "" {
		return v
	}
	return "http://127.0.0.1:8090"
}
