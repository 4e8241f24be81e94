package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/lukasbauer/voiceturn/internal/llm"
	"github.com/lukasbauer/voiceturn/internal/logging"
	"github.com/lukasbauer/voiceturn/internal/replay"
	"github.com/lukasbauer/voiceturn/internal/turn"
)

type options struct {
	verbose   bool
	jsonOut   bool
	decisions bool
	interim   bool
	tailMs    int64

	liveDetector bool
	baseURL      string
	model        string
	apiKey       string
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:   "turnreplay <script.yaml>",
		Short: "Replay a transcript script through the turn assembler",
		Long: `turnreplay feeds a YAML or JSON script of timed STT events (partial,
final, eou, echo, assistant) into a turn assembler running on a simulated
clock, then prints every dispatched utterance with the time it left the
assembler. Scripted probabilities stand in for the end-of-turn model unless
--live-detector is set.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setupLogging(opts.verbose, cmd.ErrOrStderr())
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.OutOrStdout(), args[0], opts)
		},
	}

	f := cmd.Flags()
	f.BoolVarP(&opts.verbose, "verbose", "v", false, "debug logging on stderr")
	f.BoolVar(&opts.jsonOut, "json", false, "print the full trace as JSON")
	f.BoolVarP(&opts.decisions, "decisions", "d", false, "print turn decisions, not only dispatches")
	f.BoolVar(&opts.interim, "interim", false, "print interim previews")
	f.Int64Var(&opts.tailMs, "tail-ms", 0, "simulated time after the last event (default: longest timer + 1s)")
	f.BoolVar(&opts.liveDetector, "live-detector", false, "query a real end-of-turn endpoint instead of scripted probabilities")
	f.StringVar(&opts.baseURL, "base-url", "", "end-of-turn endpoint base URL (overrides the script)")
	f.StringVar(&opts.model, "model", "", "end-of-turn model (overrides the script)")
	f.StringVar(&opts.apiKey, "api-key", os.Getenv("EOT_API_KEY"), "end-of-turn API key")
	return cmd
}

func setupLogging(verbose bool, out io.Writer) {
	cfg := logging.DefaultConfig()
	cfg.Format = "console"
	cfg.Level = "warn"
	if verbose {
		cfg.Level = "debug"
	}
	logging.Setup(cfg, out)
}

func run(out io.Writer, path string, opts *options) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open script: %w", err)
	}
	defer f.Close()

	script, err := replay.Load(f)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	if opts.tailMs > 0 {
		script.TailMs = opts.tailMs
	}

	var ro replay.Options
	if opts.liveDetector {
		det, err := liveDetector(script.Turn.Semantic, opts)
		if err != nil {
			return err
		}
		ro.Detector = det
	}

	log.Debug().
		Str("script", path).
		Int("events", len(script.Events)).
		Dur("silence", script.Turn.Silence()).
		Bool("liveDetector", opts.liveDetector).
		Msg("replaying")

	res, err := replay.Run(script, ro)
	if err != nil {
		return err
	}

	if opts.jsonOut {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	printTrace(out, res, opts)
	return nil
}

func liveDetector(cfg llm.EOTConfig, opts *options) (llm.Detector, error) {
	cfg.Enabled = true
	if opts.baseURL != "" {
		cfg.BaseURL = opts.baseURL
	}
	if opts.model != "" {
		cfg.Model = opts.model
	}
	if opts.apiKey != "" {
		cfg.APIKey = opts.apiKey
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("live detector: %w", err)
	}
	return llm.NewEOTDetector(cfg, nil), nil
}

func printTrace(out io.Writer, res *replay.Result, opts *options) {
	dispatched := 0
	for _, e := range res.Entries {
		switch {
		case e.Message != nil && e.Message.IsInterim:
			if opts.interim {
				fmt.Fprintf(out, "%s  ~ %s\n", stamp(e.AtMs), e.Message.Content)
			}
		case e.Message != nil:
			dispatched++
			speaker := ""
			if e.Message.Speaker != "" {
				speaker = "[" + e.Message.Speaker + "] "
			}
			fmt.Fprintf(out, "%s  > %s%s\n", stamp(e.AtMs), speaker, e.Message.Content)
		case e.Decision != nil && opts.decisions:
			fmt.Fprintf(out, "%s    %s\n", stamp(e.AtMs), describe(e.Decision))
		}
	}
	fmt.Fprintf(out, "%d utterance(s) dispatched\n", dispatched)
}

func describe(d *turn.TurnDecision) string {
	s := d.Decision + " (" + d.Trigger
	if d.Reason != "" {
		s += ", " + d.Reason
	}
	s += ")"
	if d.Probability != nil {
		s += fmt.Sprintf(" p=%.2f", *d.Probability)
	}
	return s
}

func stamp(ms int64) string {
	d := time.Duration(ms) * time.Millisecond
	return fmt.Sprintf("%6.3fs", d.Seconds())
}
