package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/straja-ai/lexanon/internal/engine"
	"github.com/straja-ai/lexanon/internal/inference"
	"github.com/straja-ai/lexanon/internal/mockprovider"
	"github.com/straja-ai/lexanon/internal/patterns"
	"github.com/straja-ai/lexanon/internal/pii"
	"github.com/straja-ai/lexanon/internal/provider"
	"github.com/straja-ai/lexanon/internal/redact"
	"github.com/straja-ai/lexanon/internal/rehydrate"
)

type rootOptions struct {
	configPath   string
	patternsPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "lexanon",
		Short:         "Reversible PII anonymization for German legal text",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "lexanon.yaml", "path to config file (defaults apply when missing)")
	root.PersistentFlags().StringVar(&opts.patternsPath, "patterns", "", "pattern library file (overrides patterns.path)")

	root.AddCommand(
		newAnonymizeCmd(opts),
		newRehydrateCmd(opts),
		newGenerateCmd(opts),
		newPatternsCmd(opts),
	)
	return root
}

// withApp builds the app for one command and always shuts it down.
func withApp(cmd *cobra.Command, opts *rootOptions, fn func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := newApp(ctx, opts.configPath, opts.patternsPath)
	if err != nil {
		return err
	}
	defer a.close(context.Background())
	return fn(ctx, a)
}

func newAnonymizeCmd(root *rootOptions) *cobra.Command {
	var (
		sanitized bool
		mapOut    string
		expect    []string
		workers   int
		format    string
	)
	cmd := &cobra.Command{
		Use:   "anonymize [file...]",
		Short: "Replace PII with placeholders (reads stdin when no file is given)",
		RunE: func(cmd *cobra.Command, args []string) error {
			expected, err := parseTypes(expect)
			if err != nil {
				return err
			}
			if format != "json" && format != "text" {
				return fmt.Errorf("--format must be json or text, got %q", format)
			}
			if len(args) > 1 && mapOut != "" {
				return errors.New("--map-out takes a single input; batch output embeds one map per document")
			}
			return withApp(cmd, root, func(ctx context.Context, a *app) error {
				out := cmd.OutOrStdout()
				if len(args) > 1 {
					texts := make([]string, len(args))
					for i, path := range args {
						data, err := os.ReadFile(path)
						if err != nil {
							return err
						}
						texts[i] = string(data)
					}
					results, err := a.engine.AnonymizeBatch(ctx, texts, workers, engine.WithExpected(expected...))
					if err != nil {
						return err
					}
					if sanitized {
						for i, r := range results {
							results[i] = r.Sanitized()
						}
					}
					if format == "text" {
						for i, r := range results {
							fmt.Fprintf(out, "==> %s <==\n%s\n", args[i], r.AnonymizedText)
						}
						return nil
					}
					return writeJSON(out, results)
				}

				text, err := readInput(cmd, args)
				if err != nil {
					return err
				}
				res, err := a.engine.Anonymize(ctx, text, engine.WithExpected(expected...))
				if err != nil {
					return err
				}
				if mapOut != "" {
					if err := writeJSONFile(mapOut, res.Map); err != nil {
						return err
					}
				}
				for _, w := range res.Stats.Warnings {
					redact.Logf("warning: %s (%s): %s", w.Kind, w.Source, w.Detail)
				}
				if format == "text" {
					_, err := io.WriteString(out, res.AnonymizedText)
					return err
				}
				if sanitized {
					res = res.Sanitized()
				}
				return writeJSON(out, res)
			})
		},
	}
	cmd.Flags().BoolVar(&sanitized, "sanitized", false, "omit originals and the rehydration map from the output")
	cmd.Flags().StringVar(&mapOut, "map-out", "", "write the rehydration map to this file (mode 0600)")
	cmd.Flags().StringSliceVar(&expect, "expect", nil, "entity types expected in the document, e.g. PERSON_NAME,IBAN")
	cmd.Flags().IntVar(&workers, "workers", 0, "documents processed in parallel (batch mode; 0 uses batch.workers)")
	cmd.Flags().StringVar(&format, "format", "json", "output format: json or text")
	return cmd
}

func newRehydrateCmd(root *rootOptions) *cobra.Command {
	var (
		mapPath string
		format  string
	)
	cmd := &cobra.Command{
		Use:   "rehydrate --map FILE [file]",
		Short: "Restore originals for placeholders (reads stdin when no file is given)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if mapPath == "" {
				return errors.New("--map is required")
			}
			data, err := os.ReadFile(mapPath)
			if err != nil {
				return err
			}
			var m rehydrate.Map
			if err := json.Unmarshal(data, &m); err != nil {
				return fmt.Errorf("rehydration map %s: %w", mapPath, err)
			}
			text, err := readInput(cmd, args)
			if err != nil {
				return err
			}
			return withApp(cmd, root, func(ctx context.Context, a *app) error {
				res, err := a.engine.Rehydrate(ctx, text, &m)
				if err != nil {
					return err
				}
				for _, ph := range res.Mismatches {
					redact.Logf("warning: placeholder %s has no rehydration entry", ph)
				}
				if format == "json" {
					return writeJSON(cmd.OutOrStdout(), res)
				}
				_, err = io.WriteString(cmd.OutOrStdout(), res.Text)
				return err
			})
		},
	}
	cmd.Flags().StringVar(&mapPath, "map", "", "rehydration map written by anonymize --map-out")
	cmd.Flags().StringVar(&format, "format", "text", "output format: text or json")
	return cmd
}

func newGenerateCmd(root *rootOptions) *cobra.Command {
	var (
		providerName string
		useMock      bool
		params       inference.Params
		format       string
	)
	cmd := &cobra.Command{
		Use:   "generate [file]",
		Short: "Anonymize, send to a generation service, and restore the reply",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := readInput(cmd, args)
			if err != nil {
				return err
			}
			return withApp(cmd, root, func(ctx context.Context, a *app) error {
				p, name, shutdown, err := selectProvider(ctx, a, providerName, useMock)
				if err != nil {
					return err
				}
				defer shutdown()

				gen, err := a.engine.Generate(ctx, p, text, params, engine.WithProviderName(name))
				if err != nil {
					if errors.Is(err, provider.ErrTimeout) {
						return fmt.Errorf("generation service %q timed out: %w", name, err)
					}
					return err
				}
				for _, ph := range gen.Mismatches {
					redact.Logf("warning: reply placeholder %s has no rehydration entry", ph)
				}
				for _, ph := range gen.MissingPhrases {
					redact.Logf("note: reply dropped %q", ph)
				}
				if format == "json" {
					gen.Anonymized = gen.Anonymized.Sanitized()
					return writeJSON(cmd.OutOrStdout(), gen)
				}
				_, err = io.WriteString(cmd.OutOrStdout(), gen.Text)
				return err
			})
		},
	}
	cmd.Flags().StringVar(&providerName, "provider", "", "provider name from generation.providers (default: generation.default_provider)")
	cmd.Flags().BoolVar(&useMock, "mock", false, "run against a local echo server instead of a configured provider")
	cmd.Flags().StringVar(&params.Model, "model", "", "model override")
	cmd.Flags().StringVar(&params.System, "system", "", "system prompt (default: generation.system)")
	cmd.Flags().IntVar(&params.MaxTokens, "max-tokens", 0, "reply token limit (default: generation.max_tokens)")
	cmd.Flags().Float64Var(&params.Temperature, "temperature", 0, "sampling temperature (default: generation.temperature)")
	cmd.Flags().StringVar(&format, "format", "text", "output format: text or json")
	return cmd
}

func selectProvider(ctx context.Context, a *app, name string, useMock bool) (provider.Provider, string, func(), error) {
	if useMock {
		shutdown, baseURL, err := mockprovider.Start(mockprovider.Options{Addr: "127.0.0.1:0"})
		if err != nil {
			return nil, "", nil, fmt.Errorf("start mock provider: %w", err)
		}
		stop := func() {
			sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = shutdown(sctx)
		}
		return provider.NewOpenAI(baseURL+"/v1", "", "mock-llm", a.cfg.Generation.Timeout, 0), "mock", stop, nil
	}

	if name == "" {
		name = a.cfg.Generation.DefaultProvider
	}
	if name == "" {
		return nil, "", nil, errors.New("no generation provider configured; set generation.providers or use --mock")
	}
	pcfg, ok := a.cfg.Generation.Providers[name]
	if !ok {
		return nil, "", nil, fmt.Errorf("unknown provider %q", name)
	}
	p, err := buildProvider(ctx, name, pcfg, a.cfg.Generation)
	if err != nil {
		return nil, "", nil, err
	}
	return p, name, func() {}, nil
}

func newPatternsCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "patterns",
		Short: "List the detectors of the active pattern library",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			lib, err := loadPatternsOnly(root)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "library version %s\n\n", lib.Version())
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tTYPE\tKIND\tCONFIDENCE\tVALIDATOR")
			for _, d := range lib.Detectors() {
				typ := string(d.Type)
				if d.Kind == patterns.KindNER {
					typ = strings.Join(d.Labels, ",")
				}
				validator := string(d.Validator)
				if validator == "" {
					validator = "-"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%.2f\t%s\n", d.ID, typ, d.Kind, d.Confidence, validator)
			}
			return tw.Flush()
		},
	}
}

func parseTypes(names []string) ([]pii.EntityType, error) {
	var out []pii.EntityType
	for _, n := range names {
		t := pii.EntityType(strings.ToUpper(strings.TrimSpace(n)))
		if t == "" {
			continue
		}
		if !t.Valid() {
			return nil, fmt.Errorf("unknown entity type %q", n)
		}
		out = append(out, t)
	}
	return out, nil
}

func readInput(cmd *cobra.Command, args []string) (string, error) {
	if len(args) == 0 || args[0] == "-" {
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return "", fmt.Errorf("read stdin: %w", err)
		}
		return string(data), nil
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// writeJSONFile writes v with owner-only permissions; maps hold originals.
func writeJSONFile(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o600)
}
