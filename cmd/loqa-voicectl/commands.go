package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/loqalabs/loqa-voices/internal/eventstore"
	"github.com/loqalabs/loqa-voices/internal/voice"
	"github.com/spf13/cobra"
)

func newLoadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "load",
		Short: "Load the voice snapshot and report its size",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLoad(cmd.Context(), cmd.OutOrStdout(), globalOptions())
		},
	}
}

func newUpdateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "update",
		Short: "Fetch the voice catalog from the configured provider",
		Long: `Fetch the voice catalog from the configured provider and write it to the
snapshot. When the fetch fails and no catalog is held, the snapshot is loaded
instead, but the command still exits non-zero.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUpdate(cmd.Context(), cmd.OutOrStdout(), globalOptions())
		},
	}
}

func newListCmd() *cobra.Command {
	var (
		locale string
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List voices from the snapshot",
		Example: `  loqa-voicectl list                 # Table of all voices
  loqa-voicectl list --locale en_US  # Only en_US voices
  loqa-voicectl list --json          # Catalog document`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runList(cmd.Context(), cmd.OutOrStdout(), globalOptions(), locale, asJSON)
		},
	}
	cmd.Flags().StringVarP(&locale, "locale", "l", "", "only list voices of this locale")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the catalog document instead of a table")
	return cmd
}

func newNamesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "names",
		Short: "Print distinct voice names, one per line",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNames(cmd.Context(), cmd.OutOrStdout(), globalOptions())
		},
	}
}

func newHistoryCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent catalog loads and updates",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistory(cmd.Context(), cmd.OutOrStdout(), globalOptions(), limit)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of events to show")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}

func runLoad(ctx context.Context, w io.Writer, opts options) error {
	s, err := loaded(ctx, opts)
	if err != nil {
		return err
	}
	defer s.close()
	fmt.Fprintf(w, "loaded %d voices\n", s.cache.Catalog().Len())
	return nil
}

func runUpdate(ctx context.Context, w io.Writer, opts options) error {
	s, err := openSession(ctx, opts)
	if err != nil {
		return err
	}
	defer s.close()

	ok := <-s.cache.Update(ctx, s.cfg.Source)
	n := s.cache.Catalog().Len()
	if !ok {
		if n > 0 {
			fmt.Fprintf(w, "update failed, using %d voices from snapshot\n", n)
		}
		return fmt.Errorf("%w: update from %s source", errFailed, s.cfg.Source.Mode)
	}
	fmt.Fprintf(w, "updated %d voices\n", n)
	return nil
}

func runList(ctx context.Context, w io.Writer, opts options, locale string, asJSON bool) error {
	s, err := loaded(ctx, opts)
	if err != nil {
		return err
	}
	defer s.close()

	records := s.cache.Voices()
	if locale != "" {
		records = s.cache.VoicesForLocale(locale)
	}
	if asJSON {
		text, err := voice.Encode(records)
		if err != nil {
			return err
		}
		fmt.Fprintln(w, text)
		return nil
	}
	return printTable(w, records)
}

func printTable(w io.Writer, records []voice.Record) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tLOCALE\tGENDER\tSTYLES")
	for _, r := range records {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.Name, r.Locale, r.Gender, strings.Join(r.Styles, ","))
	}
	return tw.Flush()
}

func runNames(ctx context.Context, w io.Writer, opts options) error {
	s, err := loaded(ctx, opts)
	if err != nil {
		return err
	}
	defer s.close()
	for _, name := range s.cache.VoiceNames() {
		fmt.Fprintln(w, name)
	}
	return nil
}

func runHistory(ctx context.Context, w io.Writer, opts options, limit int) error {
	s, err := openSession(ctx, opts)
	if err != nil {
		return err
	}
	defer s.close()

	events, err := s.events.ListRecent(ctx, limit)
	if err != nil {
		return err
	}
	return printHistory(w, events)
}

func printHistory(w io.Writer, events []eventstore.Event) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "WHEN\tKIND\tSOURCE\tOK\tVOICES\tDETAIL")
	for _, e := range events {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%d\t%s\n",
			humanize.Time(e.CreatedAt), e.Kind, e.Source, e.OK, e.Voices, e.Detail)
	}
	return tw.Flush()
}
