package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"recurflow/internal/domain"
	"recurflow/internal/recurrence"
)

type NextOptions struct {
	*RootOptions
	Frequency string
	From      string
	Count     int
	Interval  int
	Weekday   int
	MonthDay  int
}

func NewNextCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &NextOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "next",
		Short: "Print upcoming occurrences for a recurrence",
		Long: `Print the lookback window and the next occurrences for a recurrence,
using the configured hour and location.

Example:
  recurflow next --frequency monthly --from 2024-01-31T00:00:00Z --count 3
  recurflow next --frequency weekly --weekday 1`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			loc, err := cfg.Location()
			if err != nil {
				return err
			}
			rec, err := opts.recurrence()
			if err != nil {
				return err
			}
			from := time.Now()
			if opts.From != "" {
				if from, err = time.Parse(time.RFC3339, opts.From); err != nil {
					return err
				}
			}

			clock := recurrence.New(cfg.Scan.Hour, loc)
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "window start: %s\n", clock.WindowStart(rec, from).Format(time.RFC3339))
			for i, t := range clock.Preview(rec, from, opts.Count) {
				fmt.Fprintf(out, "%d: %s\n", i+1, t.Format(time.RFC3339))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&opts.Frequency, "frequency", "f", string(domain.Weekly), "daily|weekly|biweekly|monthly|quarterly")
	cmd.Flags().StringVar(&opts.From, "from", "", "reference RFC3339 time (default now)")
	cmd.Flags().IntVarP(&opts.Count, "count", "n", 5, "number of occurrences")
	cmd.Flags().IntVar(&opts.Interval, "interval", 1, "repeat every N periods")
	cmd.Flags().IntVar(&opts.Weekday, "weekday", -1, "pin to weekday 0-6 (day-based frequencies)")
	cmd.Flags().IntVar(&opts.MonthDay, "month-day", 0, "pin to day of month (monthly, quarterly)")

	return cmd
}

func (o *NextOptions) recurrence() (domain.Recurrence, error) {
	freq, err := domain.ParseFrequency(o.Frequency)
	if err != nil {
		return domain.Recurrence{}, err
	}
	if o.Count <= 0 {
		return domain.Recurrence{}, fmt.Errorf("count must be positive")
	}
	rec := domain.Recurrence{Frequency: freq, Interval: o.Interval, MonthDay: o.MonthDay}
	if o.Weekday >= 0 {
		wd := time.Weekday(o.Weekday)
		rec.Weekday = &wd
	}
	return rec, rec.Validate()
}
