package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"go.uber.org/zap"

	"github.com/mikey/email-open-relay/internal/adapters/store"
	"github.com/mikey/email-open-relay/internal/core"
	"github.com/mikey/email-open-relay/internal/di"
)

func main() {
	flags, err := di.ParseFlags(os.Args[0], os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(2)
	}

	container, err := di.BuildCLIContainer(flags)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to build dependency container: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch flags.Mode {
	case di.ModePollOnce:
		err = container.Invoke(func(logger *zap.Logger, poller *core.Poller, eventStore *store.SQLStore) error {
			defer logger.Sync()
			defer eventStore.Close()
			return pollOnce(ctx, os.Stdout, poller)
		})
	case di.ModeExport:
		err = container.Invoke(func(logger *zap.Logger, analytics *core.Analytics, eventStore *store.SQLStore) error {
			defer logger.Sync()
			defer eventStore.Close()
			return export(ctx, flags.Output, analytics)
		})
	default:
		err = container.Invoke(func(logger *zap.Logger, analytics *core.Analytics, eventStore *store.SQLStore) error {
			defer logger.Sync()
			defer eventStore.Close()
			return report(ctx, os.Stdout, analytics, flags)
		})
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func pollOnce(ctx context.Context, w io.Writer, poller *core.Poller) error {
	start := time.Now()
	result, err := poller.PollOnce(ctx)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "\n=== Poll ===\n")
	fmt.Fprintf(w, "Since: %s\n", result.Since.Format(time.RFC3339))
	fmt.Fprintf(w, "Fetched: %d\n", result.Fetched)
	fmt.Fprintf(w, "Novel: %d\n", result.Novel)
	fmt.Fprintf(w, "Incremented: %d\n", result.Incremented)
	fmt.Fprintf(w, "Replays: %d\n", result.Replays)
	fmt.Fprintf(w, "Malformed: %d\n", result.Malformed)
	fmt.Fprintf(w, "Dropped: %d\n", result.Dropped)
	fmt.Fprintf(w, "Processing time: %v\n", time.Since(start).Round(time.Millisecond))
	return nil
}

func export(ctx context.Context, path string, analytics *core.Analytics) error {
	if path == "" {
		return analytics.Export(ctx, os.Stdout)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create export file: %w", err)
	}
	if err := analytics.Export(ctx, f); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	return f.Close()
}

func report(ctx context.Context, w io.Writer, analytics *core.Analytics, flags *di.CLIFlags) error {
	summary, err := analytics.Summary(ctx)
	if err != nil {
		return err
	}
	recent, err := analytics.Recent(ctx, flags.Limit)
	if err != nil {
		return err
	}
	top, err := analytics.TopLeads(ctx, flags.Top)
	if err != nil {
		return err
	}
	engagement, err := analytics.Engagement(ctx, flags.Days)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "\n=== Summary ===\n")
	fmt.Fprintf(w, "Total opens: %d\n", summary.TotalOpens)
	fmt.Fprintf(w, "Unique emails: %d\n", summary.UniqueEmails)
	fmt.Fprintf(w, "Unique leads: %d\n", summary.UniqueLeads)

	fmt.Fprintf(w, "\n=== Last %d days ===\n", engagement.PeriodDays)
	fmt.Fprintf(w, "Opens: %d\n", engagement.TotalOpens)
	fmt.Fprintf(w, "Emails: %d\n", engagement.UniqueEmails)
	fmt.Fprintf(w, "Leads: %d\n", engagement.UniqueLeads)
	fmt.Fprintf(w, "Avg opens per email: %.2f\n", engagement.AvgOpensPerEmail)
	fmt.Fprintf(w, "Max opens per email: %d\n", engagement.MaxOpensPerEmail)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "\n=== Top leads ===\n")
	fmt.Fprintln(tw, "LEAD\tNAME\tOPENS")
	for _, l := range top {
		fmt.Fprintf(tw, "%s\t%s\t%d\n", l.LeadID, l.LeadName, l.TotalOpens)
	}
	tw.Flush()

	fmt.Fprintf(w, "\n=== Recent opens ===\n")
	fmt.Fprintln(tw, "OPENED\tLEAD\tSUBJECT\tOPENS\tNOTIFY")
	for _, e := range recent {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n",
			e.OpenedAt.Format(time.RFC3339), e.DisplayName(), e.Subject, e.OpensCount, e.NotifyStatus)
	}
	return tw.Flush()
}
