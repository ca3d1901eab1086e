package jobs

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/ohsu-comp-bio/molq/cmd/util"
	"github.com/ohsu-comp-bio/molq/job"
	"github.com/ohsu-comp-bio/molq/registry"
)

// ListRequest captures the values of the list command line.
type ListRequest struct {
	States     []string
	NamePrefix string
	// Refresh asks the backends about active jobs before listing.
	Refresh bool
}

// PurgeRequest captures the values of the purge command line.
type PurgeRequest struct {
	States     []string
	NamePrefix string
	// All also purges jobs which are not finished.
	All bool
}

func parseStatuses(raw []string) ([]job.Status, error) {
	var out []job.Status
	for _, r := range raw {
		st, err := job.ParseStatus(r)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

// List prints the registered jobs as a table. Without a --backend flag the
// jobs of every backend are listed.
func List(ctx context.Context, opts *util.Options, req *ListRequest, w io.Writer) error {
	statuses, err := parseStatuses(req.States)
	if err != nil {
		return err
	}

	env, err := opts.Open(ctx)
	if err != nil {
		return err
	}
	defer env.Close()

	f := registry.Filter{
		Backend:    opts.Flags.DefaultBackend,
		NamePrefix: req.NamePrefix,
	}
	if req.Refresh {
		active, err := env.Registry.List(ctx, f)
		if err != nil {
			return err
		}
		for _, rec := range active {
			if rec.Status.Terminal() {
				continue
			}
			s, err := env.Dispatcher.Get(rec.Backend)
			if err != nil {
				env.Log.Warn("skipping job of unconfigured backend", "backend", rec.Backend, "jobID", rec.ID)
				continue
			}
			if _, err := s.Refresh(ctx, rec.ID); job.IsStale(err) {
				env.Log.Warn("status may be stale", "backend", rec.Backend, "jobID", rec.ID, "error", err)
			} else if err != nil {
				env.Log.Warn("refresh failed", "backend", rec.Backend, "jobID", rec.ID, "error", err)
			}
		}
	}

	f.Statuses = statuses
	recs, err := env.Registry.List(ctx, f)
	if err != nil {
		return err
	}

	tw := newTable(w)
	tw.AppendHeader(table.Row{"BACKEND", "ID", "NAME", "STATUS", "SUBMITTED", "COMMAND"})
	tw.SetColumnConfigs([]table.ColumnConfig{
		{Name: "COMMAND", WidthMax: 48, WidthMaxEnforcer: ellipsis},
	})
	for _, rec := range recs {
		tw.AppendRow(table.Row{
			rec.Backend, rec.ID, rec.Name, rec.Status,
			rec.SubmitTime.Local().Format(time.DateTime),
			job.QuoteCommand(rec.Command),
		})
	}
	tw.Render()
	return nil
}

// plainStyle draws columns separated by spaces, without borders.
var plainStyle = table.Style{
	Name:   "plain",
	Box:    table.StyleBoxDefault,
	Color:  table.ColorOptionsDefault,
	Format: table.FormatOptionsDefault,
	HTML:   table.DefaultHTMLOptions,
	Options: table.Options{
		DrawBorder:      false,
		SeparateColumns: false,
		SeparateFooter:  false,
		SeparateHeader:  false,
		SeparateRows:    false,
	},
	Title: table.TitleOptionsDefault,
}

func newTable(w io.Writer) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.SetStyle(plainStyle)
	return tw
}

func ellipsis(col string, n int) string {
	if text.RuneWidthWithoutEscSequences(col) <= n {
		return col
	}
	return text.Trim(col, n-3) + "..."
}

// Status refreshes each job on the selected backend and prints its record.
func Status(ctx context.Context, opts *util.Options, ids []string, w io.Writer) error {
	env, err := opts.Open(ctx)
	if err != nil {
		return err
	}
	defer env.Close()

	s, err := env.Dispatcher.Get("")
	if err != nil {
		return err
	}

	tw := newTable(w)
	tw.AppendHeader(table.Row{"ID", "NAME", "STATUS", "EXIT", "DETAIL"})
	defer tw.Render()

	// A stale status is printed, and reported once every job is listed.
	var stale error
	for _, id := range ids {
		_, err := s.Refresh(ctx, id)
		if job.IsStale(err) {
			stale = multierror.Append(stale, err)
		} else if err != nil {
			return multierror.Append(stale, err).ErrorOrNil()
		}
		rec, err := env.Registry.Get(ctx, s.Name(), id)
		if err != nil {
			return err
		}
		exit := "-"
		if code, ok := rec.ExitCode(); ok {
			exit = fmt.Sprint(code)
		}
		tw.AppendRow(table.Row{rec.ID, rec.Name, rec.Status, exit, detail(rec)})
	}
	return stale
}

func detail(rec *job.Record) string {
	var parts []string
	for _, k := range []string{job.ExtraReason, job.ExtraSchedulerState, job.ExtraNodes} {
		if v := rec.Extra[k]; v != "" {
			parts = append(parts, k+"="+v)
		}
	}
	return strings.Join(parts, " ")
}

// Purge removes matching records from the registry and prints how many
// were removed.
func Purge(ctx context.Context, opts *util.Options, req *PurgeRequest, w io.Writer) error {
	statuses, err := parseStatuses(req.States)
	if err != nil {
		return err
	}

	conf, err := opts.Config()
	if err != nil {
		return err
	}
	reg, err := registry.Open(conf.Registry)
	if err != nil {
		return err
	}
	defer reg.Close()

	n, err := reg.Purge(ctx, registry.Filter{
		Backend:    opts.Flags.DefaultBackend,
		Statuses:   statuses,
		NamePrefix: req.NamePrefix,
		Force:      req.All,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "purged %d jobs\n", n)
	return nil
}
