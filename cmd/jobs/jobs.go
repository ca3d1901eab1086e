// Package jobs contains the commands which submit and manage jobs.
package jobs

import (
	"context"
	"io"

	"github.com/ohsu-comp-bio/molq/cmd/util"
	"github.com/spf13/cobra"
)

// NewCommands returns the job commands: submit, list, status, cancel,
// wait and purge.
func NewCommands(opts *util.Options) []*cobra.Command {
	cmds, _ := newCommandsHooks(opts)
	return cmds
}

type hooks struct {
	Submit func(ctx context.Context, opts *util.Options, req *SubmitRequest, w io.Writer) error
	List   func(ctx context.Context, opts *util.Options, req *ListRequest, w io.Writer) error
	Status func(ctx context.Context, opts *util.Options, ids []string, w io.Writer) error
	Cancel func(ctx context.Context, opts *util.Options, ids []string, w io.Writer) error
	Wait   func(ctx context.Context, opts *util.Options, ids []string, w io.Writer) error
	Purge  func(ctx context.Context, opts *util.Options, req *PurgeRequest, w io.Writer) error
}

func newCommandsHooks(opts *util.Options) ([]*cobra.Command, *hooks) {
	h := &hooks{
		Submit: Submit,
		List:   List,
		Status: Status,
		Cancel: Cancel,
		Wait:   Wait,
		Purge:  Purge,
	}

	sreq := &SubmitRequest{}
	submit := &cobra.Command{
		Use:   "submit [flags] -- COMMAND [ARG...]",
		Short: "Submit a job to a backend.",
		Example: `  molq submit -b cluster --cpus 4 --mem 8G -- python train.py
  molq submit --sh "sort data.txt | uniq -c > counts.txt" --block`,
		RunE: func(cmd *cobra.Command, args []string) error {
			sreq.Command = args
			return h.Submit(cmd.Context(), opts, sreq, cmd.OutOrStdout())
		},
	}
	submit.Flags().AddFlagSet(submitFlags(sreq))

	lreq := &ListRequest{}
	list := &cobra.Command{
		Use:   "list",
		Short: "List registered jobs.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return h.List(cmd.Context(), opts, lreq, cmd.OutOrStdout())
		},
	}
	lf := list.Flags()
	lf.StringSliceVarP(&lreq.States, "state", "s", nil, "Only list jobs in these states")
	lf.StringVarP(&lreq.NamePrefix, "name", "n", "", "Only list jobs whose name has this prefix")
	lf.BoolVarP(&lreq.Refresh, "refresh", "r", false, "Refresh active jobs before listing")

	status := &cobra.Command{
		Use:   "status JOB_ID...",
		Short: "Refresh and print the status of one or more jobs.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return h.Status(cmd.Context(), opts, args, cmd.OutOrStdout())
		},
	}

	cancel := &cobra.Command{
		Use:   "cancel JOB_ID...",
		Short: "Cancel one or more jobs.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return h.Cancel(cmd.Context(), opts, args, cmd.OutOrStdout())
		},
	}

	wait := &cobra.Command{
		Use:   "wait JOB_ID...",
		Short: "Wait for one or more jobs to finish.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return h.Wait(cmd.Context(), opts, args, cmd.OutOrStdout())
		},
	}

	preq := &PurgeRequest{}
	purge := &cobra.Command{
		Use:   "purge",
		Short: "Remove finished jobs from the registry.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return h.Purge(cmd.Context(), opts, preq, cmd.OutOrStdout())
		},
	}
	pf := purge.Flags()
	pf.StringSliceVarP(&preq.States, "state", "s", nil, "Only purge jobs in these states")
	pf.StringVarP(&preq.NamePrefix, "name", "n", "", "Only purge jobs whose name has this prefix")
	pf.BoolVar(&preq.All, "all", false, "Also purge jobs which are not finished")

	return []*cobra.Command{submit, list, status, cancel, wait, purge}, h
}
