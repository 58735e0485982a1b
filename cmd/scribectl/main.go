package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/airenas/scribe/internal/pkg/api"
	"github.com/airenas/scribe/internal/pkg/client"
	"github.com/airenas/scribe/internal/pkg/status"
	"github.com/spf13/cobra"
)

type rootOpts struct {
	submitURL string
	statusURL string
	resultURL string
	user      string
	timeout   time.Duration
}

func main() {
	ctx, cf := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cf()
	if err := newRootCmd(os.Stdout).ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(out io.Writer) *cobra.Command {
	o := &rootOpts{}
	res := &cobra.Command{
		Use:   "scribectl",
		Short: "Submits videos for transcription and tracks the jobs",
		Long: `Submits videos for transcription and tracks the jobs.
Service URLs default to SCRIBE_SUBMIT_URL, SCRIBE_STATUS_URL and SCRIBE_RESULT_URL,
the user to SCRIBE_USER.`,
		SilenceUsage: true,
	}
	res.PersistentFlags().StringVar(&o.submitURL, "submit-url", os.Getenv("SCRIBE_SUBMIT_URL"), "submit service URL")
	res.PersistentFlags().StringVar(&o.statusURL, "status-url", os.Getenv("SCRIBE_STATUS_URL"), "status service URL")
	res.PersistentFlags().StringVar(&o.resultURL, "result-url", os.Getenv("SCRIBE_RESULT_URL"), "result service URL")
	res.PersistentFlags().StringVarP(&o.user, "user", "u", os.Getenv("SCRIBE_USER"), "user ID")
	res.PersistentFlags().DurationVar(&o.timeout, "timeout", 30*time.Second, "single call timeout")

	res.AddCommand(submitCmd(o, out), statusCmd(o, out), waitCmd(o, out), cancelCmd(o, out), usageCmd(o, out),
		resultCmd(o, out))
	return res
}

func (o *rootOpts) client() (*client.Client, error) {
	return client.NewClient(client.Options{SubmitURL: o.submitURL, StatusURL: o.statusURL, ResultURL: o.resultURL,
		UserID: o.user, Timeout: o.timeout})
}

func submitCmd(o *rootOpts, out io.Writer) *cobra.Command {
	var duration int32
	var analysisID string
	var wait bool
	var interval time.Duration
	res := &cobra.Command{
		Use:   "submit <videoID>",
		Short: "Submit a video for transcription",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cl, err := o.client()
			if err != nil {
				return err
			}
			sr, err := cl.Submit(cmd.Context(), &api.SubmitRequest{VideoID: args[0], DurationSeconds: duration,
				AnalysisID: analysisID})
			if err != nil {
				if b, ok := client.IsInsufficientCredits(err); ok && b != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "insufficient credits: need %d, have %d (subscription %d, top-up %d)\n",
						b.Needed, b.TotalRemaining, b.SubscriptionRemaining, b.TopupRemaining)
				}
				return err
			}
			if !wait {
				return printJSON(out, sr)
			}
			st, err := cl.Wait(cmd.Context(), sr.JobID, interval, progress(cmd.ErrOrStderr()))
			if err != nil {
				return err
			}
			return printJSON(out, st)
		},
	}
	res.Flags().Int32VarP(&duration, "duration", "d", 0, "video duration in seconds")
	res.Flags().StringVar(&analysisID, "analysis", "", "analysis ID to link")
	res.Flags().BoolVarP(&wait, "wait", "w", false, "wait for the job to finish")
	res.Flags().DurationVar(&interval, "interval", 3*time.Second, "poll interval")
	_ = res.MarkFlagRequired("duration")
	return res
}

func statusCmd(o *rootOpts, out io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "status <jobID>",
		Short: "Show job status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cl, err := o.client()
			if err != nil {
				return err
			}
			st, err := cl.GetStatus(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(out, st)
		},
	}
}

func waitCmd(o *rootOpts, out io.Writer) *cobra.Command {
	var interval time.Duration
	var push bool
	res := &cobra.Command{
		Use:   "wait <jobID>",
		Short: "Wait for the job to finish",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cl, err := o.client()
			if err != nil {
				return err
			}
			if push {
				return waitPush(cmd.Context(), cl, args[0], cmd.ErrOrStderr(), out)
			}
			st, err := cl.Wait(cmd.Context(), args[0], interval, progress(cmd.ErrOrStderr()))
			if err != nil {
				return err
			}
			return printJSON(out, st)
		},
	}
	res.Flags().DurationVar(&interval, "interval", 3*time.Second, "poll interval")
	res.Flags().BoolVar(&push, "ws", false, "listen to websocket pushes instead of polling")
	return res
}

func waitPush(ctx context.Context, cl *client.Client, id string, log, out io.Writer) error {
	ch, closeF, err := cl.HookToStatus(ctx, id)
	if err != nil {
		return err
	}
	defer closeF()
	pf := progress(log)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case st, ok := <-ch:
			if !ok {
				return fmt.Errorf("status connection closed")
			}
			pf(&st)
			if status.From(st.Status).Terminal() {
				return printJSON(out, &st)
			}
		}
	}
}

func cancelCmd(o *rootOpts, out io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <jobID>",
		Short: "Cancel the job, reserved minutes are refunded",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cl, err := o.client()
			if err != nil {
				return err
			}
			res, err := cl.Cancel(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(out, res)
		},
	}
}

func usageCmd(o *rootOpts, out io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "usage",
		Short: "Show minutes balance of the current period",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cl, err := o.client()
			if err != nil {
				return err
			}
			res, err := cl.Usage(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(out, res)
		},
	}
}

func resultCmd(o *rootOpts, out io.Writer) *cobra.Command {
	var format, file string
	res := &cobra.Command{
		Use:   "result <jobID>",
		Short: "Download transcript",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cl, err := o.client()
			if err != nil {
				return err
			}
			fd, err := cl.GetResult(cmd.Context(), args[0], format)
			if err != nil {
				return err
			}
			if file == "" {
				_, err = out.Write(fd.Content)
				return err
			}
			return os.WriteFile(file, fd.Content, 0644)
		},
	}
	res.Flags().StringVarP(&format, "format", "f", "txt", "json, txt, srt or vtt")
	res.Flags().StringVarP(&file, "output", "o", "", "output file, stdout by default")
	return res
}

func progress(w io.Writer) func(*api.StatusResult) {
	return func(st *api.StatusResult) {
		line := fmt.Sprintf("%s %d%%", st.Status, st.Progress)
		if st.CurrentStage != "" {
			line += " " + st.CurrentStage
		}
		if st.TotalChunks != nil && st.CompletedChunks != nil {
			line += fmt.Sprintf(" chunks %d/%d", *st.CompletedChunks, *st.TotalChunks)
		}
		fmt.Fprintln(w, line)
	}
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
