package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"studio/internal/api"
	"studio/internal/job"
	"studio/internal/stage"
)

const pollInterval = 2 * time.Second

// requestFlags binds the stage request fields shared by submit and advance.
type requestFlags struct {
	req         stage.Request
	voiceSample string
	image       string
}

func (f *requestFlags) bind(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.StringVar(&f.req.Phrase, "phrase", "", "Inspiration phrase (music)")
	flags.StringVar(&f.req.Genre, "genre", "", "Genre (music)")
	flags.StringVar(&f.req.Emotion, "emotion", "", "Emotion (music)")
	flags.StringVar(&f.voiceSample, "voice-sample", "", "Path to a voice sample recording (music)")
	flags.StringVar(&f.req.VisualDescription, "description", "", "Visual description of the artist (avatar)")
	flags.StringVar(&f.req.Style, "style", "", "Avatar style: realistic, cartoon, anime or futuristic")
	flags.StringVar(&f.image, "image", "", "Path to a reference image (avatar)")
	flags.StringVar(&f.req.ArtistName, "artist", "", "Artist name (publication)")
}

// build loads the file inputs and returns the request.
func (f *requestFlags) build() (*stage.Request, error) {
	req := f.req
	var err error
	if f.voiceSample != "" {
		if req.VoiceSample, err = os.ReadFile(f.voiceSample); err != nil {
			return nil, fmt.Errorf("read voice sample: %w", err)
		}
	}
	if f.image != "" {
		if req.Image, err = os.ReadFile(f.image); err != nil {
			return nil, fmt.Errorf("read image: %w", err)
		}
	}
	return &req, nil
}

func (f *requestFlags) empty() bool {
	r := f.req
	return r.Phrase == "" && r.Genre == "" && r.Emotion == "" && r.VisualDescription == "" &&
		r.Style == "" && r.ArtistName == "" && f.voiceSample == "" && f.image == ""
}

func newSubmitCommand(ctx *commandContext) *cobra.Command {
	var fields requestFlags
	var refs []string
	var callbackURL, callbackKey string
	var callbackEvents []string
	var wait bool

	cmd := &cobra.Command{
		Use:   "submit <stage>",
		Short: "Submit a music, avatar, film or publication job",
		Example: `  studioctl submit music --phrase "chasing the sunrise" --genre pop
  studioctl submit avatar --ref music=<job-id> --style anime --wait`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := stage.Parse(args[0])
			if err != nil {
				return err
			}
			req, err := fields.build()
			if err != nil {
				return err
			}
			references, err := parseReferences(refs)
			if err != nil {
				return err
			}
			submit := &job.SubmitRequest{Request: *req, References: references}
			if callbackURL != "" {
				submit.Callback = &job.Callback{URL: callbackURL, Events: callbackEvents, Key: callbackKey}
			}

			ack, err := ctx.client().Submit(cmd.Context(), st, submit)
			if err != nil {
				return err
			}
			return ctx.finishSubmit(cmd, ack, wait)
		},
	}

	fields.bind(cmd)
	cmd.Flags().StringArrayVar(&refs, "ref", nil, "Upstream job reference as stage=jobId (repeatable)")
	cmd.Flags().StringVar(&callbackURL, "callback-url", "", "URL that receives lifecycle events")
	cmd.Flags().StringSliceVar(&callbackEvents, "callback-event", nil, "Lifecycle event types to send (default all)")
	cmd.Flags().StringVar(&callbackKey, "callback-key", "", "HMAC key used to sign callbacks")
	cmd.Flags().BoolVar(&wait, "wait", false, "Wait for the job to finish")
	return cmd
}

func newAdvanceCommand(ctx *commandContext) *cobra.Command {
	var fields requestFlags
	var wait bool

	cmd := &cobra.Command{
		Use:   "advance <job-id>",
		Short: "Start the next stage from a completed job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var overrides *stage.Request
			if !fields.empty() {
				req, err := fields.build()
				if err != nil {
					return err
				}
				overrides = req
			}
			ack, err := ctx.client().Advance(cmd.Context(), args[0], overrides)
			if err != nil {
				return err
			}
			return ctx.finishSubmit(cmd, ack, wait)
		},
	}

	fields.bind(cmd)
	cmd.Flags().BoolVar(&wait, "wait", false, "Wait for the new job to finish")
	return cmd
}

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show the status and artifacts of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := ctx.client().Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return ctx.printStatus(cmd, st)
		},
	}
}

func newWaitCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "wait <job-id>",
		Short: "Wait until a job completes or fails",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.waitAndPrint(cmd, args[0])
		},
	}
}

func newListCommand(ctx *commandContext) *cobra.Command {
	var stageName, status string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			var st stage.Type
			if stageName != "" {
				parsed, err := stage.Parse(stageName)
				if err != nil {
					return err
				}
				st = parsed
			}
			list, err := ctx.client().List(cmd.Context(), st, status)
			if err != nil {
				return err
			}
			if ctx.json {
				return writeJSON(cmd, list)
			}
			if list.Total == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No jobs")
				return nil
			}
			writeTable(cmd.OutOrStdout(),
				[]string{"Job", "Stage", "Status", "Created", "Artifacts"},
				buildListRows(list.Jobs),
				[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignRight},
			)
			return nil
		},
	}

	cmd.Flags().StringVar(&stageName, "stage", "", "Only jobs of this stage")
	cmd.Flags().StringVar(&status, "status", "", "Only jobs in this status: pending, running, completed or failed")
	return cmd
}

func newGetCommand(ctx *commandContext) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "get <job-id> <artifact>",
		Short: "Download an artifact",
		Long:  "Download an artifact. Without -o the file is saved under the name the service suggests; -o - writes to stdout.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			art, err := ctx.client().Artifact(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			defer art.Body.Close()

			if output == "-" {
				_, err := io.Copy(cmd.OutOrStdout(), art.Body)
				return err
			}
			path := output
			if path == "" {
				path = filepath.Base(art.FileName)
				if path == "" || path == "." || path == "/" {
					path = args[1]
				}
			}
			n, err := writeFile(path, art.Body)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Saved %s (%d bytes, %s)\n", path, n, art.MediaType)
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "Output file path, or - for stdout")
	return cmd
}

func (c *commandContext) finishSubmit(cmd *cobra.Command, ack *api.SubmitResponse, wait bool) error {
	if wait {
		return c.waitAndPrint(cmd, ack.JobID)
	}
	if c.json {
		return writeJSON(cmd, ack)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Submitted %s job %s\n", ack.Stage, ack.JobID)
	return nil
}

func (c *commandContext) waitAndPrint(cmd *cobra.Command, jobID string) error {
	waitCtx, cancel := context.WithTimeout(cmd.Context(), c.timeout)
	defer cancel()

	st, err := c.client().Wait(waitCtx, jobID, pollInterval)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("job %s still %s after %s", jobID, statusOf(st), c.timeout)
		}
		return err
	}
	if err := c.printStatus(cmd, st); err != nil {
		return err
	}
	if st.Status == job.StateFailed {
		return fmt.Errorf("job %s failed", jobID)
	}
	return nil
}

func statusOf(st *api.StatusResponse) string {
	if st == nil {
		return "unknown"
	}
	return st.Status
}

func (c *commandContext) printStatus(cmd *cobra.Command, st *api.StatusResponse) error {
	if c.json {
		return writeJSON(cmd, st)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Job:     %s\n", st.JobID)
	fmt.Fprintf(out, "Stage:   %s\n", st.Stage)
	fmt.Fprintf(out, "Status:  %s\n", st.Status)
	if refs := formatReferences(st.References); refs != "" {
		fmt.Fprintf(out, "Refs:    %s\n", refs)
	}
	if st.Failure != nil {
		fmt.Fprintf(out, "Failure: %s at %s: %s\n", st.Failure.Kind, st.Failure.Step, st.Failure.Message)
	}
	if len(st.Artifacts) == 0 {
		return nil
	}
	fmt.Fprintln(out)
	writeTable(out,
		[]string{"Artifact", "Type", "Size", "Note"},
		buildArtifactRows(st.Artifacts),
		[]columnAlignment{alignLeft, alignLeft, alignRight, alignLeft},
	)
	return nil
}

func parseReferences(values []string) (stage.References, error) {
	refs := stage.References{}
	for _, v := range values {
		name, id, ok := strings.Cut(v, "=")
		if !ok || strings.TrimSpace(id) == "" {
			return nil, fmt.Errorf("invalid reference %q (expected stage=jobId)", v)
		}
		st, err := stage.Parse(name)
		if err != nil {
			return nil, err
		}
		refs[st] = strings.TrimSpace(id)
	}
	return refs, nil
}

func writeFile(path string, r io.Reader) (int64, error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(f, r)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	return n, err
}
