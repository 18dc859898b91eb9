package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/raj/hacep/pkg/httpserver"
	"github.com/raj/hacep/pkg/tracing"
)

const requestTimeout = 35 * time.Second

// NewStatusCommand creates the command that prints a process's leadership view.
func NewStatusCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the leadership state of a process",
		Example: `  hacep status --server http://10.0.0.5:8080
  hacep status --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, span := otel.Tracer(tracing.TracerCLI).Start(commandContext(cmd), tracing.SpanCLIStatus)
			defer span.End()

			var st httpserver.Status
			if err := call(ctx, http.MethodGet, opts.Server+"/v1/leadership", &st); err != nil {
				span.SetStatus(codes.Error, err.Error())
				return err
			}
			span.SetAttributes(attribute.String("hacep.state", st.State))
			return printStatus(cmd.OutOrStdout(), opts.Format, st)
		},
	}
}

// NewSnapshotCommand creates the command that requests an on-demand
// snapshot. Replicas redirect the request to the leader.
func NewSnapshotCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "snapshot",
		Short: "Checkpoint the leader's engine state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, span := otel.Tracer(tracing.TracerCLI).Start(commandContext(cmd), tracing.SpanCLISnapshot)
			defer span.End()

			var res httpserver.SnapshotResult
			if err := call(ctx, http.MethodPost, opts.Server+"/v1/snapshot", &res); err != nil {
				span.SetStatus(codes.Error, err.Error())
				return err
			}
			span.SetAttributes(attribute.Int64("snapshot.epoch", int64(res.Epoch)))
			return printSnapshot(cmd.OutOrStdout(), opts.Format, res)
		},
	}
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func call(ctx context.Context, method, url string, out any) error {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s %s: %s: %s", method, url, resp.Status, strings.TrimSpace(string(body)))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func printStatus(w io.Writer, format string, st httpserver.Status) error {
	if format == "json" {
		return writeJSON(w, st)
	}
	fmt.Fprintf(w, "node:    %s\n", st.NodeID)
	fmt.Fprintf(w, "state:   %s\n", st.State)
	leader := st.Leader
	if leader == "" {
		leader = "(unknown)"
	}
	fmt.Fprintf(w, "leader:  %s\n", leader)
	fmt.Fprintf(w, "tenure:  %d\n", st.Tenure)
	fmt.Fprintf(w, "session: %t\n", st.SessionRunning)
	if st.SessionError != "" {
		fmt.Fprintf(w, "halted:  %s\n", st.SessionError)
	}
	fmt.Fprintf(w, "output:  %t\n", st.OutputArmed)
	for _, po := range st.Offsets {
		fmt.Fprintf(w, "offset:  %s/%d %d\n", po.Topic, po.Partition, po.Offset)
	}
	return nil
}

func printSnapshot(w io.Writer, format string, res httpserver.SnapshotResult) error {
	if format == "json" {
		return writeJSON(w, res)
	}
	fmt.Fprintf(w, "snapshot epoch %d with %d facts\n", res.Epoch, res.Facts)
	for _, po := range res.Offsets {
		fmt.Fprintf(w, "  %s/%d resumes at %d\n", po.Topic, po.Partition, po.Offset)
	}
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
