package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/c360studio/semwatch/app"
	"github.com/c360studio/semwatch/config"
	"github.com/c360studio/semwatch/control"
	"github.com/c360studio/semwatch/state"
)

// clientTimeout bounds each request to a running server.
const clientTimeout = 10 * time.Second

func statusCmd(flags *globalFlags, stdout io.Writer) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the state of a running server",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient(serverAddr(addr, flags))
			return printStatus(cmd.Context(), c, stdout, time.Now())
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Server address (default http://localhost:<port>)")
	return cmd
}

func runCmd(flags *globalFlags, stdout io.Writer) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Ask a running server to analyze now",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient(serverAddr(addr, flags))
			if err := c.triggerRun(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(stdout, "Run requested")
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Server address (default http://localhost:<port>)")
	return cmd
}

// serverAddr picks --addr, or the configured port on localhost.
func serverAddr(addr string, flags *globalFlags) string {
	if addr != "" {
		if !strings.Contains(addr, "://") {
			addr = "http://" + addr
		}
		return strings.TrimSuffix(addr, "/")
	}
	port := flags.port
	if port == 0 {
		cfg, err := config.NewLoader(slog.New(slog.NewTextHandler(io.Discard, nil))).Load(flags.configPath)
		if err != nil {
			cfg = config.DefaultConfig()
		}
		port = cfg.Server.Port
	}
	return fmt.Sprintf("http://localhost:%d", port)
}

// client talks to a running semwatch server.
type client struct {
	base string
	http *http.Client
}

func newClient(base string) *client {
	return &client{base: base, http: &http.Client{Timeout: clientTimeout}}
}

func (c *client) getJSON(ctx context.Context, path string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("contact server at %s: %w", c.base, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: %s", path, resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func (c *client) triggerRun(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/control/run", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("contact server at %s: %w", c.base, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusAccepted {
		return nil
	}
	var body control.Response
	if err := json.NewDecoder(resp.Body).Decode(&body); err == nil && body.Error != "" {
		return fmt.Errorf("run rejected: %s", body.Error)
	}
	return fmt.Errorf("run rejected: %s", resp.Status)
}

func printStatus(ctx context.Context, c *client, w io.Writer, now time.Time) error {
	if ctx == nil {
		ctx = context.Background()
	}

	var info app.Info
	if err := c.getJSON(ctx, "/info", &info); err != nil {
		return err
	}
	var st state.DashboardState
	if err := c.getJSON(ctx, "/state", &st); err != nil {
		return err
	}

	fmt.Fprintf(w, "Server:       %s (version %s, up since %s)\n", c.base, info.Version, humanize.RelTime(info.StartedAt, now, "ago", "from now"))
	fmt.Fprintf(w, "Source root:  %s\n", info.SourceRoot)
	fmt.Fprintf(w, "State:        %s (updated %s)\n", st.RunState, humanize.RelTime(st.LastUpdatedAt, now, "ago", "from now"))
	if st.RunState == state.Running && st.RunStartedAt != nil {
		fmt.Fprintf(w, "Running for:  %s\n", strings.TrimSpace(humanize.RelTime(*st.RunStartedAt, now, "", "")))
	}
	if st.LastError != "" {
		fmt.Fprintf(w, "Last error:   %s\n", st.LastError)
	}
	if st.LastReport == nil {
		fmt.Fprintln(w, "Report:       none yet")
		return nil
	}
	fmt.Fprintf(w, "Report:       %s, %s\n",
		plural(len(st.LastReport.Messages), "message"),
		plural(len(st.LastReport.UnusedDependencies), "unused dependency"))
	return nil
}

func plural(n int, noun string) string {
	if n == 1 {
		return "1 " + noun
	}
	if strings.HasSuffix(noun, "y") {
		return humanize.Comma(int64(n)) + " " + strings.TrimSuffix(noun, "y") + "ies"
	}
	return humanize.Comma(int64(n)) + " " + noun + "s"
}
