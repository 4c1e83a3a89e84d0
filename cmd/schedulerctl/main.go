// Command schedulerctl is an admin CLI that drives schedulerd's HTTP
// surface (SPEC_FULL §1.4, §1.6): pause, resume, trigger-now, schedule,
// list, interrupt. Command composition follows teranos-QNTX's
// cobra.Command tree style (cmd/qntx/commands), talking over plain
// net/http rather than reimplementing any façade logic itself.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var baseURL string

var rootCmd = &cobra.Command{
	Use:   "schedulerctl",
	Short: "Admin CLI for a running quartznet scheduler node",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&baseURL, "addr", "http://localhost:8090", "base URL of the schedulerd admin HTTP surface")
	rootCmd.AddCommand(scheduleCmd, listCmd, pauseCmd, resumeCmd, triggerNowCmd, interruptCmd)
}

var scheduleCmd = &cobra.Command{
	Use:   "schedule <job-group> <job-name> <job-type> <trigger-group> <trigger-name> <cron-expr>",
	Short: "Schedule a cron-triggered job",
	Args:  cobra.ExactArgs(6),
	RunE: func(cmd *cobra.Command, args []string) error {
		body := map[string]any{
			"jobGroup":     args[0],
			"jobName":      args[1],
			"jobType":      args[2],
			"triggerGroup": args[3],
			"triggerName":  args[4],
			"schedule": map[string]any{
				"kind":     "cron",
				"cronExpr": args[5],
			},
		}
		return postJSON("/v1/jobs", body)
	},
}

var listCmd = &cobra.Command{
	Use:   "list [group]",
	Short: "List job keys, optionally filtered by group",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "/v1/jobs"
		if len(args) == 1 {
			path += "?group=" + args[0]
		}
		return getJSON(path)
	},
}

var pauseCmd = &cobra.Command{
	Use:   "pause <group> <name>",
	Short: "Pause a single trigger",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return postJSON(fmt.Sprintf("/v1/triggers/%s/%s/pause", args[0], args[1]), nil)
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume <group> <name>",
	Short: "Resume a single trigger",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return postJSON(fmt.Sprintf("/v1/triggers/%s/%s/resume", args[0], args[1]), nil)
	},
}

var triggerNowCmd = &cobra.Command{
	Use:   "trigger-now <job-group> <job-name>",
	Short: "Fire a job immediately with a synthetic one-shot trigger",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return postJSON(fmt.Sprintf("/v1/jobs/%s/%s/trigger", args[0], args[1]), nil)
	},
}

var interruptCmd = &cobra.Command{
	Use:   "interrupt <job-group> <job-name>",
	Short: "Flip the cancellation flag on every executing instance of a job",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return postJSON(fmt.Sprintf("/v1/jobs/%s/%s/interrupt", args[0], args[1]), nil)
	},
}

var httpClient = &http.Client{Timeout: 10 * time.Second}

func postJSON(path string, body any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(b)
	}
	resp, err := httpClient.Post(baseURL+path, "application/json", reader)
	if err != nil {
		return err
	}
	return printResponse(resp)
}

func getJSON(path string) error {
	resp, err := httpClient.Get(baseURL + path)
	if err != nil {
		return err
	}
	return printResponse(resp)
}

func printResponse(resp *http.Response) error {
	defer resp.Body.Close()
	var pretty bytes.Buffer
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		pretty.Write(raw)
	}
	fmt.Println(pretty.String())
	if resp.StatusCode >= 400 {
		return fmt.Errorf("schedulerd responded %s", resp.Status)
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
