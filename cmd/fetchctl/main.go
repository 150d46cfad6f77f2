// Command fetchctl is a cobra CLI client for fetchapi, modeled on
// cmd/siac's command tree (cobra.Command trees calling into a JSON HTTP
// API client, each Run wrapped by wrap(), which checks the argument count;
// handlers report errors through die() instead of dumping a stack trace).
package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"

	"github.com/spf13/cobra"
)

var apiAddr string

var rootCmd = &cobra.Command{
	Use:   "fetchctl",
	Short: "fetchctl is the command line client for fetchd",
	Long:  "fetchctl is the command line client for fetchd, the texture fetch core daemon.",
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Print the daemon's health summary",
	Long:  "Print the daemon's health summary: worker count, total queued and active HTTP requests, HTTP bytes.",
	Run:   wrap(healthcmd),
}

var statusCmd = &cobra.Command{
	Use:   "status [asset id]",
	Short: "Print an asset's fetch status",
	Long:  "Print the current state and priority of a single asset's FetchWorker.",
	Run:   wrap(statuscmd),
}

var priorityCmd = &cobra.Command{
	Use:   "priority [asset id] [priority]",
	Short: "Set an asset's fetch priority",
	Long:  "Set an asset's fetch priority, a float consumed by set_priority.",
	Run:   wrap(prioritycmd),
}

var cancelCmd = &cobra.Command{
	Use:   "cancel [asset id]",
	Short: "Cancel an in-flight asset fetch",
	Long:  "Cancel an in-flight asset fetch once any outstanding I/O drains.",
	Run:   wrap(cancelcmd),
}

func init() {
	rootCmd.PersistentFlags().StringVar(&apiAddr, "addr", "127.0.0.1:9980", "fetchapi address")
	rootCmd.AddCommand(healthCmd, statusCmd, priorityCmd, cancelCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		die(err)
	}
}

// wrap wraps a command function so cobra's Run signature is satisfied
// while keeping the handlers themselves free of *cobra.Command/[]string
// plumbing, matching daemoncmd.go's wrap(stopcmd)/wrap(versioncmd) usage.
func wrap(fn interface{}) func(*cobra.Command, []string) {
	return func(cmd *cobra.Command, args []string) {
		switch f := fn.(type) {
		case func():
			f()
		case func(string):
			if len(args) != 1 {
				die(fmt.Errorf("%s expects exactly one argument", cmd.Use))
			}
			f(args[0])
		case func(string, string):
			if len(args) != 2 {
				die(fmt.Errorf("%s expects exactly two arguments", cmd.Use))
			}
			f(args[0], args[1])
		default:
			die(fmt.Errorf("internal error: unsupported command handler for %s", cmd.Use))
		}
	}
}

// die prints err and exits non-zero, matching daemoncmd.go's terminal
// error reporting.
func die(err error) {
	fmt.Fprintln(os.Stderr, "fetchctl:", err)
	os.Exit(1)
}

func getJSON(path string, out interface{}) error {
	resp, err := http.Get((&url.URL{Scheme: "http", Host: apiAddr, Path: path}).String())
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		var apiErr struct {
			Message string `json:"message"`
		}
		json.NewDecoder(resp.Body).Decode(&apiErr)
		return fmt.Errorf("fetchd returned %d: %s", resp.StatusCode, apiErr.Message)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func postForm(path string, form url.Values) error {
	resp, err := http.PostForm((&url.URL{Scheme: "http", Host: apiAddr, Path: path}).String(), form)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		var apiErr struct {
			Message string `json:"message"`
		}
		json.NewDecoder(resp.Body).Decode(&apiErr)
		return fmt.Errorf("fetchd returned %d: %s", resp.StatusCode, apiErr.Message)
	}
	return nil
}

func healthcmd() {
	var health struct {
		WorkerCount    int    `json:"workercount"`
		TotalQueued    int64  `json:"totalqueued"`
		TotalActive    int64  `json:"totalactive"`
		TotalHTTPBytes uint64 `json:"totalhttpbytes"`
	}
	if err := getJSON("/healthz", &health); err != nil {
		die(err)
	}
	fmt.Printf("Workers:      %d\n", health.WorkerCount)
	fmt.Printf("Queued:       %d\n", health.TotalQueued)
	fmt.Printf("Active:       %d\n", health.TotalActive)
	fmt.Printf("HTTP bytes:   %d\n", health.TotalHTTPBytes)
}

func statuscmd(id string) {
	var asset struct {
		ID       string  `json:"id"`
		State    string  `json:"state"`
		Priority float32 `json:"priority"`
	}
	if err := getJSON("/assets/"+id, &asset); err != nil {
		die(err)
	}
	fmt.Printf("Asset:    %s\n", asset.ID)
	fmt.Printf("State:    %s\n", asset.State)
	fmt.Printf("Priority: %g\n", asset.Priority)
}

func prioritycmd(id, priority string) {
	if _, err := strconv.ParseFloat(priority, 32); err != nil {
		die(fmt.Errorf("invalid priority %q: %v", priority, err))
	}
	if err := postForm("/assets/"+id+"/priority", url.Values{"priority": {priority}}); err != nil {
		die(err)
	}
	fmt.Println("Priority updated.")
}

func cancelcmd(id string) {
	if err := postForm("/assets/"+id+"/cancel", nil); err != nil {
		die(err)
	}
	fmt.Println("Cancel requested.")
}
