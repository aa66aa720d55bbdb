package main

import (
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
)

// doRequest issues an HTTP request against the configured --server,
// returns an error carrying the status line and the raw (trimmed)
// response body when the status is 300 or above, and returns the raw
// response body otherwise. Client subcommands are thin wrappers around
// spec.md §6's submission API, exactly the way cmd/nova's CLI commands
// are thin wrappers around store.RedisStore.
func doRequest(method, path string, body io.Reader, contentType string) ([]byte, error) {
	req, err := http.NewRequest(method, strings.TrimRight(serverAddr, "/")+path, body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, strings.TrimSpace(string(out)))
	}
	return out, nil
}

func printJSON(data []byte) {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		fmt.Println(string(data))
		return
	}
	pretty, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Println(string(data))
		return
	}
	fmt.Println(string(pretty))
}

func submitCmd() *cobra.Command {
	var vmNames string
	var timeout int

	cmd := &cobra.Command{
		Use:   "submit <file>",
		Short: "Submit a sample for analysis (POST /analyze)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			f, err := os.Open(path)
			if err != nil {
				return fmt.Errorf("open sample: %w", err)
			}
			defer f.Close()

			var buf strings.Builder
			w := multipart.NewWriter(&buf)
			fw, err := w.CreateFormFile("file", filepath.Base(path))
			if err != nil {
				return err
			}
			if _, err := io.Copy(fw, f); err != nil {
				return err
			}
			if vmNames != "" {
				w.WriteField("vm_names", vmNames)
			}
			if timeout > 0 {
				w.WriteField("timeout", fmt.Sprintf("%d", timeout))
			}
			w.Close()

			out, err := doRequest(http.MethodPost, "/analyze", strings.NewReader(buf.String()), w.FormDataContentType())
			if err != nil {
				return err
			}
			printJSON(out)
			return nil
		},
	}

	cmd.Flags().StringVar(&vmNames, "vm-names", "", "Comma-separated VM names to target (default: auto-routed)")
	cmd.Flags().IntVar(&timeout, "timeout", 0, "Analysis timeout in seconds (default: server default)")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <task-id>",
		Short: "Get a task's status (GET /task/{id})",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := doRequest(http.MethodGet, "/task/"+url.PathEscape(args[0]), nil, "")
			if err != nil {
				return err
			}
			printJSON(out)
			return nil
		},
	}
}

func resultCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "result <task-id>",
		Short: "Get a completed task's full result (GET /result/{id})",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := doRequest(http.MethodGet, "/result/"+url.PathEscape(args[0]), nil, "")
			if err != nil {
				return err
			}
			printJSON(out)
			return nil
		},
	}
}

func listCmd() *cobra.Command {
	var status string
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks (GET /tasks)",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if status != "" {
				q.Set("status", status)
			}
			if limit > 0 {
				q.Set("limit", fmt.Sprintf("%d", limit))
			}
			path := "/tasks"
			if encoded := q.Encode(); encoded != "" {
				path += "?" + encoded
			}
			out, err := doRequest(http.MethodGet, path, nil, "")
			if err != nil {
				return err
			}
			printJSON(out)
			return nil
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "Filter by status (pending, running, completed, failed, cancelled)")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of tasks to return")
	return cmd
}

func cancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <task-id>",
		Short: "Cancel a running task (DELETE /task/{id})",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := doRequest(http.MethodDelete, "/task/"+url.PathEscape(args[0]), nil, "")
			if err != nil {
				return err
			}
			printJSON(out)
			return nil
		},
	}
}

func poolStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pool-status",
		Short: "Get the VM fleet's current status (GET /vm-pool/status)",
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := doRequest(http.MethodGet, "/vm-pool/status", nil, "")
			if err != nil {
				return err
			}
			printJSON(out)
			return nil
		},
	}
}

func queueStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "queue-status",
		Short: "Get the dispatcher's current queue load (GET /queue-status)",
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := doRequest(http.MethodGet, "/queue-status", nil, "")
			if err != nil {
				return err
			}
			printJSON(out)
			return nil
		},
	}
}
