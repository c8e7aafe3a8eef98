package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

var (
	serverURL    string
	apiKey       string
	timeout      time.Duration
	execLanguage string
	fileLanguage string
	listLanguage string
	async        bool
	wait         bool
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		var status exitStatus
		if !errors.As(err, &status) {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		os.Exit(exitCode(err))
	}
}

// exitStatus carries the sandboxed program's exit code out of a command.
type exitStatus int

func (e exitStatus) Error() string { return "program exited with status " + strconv.Itoa(int(e)) }

func exitCode(err error) int {
	var status exitStatus
	if errors.As(err, &status) {
		return int(status)
	}
	return 1
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "coderunner",
		Short:         "CLI client for the coderunner execution service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&serverURL, "server", envOr("CODERUNNER_URL", "http://localhost:8080"), "Server URL")
	root.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("CODERUNNER_API_KEY"), "API key")

	execCmd := &cobra.Command{
		Use:   "exec [code]",
		Short: "Execute code (argument or stdin) and print the result",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runExec,
	}
	execCmd.Flags().DurationVar(&timeout, "timeout", 0, "Execution timeout (0 uses the language default)")
	execCmd.Flags().StringVarP(&execLanguage, "language", "l", "python", "Language")
	execCmd.Flags().BoolVar(&async, "async", false, "Queue the execution and print its id")
	root.AddCommand(execCmd)

	execFileCmd := &cobra.Command{
		Use:   "exec-file [file]",
		Short: "Execute code from a file",
		Args:  cobra.ExactArgs(1),
		RunE:  runExecFile,
	}
	execFileCmd.Flags().DurationVar(&timeout, "timeout", 0, "Execution timeout (0 uses the language default)")
	execFileCmd.Flags().StringVarP(&fileLanguage, "language", "l", "", "Language (detected from the file extension)")
	execFileCmd.Flags().BoolVar(&async, "async", false, "Queue the execution and print its id")
	root.AddCommand(execFileCmd)

	statusCmd := &cobra.Command{
		Use:   "status [id]",
		Short: "Show an execution record",
		Args:  cobra.ExactArgs(1),
		RunE:  runStatus,
	}
	statusCmd.Flags().BoolVarP(&wait, "wait", "w", false, "Poll until the execution is terminal")
	root.AddCommand(statusCmd)

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List recent executions",
		RunE:  runList,
	}
	listCmd.Flags().StringVarP(&listLanguage, "language", "l", "", "Filter by language")
	listCmd.Flags().String("status", "", "Filter by status")
	listCmd.Flags().Int("limit", 20, "Maximum number of records")
	root.AddCommand(listCmd)

	root.AddCommand(&cobra.Command{
		Use:   "languages",
		Short: "List supported languages",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return printCall(cmd, http.MethodGet, "/languages", nil)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "health",
		Short: "Check server health",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return printCall(cmd, http.MethodGet, "/health", nil)
		},
	})

	return root
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func apiClient() *client {
	// the sync path can block for the longest sandbox timeout
	return newClient(strings.TrimRight(serverURL, "/"), apiKey, 5*time.Minute)
}

func runExec(cmd *cobra.Command, args []string) error {
	var code string
	if len(args) > 0 {
		code = args[0]
	} else {
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return fmt.Errorf("reading stdin: %w", err)
		}
		code = string(data)
	}
	return executeCode(cmd, code, execLanguage)
}

func runExecFile(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("reading file: %w", err)
	}

	lang := fileLanguage
	if lang == "" {
		lang, err = detectLanguage(cmd.Context(), apiClient(), args[0])
		if err != nil {
			return err
		}
	}
	return executeCode(cmd, string(data), lang)
}

// detectLanguage matches the file extension against the server's languages.
func detectLanguage(ctx context.Context, c *client, path string) (string, error) {
	ext := filepath.Ext(path)
	resp, err := c.do(ctx, http.MethodGet, "/languages", nil, nil)
	if err != nil {
		return "", err
	}
	items, _ := resp["items"].([]any)
	for _, item := range items {
		lang, _ := item.(map[string]any)
		if lang["extension"] == ext {
			if name, ok := lang["name"].(string); ok {
				return name, nil
			}
		}
	}
	return "", fmt.Errorf("cannot detect language for extension %q, use --language", ext)
}

func executeCode(cmd *cobra.Command, code, lang string) error {
	path := "/execute"
	if async {
		path = "/executions"
	}
	result, err := apiClient().execute(cmd.Context(), path, lang, code, timeout.Milliseconds())
	if err != nil {
		return err
	}
	if err := printJSON(cmd.OutOrStdout(), result); err != nil {
		return err
	}

	if exit, ok := result["exit_code"].(float64); ok && exit != 0 {
		return exitStatus(int(exit))
	}
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	c := apiClient()
	for {
		rec, err := c.do(cmd.Context(), http.MethodGet, "/executions/"+url.PathEscape(args[0]), nil, nil)
		if err != nil {
			return err
		}
		status, _ := rec["status"].(string)
		if !wait || (status != "queued" && status != "running") {
			return printJSON(cmd.OutOrStdout(), rec)
		}
		select {
		case <-cmd.Context().Done():
			return cmd.Context().Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
}

func runList(cmd *cobra.Command, _ []string) error {
	q := url.Values{}
	if listLanguage != "" {
		q.Set("language", listLanguage)
	}
	if s, _ := cmd.Flags().GetString("status"); s != "" {
		q.Set("status", s)
	}
	if n, _ := cmd.Flags().GetInt("limit"); n > 0 {
		q.Set("limit", strconv.Itoa(n))
	}
	return printCall(cmd, http.MethodGet, "/executions", q)
}

func printCall(cmd *cobra.Command, method, path string, q url.Values) error {
	resp, err := apiClient().do(cmd.Context(), method, path, q, nil)
	if err != nil {
		return err
	}
	if items, ok := resp["items"]; ok && len(resp) == 1 {
		return printJSON(cmd.OutOrStdout(), items)
	}
	return printJSON(cmd.OutOrStdout(), resp)
}

func printJSON(w io.Writer, v any) error {
	formatted, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(formatted))
	return err
}
