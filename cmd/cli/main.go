package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"safe-code-runner/internal/config"
	"safe-code-runner/internal/sanitizer"
)

var (
	serverURL  string
	apiKey     string
	userID     string
	configPath string
	offline    bool
)

// exitError carries a process exit status out of RunE.
type exitError struct{ code int }

func (e exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

func main() {
	root := &cobra.Command{
		Use:           "coderunner",
		Short:         "CLI client for safe-code-runner",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&serverURL, "server", envOr("CODERUNNER_URL", "http://localhost:8080"), "Server URL")
	root.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("CODERUNNER_API_KEY"), "API key")
	root.PersistentFlags().StringVar(&userID, "user", "", "Learner identity sent as X-User-ID (used only when the server trusts that header)")

	root.AddCommand(&cobra.Command{
		Use:   "exec [code]",
		Short: "Run Python code (reads stdin when no argument is given)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			code, err := codeFromArgs(args)
			if err != nil {
				return err
			}
			return post("/v1/execute", map[string]string{"code": code})
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "exec-file [file]",
		Short: "Run a Python file",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			if ext := filepath.Ext(args[0]); ext != ".py" {
				return fmt.Errorf("only .py files are supported, got %q", ext)
			}
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("reading file: %w", err)
			}
			return post("/v1/execute", map[string]string{"code": string(data)})
		},
	})

	validateCmd := &cobra.Command{
		Use:   "validate [file]",
		Short: "Check code against the sanitizer rules without running it",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runValidate,
	}
	validateCmd.Flags().BoolVar(&offline, "offline", false, "Validate locally instead of calling the server")
	validateCmd.Flags().StringVar(&configPath, "config", "", "Config file whose sanitizer section applies offline")
	root.AddCommand(validateCmd)

	root.AddCommand(&cobra.Command{
		Use:   "validate-text [text]",
		Short: "Check a free-text answer for injection patterns",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			text, err := codeFromArgs(args)
			if err != nil {
				return err
			}
			return post("/v1/text/validate", map[string]string{"text": text})
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "health",
		Short: "Check server health",
		RunE: func(_ *cobra.Command, _ []string) error {
			return get("/health")
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show rate limiter and violation tracker state",
		RunE: func(_ *cobra.Command, _ []string) error {
			return get("/v1/abuse/stats")
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "standing [identity]",
		Short: "Show violations and block status for an identity (e.g. user:42 or ip:10.0.0.5)",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return get("/v1/abuse/identities/" + url.PathEscape(args[0]))
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List recent audited executions",
		RunE: func(_ *cobra.Command, _ []string) error {
			return get("/v1/executions")
		},
	})

	if err := root.Execute(); err != nil {
		if e, ok := err.(exitError); ok {
			os.Exit(e.code)
		}
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func runValidate(_ *cobra.Command, args []string) error {
	var code string
	if len(args) > 0 {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("reading file: %w", err)
		}
		code = string(data)
	} else {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("reading stdin: %w", err)
		}
		code = string(data)
	}

	if !offline {
		return post("/v1/validate", map[string]string{"code": code})
	}

	cfg := config.DefaultConfig()
	if configPath != "" {
		var err error
		if cfg, err = config.Load(configPath); err != nil {
			return err
		}
	}
	out := sanitizer.New(sanitizer.PolicyFromConfig(cfg.Sanitizer)).Validate(code)
	printJSON(out)
	if !out.Safe {
		return exitError{code: 1}
	}
	return nil
}

func codeFromArgs(args []string) (string, error) {
	if len(args) > 0 {
		return args[0], nil
	}
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return "", fmt.Errorf("reading stdin: %w", err)
	}
	return string(data), nil
}

func post(path string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, serverURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return send(req, 70*time.Second)
}

func get(path string) error {
	req, err := http.NewRequest(http.MethodGet, serverURL+path, nil)
	if err != nil {
		return err
	}
	return send(req, 10*time.Second)
}

// send prints the JSON response and maps a non-2xx status to exit code 1.
func send(req *http.Request, timeout time.Duration) error {
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}

	client := &http.Client{Timeout: timeout}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	var result any
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("decoding response (status %d): %w", resp.StatusCode, err)
	}
	printJSON(result)

	if resp.StatusCode >= 300 {
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			fmt.Fprintf(os.Stderr, "retry after %ss\n", ra)
		}
		return exitError{code: 1}
	}
	return nil
}

func printJSON(v any) {
	formatted, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(formatted))
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
