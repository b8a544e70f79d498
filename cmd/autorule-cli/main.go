package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/aegis-decision-engine/autorule/internal/storage/postgres"
)

var (
	serverURL   string
	databaseURL string
	httpClient  = &http.Client{Timeout: 3 * time.Minute}
	rootCmd     = &cobra.Command{
		Use:   "autorule-cli",
		Short: "Autorule command line interface",
		Long:  `CLI tool for managing conditional rules and driving the autorule engine`,
		// errors are printed once by main
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", "http://localhost:8080", "autorule server URL")

	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(tickCmd)
	rootCmd.AddCommand(refreshOraclesCmd)
	rootCmd.AddCommand(evaluateOwnerCmd)
	rootCmd.AddCommand(runOwnerCmd)
	rootCmd.AddCommand(executeCmd)

	rulesCreateCmd.Flags().StringP("file", "f", "", "JSON rule document (- for stdin)")
	_ = rulesCreateCmd.MarkFlagRequired("file")
	rulesExecutionsCmd.Flags().IntP("limit", "l", 50, "maximum number of records")
	rulesCmd.AddCommand(rulesCreateCmd, rulesGetCmd, rulesDeployCmd, rulesPauseCmd, rulesDisableCmd, rulesExecutionsCmd)
	rootCmd.AddCommand(rulesCmd)

	migrateCmd.PersistentFlags().StringVarP(&databaseURL, "database", "d", "", "PostgreSQL URL (defaults to DATABASE_URL)")
	migrateCmd.AddCommand(migrateUpCmd, migrateDownCmd, migrateVersionCmd)
	rootCmd.AddCommand(migrateCmd)
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check server health",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return getJSON(cmd.OutOrStdout(), "/health")
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show engine status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return getJSON(cmd.OutOrStdout(), "/v1/status")
	},
}

var tickCmd = &cobra.Command{
	Use:   "tick",
	Short: "Evaluate and execute every deployed rule now",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return postJSON(cmd.OutOrStdout(), "/v1/rules/evaluate", nil)
	},
}

var refreshOraclesCmd = &cobra.Command{
	Use:   "refresh-oracles",
	Short: "Refresh every oracle feed",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return postJSON(cmd.OutOrStdout(), "/v1/oracles/refresh", nil)
	},
}

var evaluateOwnerCmd = &cobra.Command{
	Use:   "evaluate-owner <owner-id>",
	Short: "Preview which of an owner's rules would fire",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getJSON(cmd.OutOrStdout(), "/v1/owners/"+url.PathEscape(args[0])+"/rules/evaluation")
	},
}

var runOwnerCmd = &cobra.Command{
	Use:   "run-owner <owner-id>",
	Short: "Evaluate and execute an owner's deployed rules",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return postJSON(cmd.OutOrStdout(), "/v1/owners/"+url.PathEscape(args[0])+"/rules/run", nil)
	},
}

var executeCmd = &cobra.Command{
	Use:   "execute <rule-id>",
	Short: "Evaluate one rule and execute it if its conditions hold",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return postJSON(cmd.OutOrStdout(), rulePath(args[0], "/execute"), nil)
	},
}

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Manage rules",
}

var rulesCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a draft rule from a JSON document",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("file")

		var (
			doc []byte
			err error
		)
		if path == "-" {
			doc, err = io.ReadAll(cmd.InOrStdin())
		} else {
			doc, err = os.ReadFile(path)
		}
		if err != nil {
			return fmt.Errorf("failed to read rule document: %w", err)
		}
		if !json.Valid(doc) {
			return fmt.Errorf("%s is not valid JSON", path)
		}

		return postJSON(cmd.OutOrStdout(), "/v1/rules", json.RawMessage(doc))
	},
}

var rulesGetCmd = &cobra.Command{
	Use:   "get <rule-id>",
	Short: "Show a rule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getJSON(cmd.OutOrStdout(), rulePath(args[0], ""))
	},
}

var rulesDeployCmd = transitionCmd("deploy", "Deploy a draft or paused rule")
var rulesPauseCmd = transitionCmd("pause", "Pause a deployed rule")
var rulesDisableCmd = transitionCmd("disable", "Disable a rule permanently")

func transitionCmd(action, short string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " <rule-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return postJSON(cmd.OutOrStdout(), rulePath(args[0], "/"+action), nil)
		},
	}
}

var rulesExecutionsCmd = &cobra.Command{
	Use:   "executions <rule-id>",
	Short: "List a rule's execution records, newest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		return getJSON(cmd.OutOrStdout(), rulePath(args[0], "/executions")+"?limit="+strconv.Itoa(limit))
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply or roll back database migrations",
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply all pending migrations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withMigrator(func(m *postgres.Migrator) error {
			if err := m.Up(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		})
	},
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back all migrations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withMigrator(func(m *postgres.Migrator) error {
			if err := m.Down(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations rolled back")
			return nil
		})
	},
}

var migrateVersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show the current schema version",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withMigrator(func(m *postgres.Migrator) error {
			version, dirty, err := m.Version()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "version %d (dirty: %t)\n", version, dirty)
			return nil
		})
	},
}

func withMigrator(fn func(*postgres.Migrator) error) error {
	dsn := databaseURL
	if dsn == "" {
		dsn = os.Getenv("DATABASE_URL")
	}
	if dsn == "" {
		return fmt.Errorf("no database URL: pass --database or set DATABASE_URL")
	}

	m, err := postgres.NewMigrator(dsn, nil)
	if err != nil {
		return err
	}
	defer m.Close()

	return fn(m)
}

func rulePath(ruleID, suffix string) string {
	return "/v1/rules/" + url.PathEscape(ruleID) + suffix
}

func postJSON(out io.Writer, endpoint string, data interface{}) error {
	var body io.Reader
	if data != nil {
		jsonData, err := json.Marshal(data)
		if err != nil {
			return err
		}
		body = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequest(http.MethodPost, serverURL+endpoint, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return do(out, req)
}

func getJSON(out io.Writer, endpoint string) error {
	req, err := http.NewRequest(http.MethodGet, serverURL+endpoint, nil)
	if err != nil {
		return err
	}
	return do(out, req)
}

// do prints the response body and fails on a non-2xx status
func do(out io.Writer, req *http.Request) error {
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	var prettyJSON bytes.Buffer
	if err := json.Indent(&prettyJSON, body, "", "  "); err == nil {
		fmt.Fprintln(out, prettyJSON.String())
	} else {
		fmt.Fprintln(out, string(body))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%s %s: %s", req.Method, req.URL.Path, resp.Status)
	}
	return nil
}

func main() {
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
