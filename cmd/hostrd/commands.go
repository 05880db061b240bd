package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kalambet/hostrd/internal/api"
	"github.com/kalambet/hostrd/internal/config"
	"github.com/kalambet/hostrd/internal/jobs"
	"github.com/kalambet/hostrd/internal/knowledge"
	"github.com/kalambet/hostrd/internal/scheduler"
)

func cmdContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// --- jobs ---

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List, inspect and run background jobs",
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered jobs with their schedule and last run",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		infos, err := fetchJobs(cmdContext(cmd), client)
		if err != nil {
			return err
		}
		if len(infos) == 0 {
			fmt.Println("No jobs registered.")
			return nil
		}
		for _, info := range infos {
			fmt.Println(formatInfo(info))
		}
		return nil
	},
}

var jobsStatusCmd = &cobra.Command{
	Use:   "status <name>",
	Short: "Show the last run of a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmdContext(cmd), "/jobs/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		var info scheduler.Info
		if err := decodeJSON(resp, &info); err != nil {
			return err
		}
		fmt.Println(formatInfo(info))
		return nil
	},
}

var jobsRunCmd = &cobra.Command{
	Use:   "run <name>",
	Short: "Run a job now and wait for it to finish",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		run, err := runJob(cmdContext(cmd), client, args[0])
		if err != nil {
			return err
		}
		fmt.Println(formatRun(run))
		if run.Outcome == jobs.OutcomeFatal {
			return fmt.Errorf("job %s failed", args[0])
		}
		return nil
	},
}

func init() {
	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsStatusCmd)
	jobsCmd.AddCommand(jobsRunCmd)
}

func fetchJobs(ctx context.Context, client *apiClient) ([]scheduler.Info, error) {
	resp, err := client.get(ctx, "/jobs")
	if err != nil {
		return nil, err
	}
	var infos []scheduler.Info
	if err := decodeJSON(resp, &infos); err != nil {
		return nil, err
	}
	return infos, nil
}

func runJob(ctx context.Context, client *apiClient, name string) (jobs.JobRun, error) {
	resp, err := client.post(ctx, "/jobs/"+url.PathEscape(name)+"/run", nil)
	if err != nil {
		return jobs.JobRun{}, err
	}
	var run jobs.JobRun
	if err := decodeJSON(resp, &run); err != nil {
		return jobs.JobRun{}, err
	}
	return run, nil
}

func formatInfo(info scheduler.Info) string {
	schedule := info.Schedule
	if schedule == "" {
		schedule = "manual"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s  [%s]", colorize(colorBold, info.Name), schedule)
	if info.Running {
		b.WriteString("  " + colorize(colorCyan, "running"))
	}
	if info.Next != nil {
		fmt.Fprintf(&b, "  next %s", info.Next.Local().Format("2006-01-02 15:04"))
	}
	if info.LastRun == nil {
		b.WriteString("\n    never run")
	} else {
		b.WriteString("\n    " + formatRun(*info.LastRun))
	}
	return b.String()
}

// --- classify ---

var classifyCmd = &cobra.Command{
	Use:   "classify <text>",
	Short: "Classify a guest message",
	Long: `Classify a guest message the way inbound messages are classified.

Examples:
  hostrd classify --tenant hotel-1 "the shower is leaking"
  hostrd classify --tenant hotel-1 --room 204 "there is a fire in the hallway"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tenant, _ := cmd.Flags().GetString("tenant")
		room, _ := cmd.Flags().GetString("room")
		if tenant == "" {
			return fmt.Errorf("--tenant is required")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmdContext(cmd), "/classify", api.ClassifyRequest{
			TenantID: tenant,
			Text:     strings.Join(args, " "),
			Room:     room,
		})
		if err != nil {
			return err
		}
		var result api.ClassifyResponse
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printStatus("Label", "%s", result.Label)
		printStatus("Confidence", "%.2f", result.Confidence)
		printStatus("Method", "%s", result.Method)
		if result.Ambiguous {
			printWarning("ambiguous, route to staff")
		}
		if result.Delivered > 0 {
			printSuccess("alerted %d staff connection(s)", result.Delivered)
		}
		return nil
	},
}

func init() {
	classifyCmd.Flags().String("tenant", "", "tenant (property) id")
	classifyCmd.Flags().String("room", "", "room number attached to staff alerts")
}

// --- kb ---

var kbCmd = &cobra.Command{
	Use:   "kb",
	Short: "Manage tenant knowledge bases",
}

var kbImportCmd = &cobra.Command{
	Use:   "import",
	Short: "Import a document into a tenant's knowledge base",
	Long: `Import a document into a tenant's knowledge base. Re-importing the
same document only rewrites the chunks whose text changed; the embeddings
job picks them up on its next run.

Examples:
  hostrd kb import --tenant hotel-1 --file ./house-rules.pdf
  hostrd kb import --tenant hotel-1 --url https://example.com/faq --name faq
  hostrd kb import --tenant hotel-1 --text "Breakfast is served 7-10" --name breakfast`,
	RunE: func(cmd *cobra.Command, args []string) error {
		tenant, _ := cmd.Flags().GetString("tenant")
		file, _ := cmd.Flags().GetString("file")
		rawURL, _ := cmd.Flags().GetString("url")
		text, _ := cmd.Flags().GetString("text")
		name, _ := cmd.Flags().GetString("name")

		if tenant == "" {
			return fmt.Errorf("--tenant is required")
		}
		req, err := buildImportRequest(file, rawURL, text, name)
		if err != nil {
			return err
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmdContext(cmd), "/tenants/"+url.PathEscape(tenant)+"/knowledge", req)
		if err != nil {
			return err
		}
		var result knowledge.Result
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Imported %s: %d chunks (%d new, %d updated, %d unchanged)",
			result.Source, result.Chunks, result.Created, result.Updated, result.Unchanged)
		return nil
	},
}

func init() {
	kbImportCmd.Flags().String("tenant", "", "tenant (property) id")
	kbImportCmd.Flags().String("file", "", "PDF, text or markdown file to import")
	kbImportCmd.Flags().String("url", "", "URL to fetch and import")
	kbImportCmd.Flags().String("text", "", "inline text to import")
	kbImportCmd.Flags().String("name", "", "document name (defaults to the file name or URL)")
	kbCmd.AddCommand(kbImportCmd)
}

func buildImportRequest(file, rawURL, text, name string) (api.ImportRequest, error) {
	switch {
	case file != "":
		data, err := os.ReadFile(file)
		if err != nil {
			return api.ImportRequest{}, fmt.Errorf("reading file: %w", err)
		}
		if name == "" {
			name = filepath.Base(file)
		}
		return api.ImportRequest{
			Name:    name,
			Type:    "file",
			Content: base64.StdEncoding.EncodeToString(data),
		}, nil
	case rawURL != "":
		if name == "" {
			name = rawURL
		}
		return api.ImportRequest{Name: name, Type: "url", URL: rawURL}, nil
	case text != "":
		if name == "" {
			return api.ImportRequest{}, fmt.Errorf("--name is required with --text")
		}
		return api.ImportRequest{Name: name, Type: "text", Content: text}, nil
	}
	return api.ImportRequest{}, fmt.Errorf("one of --file, --url, or --text is required")
}

// --- token ---

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue a tenant access token for the staff socket",
	Long: `Issue a signed token that lets a staff device open /ws and join the
groups of the given tenants. Pass it as ?access_token= or a bearer header.

Examples:
  hostrd token --subject front-desk --tenant hotel-1
  hostrd token --subject night-manager --tenant hotel-1 --tenant hotel-2 --ttl 8h`,
	RunE: func(cmd *cobra.Command, args []string) error {
		subject, _ := cmd.Flags().GetString("subject")
		tenants, _ := cmd.Flags().GetStringSlice("tenant")
		ttl, _ := cmd.Flags().GetString("ttl")
		if subject == "" {
			return fmt.Errorf("--subject is required")
		}
		if len(tenants) == 0 {
			return fmt.Errorf("at least one --tenant is required")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		issued, err := issueToken(cmdContext(cmd), client, api.IssueTokenRequest{Subject: subject, Tenants: tenants, TTL: ttl})
		if err != nil {
			return err
		}
		fmt.Println(issued.Token)
		printStatus("Expires", "%s", issued.ExpiresAt.Local().Format("2006-01-02 15:04"))
		return nil
	},
}

func init() {
	tokenCmd.Flags().String("subject", "", "who the token is for (device or staff member)")
	tokenCmd.Flags().StringSlice("tenant", nil, "tenant the token may join (repeatable)")
	tokenCmd.Flags().String("ttl", "12h", "token lifetime")
}

func issueToken(ctx context.Context, client *apiClient, req api.IssueTokenRequest) (api.IssueTokenResponse, error) {
	resp, err := client.post(ctx, "/tokens", req)
	if err != nil {
		return api.IssueTokenResponse{}, err
	}
	var out api.IssueTokenResponse
	if err := decodeJSON(resp, &out); err != nil {
		return api.IssueTokenResponse{}, err
	}
	return out, nil
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		asJSON, _ := cmd.Flags().GetBool("json")
		keys := config.ShowAll(cfg)
		if asJSON {
			out := make(map[string]string, len(keys))
			for _, k := range keys {
				out[k.Key] = k.Value
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		}
		for _, k := range keys {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configShowCmd.Flags().Bool("json", false, "print as a JSON object")
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
