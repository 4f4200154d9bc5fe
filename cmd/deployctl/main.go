package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/totem/cluster-deployer/pkg/client"
)

const defaultAPIBaseURL = "http://localhost:9000"

type cliConfig struct {
	APIBaseURL string `json:"api_base_url"`
}

var buildVersion = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "use":
		err = commandUse(args)
	case "deploy":
		err = commandDeploy(args)
	case "undeploy":
		err = commandUndeploy(args)
	case "task":
		err = commandTask(args)
	case "get":
		err = commandGet(args)
	case "recover":
		err = commandRecover(args)
	case "version", "--version", "-v":
		printVersion()
		return
	case "help", "-h", "--help":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func commandUse(args []string) error {
	fs := flag.NewFlagSet("use", flag.ExitOnError)
	apiBase := fs.String("api", "", "Deployer base URL")
	fs.Parse(args)

	if strings.TrimSpace(*apiBase) == "" {
		return errors.New("--api is required")
	}
	if _, err := client.New(*apiBase); err != nil {
		return err
	}
	cfg, _ := loadConfig()
	cfg.APIBaseURL = strings.TrimSpace(*apiBase)
	if err := saveConfig(cfg); err != nil {
		return err
	}
	fmt.Printf("using deployer at %s\n", cfg.APIBaseURL)
	return nil
}

func commandDeploy(args []string) error {
	fs := flag.NewFlagSet("deploy", flag.ExitOnError)
	file := fs.String("file", "", "Deployment request JSON file (- for stdin)")
	wait := fs.Bool("wait", false, "Wait for the task to finish")
	timeout := fs.Duration("timeout", 30*time.Minute, "Maximum time to wait")
	apiBase := fs.String("api", "", "Deployer base URL override")
	fs.Parse(args)

	if strings.TrimSpace(*file) == "" {
		return errors.New("--file is required")
	}
	payload, err := readRequest(*file)
	if err != nil {
		return err
	}
	cli, err := newClient(*apiBase)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	task, err := cli.Submit(ctx, payload)
	cancel()
	if err != nil {
		return err
	}
	return reportTask(cli, task, *wait, *timeout)
}

func commandUndeploy(args []string) error {
	fs := flag.NewFlagSet("undeploy", flag.ExitOnError)
	app := fs.String("app", "", "Application name")
	version := fs.String("version", "", "Single version to remove (default all)")
	wait := fs.Bool("wait", false, "Wait for the task to finish")
	timeout := fs.Duration("timeout", 10*time.Minute, "Maximum time to wait")
	apiBase := fs.String("api", "", "Deployer base URL override")
	fs.Parse(args)

	if strings.TrimSpace(*app) == "" {
		return errors.New("--app is required")
	}
	cli, err := newClient(*apiBase)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	task, err := cli.Undeploy(ctx, *app, *version)
	cancel()
	if err != nil {
		return err
	}
	return reportTask(cli, task, *wait, *timeout)
}

func commandTask(args []string) error {
	fs := flag.NewFlagSet("task", flag.ExitOnError)
	id := fs.String("id", "", "Task ID")
	wait := fs.Bool("wait", false, "Wait for the task to finish")
	timeout := fs.Duration("timeout", 30*time.Minute, "Maximum time to wait")
	apiBase := fs.String("api", "", "Deployer base URL override")
	fs.Parse(args)

	if strings.TrimSpace(*id) == "" {
		return errors.New("--id is required")
	}
	cli, err := newClient(*apiBase)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	task, err := cli.Task(ctx, *id)
	cancel()
	if err != nil {
		return err
	}
	return reportTask(cli, task, *wait, *timeout)
}

func commandGet(args []string) error {
	fs := flag.NewFlagSet("get", flag.ExitOnError)
	id := fs.String("deployment", "", "Deployment ID")
	events := fs.Int("events", 20, "Number of recent events to show (0 for all)")
	apiBase := fs.String("api", "", "Deployer base URL override")
	fs.Parse(args)

	if strings.TrimSpace(*id) == "" {
		return errors.New("--deployment is required")
	}
	cli, err := newClient(*apiBase)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	view, err := cli.Deployment(ctx, *id, *events)
	if err != nil {
		return err
	}
	d := view.Deployment
	fmt.Printf("%s  %s %s (%s)\n", d.ID, d.Spec.Name, d.Spec.Version, d.Spec.Mode)
	fmt.Printf("state: %s", d.State)
	if d.Stage != "" {
		fmt.Printf("  stage: %s", d.Stage)
	}
	fmt.Println()
	if len(view.Events) == 0 {
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "DATE\tTYPE")
	for _, ev := range view.Events {
		fmt.Fprintf(w, "%s\t%s\n", ev.Date.Format(time.RFC3339), ev.Type)
	}
	return w.Flush()
}

func commandRecover(args []string) error {
	fs := flag.NewFlagSet("recover", flag.ExitOnError)
	state := fs.String("state", "", "Deployment state to redeploy (default PROMOTED)")
	name := fs.String("app", "", "Restrict to one application")
	version := fs.String("version", "", "Restrict to one version")
	exclude := fs.String("exclude", "", "Comma separated application names to skip")
	apiBase := fs.String("api", "", "Deployer base URL override")
	fs.Parse(args)

	filter := client.RecoveryFilter{
		State:   strings.ToUpper(strings.TrimSpace(*state)),
		Name:    strings.TrimSpace(*name),
		Version: strings.TrimSpace(*version),
	}
	for _, n := range strings.Split(*exclude, ",") {
		if n = strings.TrimSpace(n); n != "" {
			filter.ExcludeNames = append(filter.ExcludeNames, n)
		}
	}
	cli, err := newClient(*apiBase)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	result, err := cli.Recover(ctx, filter)
	if err != nil {
		return err
	}
	fmt.Printf("recovery of %s deployments: %d submitted, %d failed\n", result.State, len(result.Submitted), len(result.Failed))
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	for _, s := range result.Submitted {
		fmt.Fprintf(w, "%s\t%s\ttask %s\n", s.SourceID, s.Version, s.TaskID)
	}
	for _, f := range result.Failed {
		msg := ""
		if f.Error != nil {
			msg = f.Error.Code + ": " + f.Error.Message
		}
		fmt.Fprintf(w, "%s\tfailed\t%s\n", f.SourceID, msg)
	}
	return w.Flush()
}

func reportTask(cli *client.Client, task client.Task, wait bool, timeout time.Duration) error {
	fmt.Printf("task %s (%s): %s\n", task.ID, task.Kind, task.Status)
	if !wait || task.Done() {
		return taskOutcome(task)
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	final, err := cli.WaitTask(ctx, task.ID, 2*time.Second)
	if err != nil {
		return err
	}
	fmt.Printf("task %s: %s\n", final.ID, final.Status)
	return taskOutcome(final)
}

func taskOutcome(task client.Task) error {
	switch task.Status {
	case client.StatusError:
		if task.Error == nil {
			return errors.New("task failed")
		}
		return fmt.Errorf("%s: %s", task.Error.Code, task.Error.Message)
	case client.StatusReady:
		if len(task.Output) > 0 {
			fmt.Println(string(task.Output))
		}
	}
	return nil
}

func readRequest(path string) (json.RawMessage, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("read request: %w", err)
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("request %s is not valid JSON", path)
	}
	return json.RawMessage(data), nil
}

func newClient(override string) (*client.Client, error) {
	base := strings.TrimSpace(override)
	if base == "" {
		base = strings.TrimSpace(os.Getenv("DEPLOYER_URL"))
	}
	if base == "" {
		cfg, err := loadConfig()
		if err != nil {
			return nil, err
		}
		base = cfg.APIBaseURL
	}
	return client.New(base)
}

func loadConfig() (cliConfig, error) {
	path, err := configPath()
	if err != nil {
		return cliConfig{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cliConfig{APIBaseURL: defaultAPIBaseURL}, nil
		}
		return cliConfig{}, err
	}
	var cfg cliConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cliConfig{}, err
	}
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = defaultAPIBaseURL
	}
	return cfg, nil
}

func saveConfig(cfg cliConfig) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func configPath() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "deployctl", "config.json"), nil
}

func printUsage() {
	fmt.Printf("deployctl %s\n\n", buildVersion)
	fmt.Print(`Usage:
	deployctl use --api http://localhost:9000
	deployctl deploy --file request.json [--wait] [--timeout 30m]
	deployctl undeploy --app <name> [--version <version>] [--wait]
	deployctl task --id <task-id> [--wait]
	deployctl get --deployment <deployment-id> [--events N]
	deployctl recover [--state PROMOTED] [--app <name>] [--version <v>] [--exclude a,b]
	deployctl version
`)
}

func printVersion() {
	fmt.Println(strings.TrimSpace(buildVersion))
}
