// Package main provides the stitch command line interface: it generates an
// end-to-end browser test from plain-language instructions and repairs it
// through run, analyze, patch cycles until every objective is met.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/entrhq/stitch/pkg/artifact"
	"github.com/entrhq/stitch/pkg/collector"
	appconfig "github.com/entrhq/stitch/pkg/config"
	"github.com/entrhq/stitch/pkg/controller"
	"github.com/entrhq/stitch/pkg/llm/openai"
	"github.com/entrhq/stitch/pkg/logging"
	"github.com/entrhq/stitch/pkg/patch"
	"github.com/entrhq/stitch/pkg/secrets"
	"github.com/entrhq/stitch/pkg/session"
)

const version = "0.1.0"

// CLIConfig holds command-line configuration.
type CLIConfig struct {
	APIKey       string
	BaseURL      string
	Model        string
	ConfigFile   string
	Name         string
	Instructions string
	Todos        stringList
	Resume       string
	Timeout      time.Duration
	NoInput      bool
	ListSessions bool
	ShowVersion  bool
}

// stringList collects a repeatable flag.
type stringList []string

func (l *stringList) String() string { return strings.Join(*l, ", ") }

func (l *stringList) Set(value string) error {
	*l = append(*l, value)
	return nil
}

func main() {
	config := parseFlags()

	if config.ShowVersion {
		fmt.Printf("stitch v%s\n", version)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Println("\n\nShutting down gracefully...")
		cancel()
	}()

	if err := run(ctx, config); err != nil {
		cancel()
		log.Printf("stitch failed: %v", err)
		os.Exit(1)
	}
	cancel()
}

func parseFlags() *CLIConfig {
	config := &CLIConfig{}

	flag.StringVar(&config.APIKey, "api-key", os.Getenv("OPENAI_API_KEY"), "OpenAI API key")
	flag.StringVar(&config.BaseURL, "base-url", os.Getenv("OPENAI_BASE_URL"), "OpenAI API base URL")
	flag.StringVar(&config.Model, "model", "", "LLM model (overrides config file)")
	flag.StringVar(&config.ConfigFile, "config", appconfig.DefaultFileName, "Path to configuration file (YAML)")
	flag.StringVar(&config.Name, "name", "", "Session name for a new test")
	flag.StringVar(&config.Instructions, "instructions", "", "Plain-language description of what the test should verify")
	flag.Var(&config.Todos, "todo", "Objective for the test; repeat for multiple objectives")
	flag.StringVar(&config.Resume, "resume", "", "Resume a session by id or name")
	flag.DurationVar(&config.Timeout, "timeout", 0, "Overall timeout for the construction effort")
	flag.BoolVar(&config.NoInput, "no-input", false, "Suspend instead of prompting when a question needs a human")
	flag.BoolVar(&config.ListSessions, "list", false, "List stored sessions and exit")
	flag.BoolVar(&config.ShowVersion, "version", false, "Show version and exit")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "stitch - self-repairing browser test construction\n\n")
		fmt.Fprintf(os.Stderr, "Usage: stitch [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  # Start a new test\n")
		fmt.Fprintf(os.Stderr, "  stitch -name login -instructions \"Log in and verify the dashboard\" \\\n")
		fmt.Fprintf(os.Stderr, "      -todo \"reach the login page\" -todo \"submit valid credentials\"\n\n")
		fmt.Fprintf(os.Stderr, "  # Resume after answering a question\n")
		fmt.Fprintf(os.Stderr, "  stitch -resume login\n\n")
	}

	flag.Parse()
	return config
}

func run(ctx context.Context, cliConfig *CLIConfig) error {
	logger, logErr := logging.New("stitch")
	if logErr != nil {
		log.Printf("file logging unavailable: %v", logErr)
	}
	defer logger.Close()

	sessionStore, err := session.NewStore("")
	if err != nil {
		return fmt.Errorf("failed to open session store: %w", err)
	}

	if cliConfig.ListSessions {
		return listSessions(sessionStore)
	}

	cfg, err := loadConfig(cliConfig.ConfigFile)
	if err != nil {
		return err
	}

	model := cfg.Model.Name
	if cliConfig.Model != "" {
		model = cliConfig.Model
	}
	baseURL := cfg.Model.BaseURL
	if cliConfig.BaseURL != "" {
		baseURL = cliConfig.BaseURL
	}

	sess, err := resolveSession(cliConfig, sessionStore)
	if err != nil {
		return err
	}

	secretStore, err := buildSecrets(cfg)
	if err != nil {
		return err
	}

	backend, err := openai.NewBackend(cliConfig.APIKey, baseURL,
		openai.WithModel(model),
		openai.WithTemperature(cfg.Model.Temperature),
	)
	if err != nil {
		return fmt.Errorf("failed to create model backend: %w", err)
	}

	factory, err := collector.NewPlaywrightFactory(collector.PlaywrightOptions{
		Headless:       cfg.Browser.Headless,
		Timeout:        cfg.Browser.Timeout.Std(),
		ViewportWidth:  cfg.Browser.Viewport.Width,
		ViewportHeight: cfg.Browser.Viewport.Height,
	})
	if err != nil {
		return fmt.Errorf("failed to start browser driver: %w", err)
	}
	defer factory.Close()

	normalizer, err := artifact.NewNormalizer(cfg.DOM)
	if err != nil {
		return fmt.Errorf("invalid dom rules: %w", err)
	}
	runs := collector.New(factory,
		collector.WithNormalizer(normalizer),
		collector.WithLogger(logger),
	)

	opts := controller.Options{
		MaxCycles:                cfg.Model.MaxCycles,
		MaxConsecutiveRejections: cfg.Patching.MaxConsecutiveRejections,
		Strategy:                 patch.StrategyFor(cfg.Patching.RangeStrategy),
		Store:                    sessionStore,
		Artifacts:                artifact.NewWriter(cfg.Artifact.OutputDir, cfg.Artifact.KeepLast),
		Logger:                   logger,
	}
	if !cliConfig.NoInput {
		opts.Human = &stdinHuman{}
	}

	ctrl := controller.New(runs, backend, backend, opts)

	if cliConfig.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cliConfig.Timeout)
		defer cancel()
	}

	log.Printf("Session: %s (%s)", sess.Name, sess.ID)
	log.Printf("Target: %s", cfg.Project.BaseURL)
	log.Printf("Model: %s", model)

	state, runErr := ctrl.Run(ctx, sess, secretStore)
	return report(sess, cfg, state, runErr)
}

// report prints the outcome and maps the terminal state to the exit status.
// A finished test is exported to the project's test directory.
func report(sess *session.Session, cfg *appconfig.Config, state controller.State, runErr error) error {
	switch state {
	case controller.StateDone:
		fmt.Println("All objectives met. Final test code:")
		fmt.Println()
		fmt.Println(sess.Code)
		if path, err := exportTest(sess, cfg.Project.TestDirectory); err != nil {
			log.Printf("failed to export test: %v", err)
		} else {
			fmt.Printf("\nSaved to %s\n", path)
		}
		return nil
	case controller.StateAwaitingHuman:
		fmt.Printf("Suspended on a question:\n\n  %s\n\n", sess.PendingQuestion)
		fmt.Printf("Answer it by resuming: stitch -resume %s\n", sess.Name)
		return nil
	default:
		if runErr != nil {
			return runErr
		}
		return fmt.Errorf("session ended in state %s", state)
	}
}

// exportTest writes the finished script under the configured test directory.
func exportTest(sess *session.Session, dir string) (string, error) {
	if dir == "" {
		dir = "tests"
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return "", err
	}
	path := filepath.Join(dir, sess.Name+".stitch")
	if err := os.WriteFile(path, []byte(sess.Code+"\n"), 0600); err != nil {
		return "", err
	}
	return path, nil
}

func loadConfig(path string) (*appconfig.Config, error) {
	cfg, err := appconfig.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w (create %s with at least project.base_url)",
			err, appconfig.DefaultFileName)
	}
	return cfg, nil
}

// resolveSession loads the session named by -resume or creates a new one
// from -name, -instructions and -todo.
func resolveSession(cliConfig *CLIConfig, store *session.Store) (*session.Session, error) {
	if cliConfig.Resume != "" {
		sess, err := store.Load(cliConfig.Resume)
		if err == nil {
			return sess, nil
		}
		sess, err = store.FindByName(cliConfig.Resume)
		if err != nil {
			return nil, fmt.Errorf("no session %q: %w", cliConfig.Resume, err)
		}
		return sess, nil
	}

	if cliConfig.Instructions == "" {
		return nil, fmt.Errorf("instructions are required for a new session (or use -resume)")
	}
	if len(cliConfig.Todos) == 0 {
		return nil, fmt.Errorf("at least one -todo objective is required for a new session")
	}
	name := cliConfig.Name
	if name == "" {
		name = "test"
	}
	return session.New(name, cliConfig.Instructions, cliConfig.Todos), nil
}

// buildSecrets populates the per-session store from explicit config values
// and the optional env file. The controller freezes the store before the
// first run.
func buildSecrets(cfg *appconfig.Config) (*secrets.Store, error) {
	store := secrets.NewStore(cfg.Project.BaseURL)
	for key, value := range cfg.Secrets.Values {
		if err := store.Set(key, value); err != nil {
			return nil, fmt.Errorf("failed to set secret %s: %w", key, err)
		}
	}
	if cfg.Secrets.EnvFile != "" {
		if err := store.LoadEnv(cfg.Secrets.EnvFile); err != nil {
			return nil, err
		}
	}
	return store, nil
}

func listSessions(store *session.Store) error {
	ids, err := store.List()
	if err != nil {
		return fmt.Errorf("failed to list sessions: %w", err)
	}
	if len(ids) == 0 {
		fmt.Println("No stored sessions.")
		return nil
	}
	for _, id := range ids {
		sess, err := store.Load(id)
		if err != nil {
			continue
		}
		status := "in progress"
		if !sess.HasPending() {
			status = "complete"
		} else if sess.PendingQuestion != "" {
			status = "awaiting answer"
		}
		fmt.Printf("%s  %-20s cycle %-3d %s\n", sess.ID, sess.Name, sess.Cycle, status)
	}
	return nil
}

// stdinHuman prompts on the terminal for answers to the controller's
// questions.
type stdinHuman struct{}

func (h *stdinHuman) Answer(ctx context.Context, question string) (string, error) {
	fmt.Printf("\nQuestion: %s\n> ", question)

	type result struct {
		line string
		err  error
	}
	// On cancellation the reader goroutine stays blocked on stdin until the
	// process exits; the buffered channel lets it finish without a receiver.
	ch := make(chan result, 1)
	go func() {
		reader := bufio.NewReader(os.Stdin)
		line, err := reader.ReadString('\n')
		ch <- result{strings.TrimSpace(line), err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return "", r.err
		}
		return r.line, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
