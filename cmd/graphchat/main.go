package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/chzyer/readline"

	"github.com/synaptiq/graphchat/pkg/api"
	"github.com/synaptiq/graphchat/pkg/chat"
	"github.com/synaptiq/graphchat/pkg/config"
	"github.com/synaptiq/graphchat/pkg/heartbeat"
	"github.com/synaptiq/graphchat/pkg/ingest"
	"github.com/synaptiq/graphchat/pkg/jobs"
	"github.com/synaptiq/graphchat/pkg/logger"
	"github.com/synaptiq/graphchat/pkg/stats"
	"github.com/synaptiq/graphchat/pkg/utils"
)

func main() {
	configPath := flag.String("config", "~/.graphchat/config.json", "path to config file")
	workspace := flag.String("workspace", "", "workspace ID (overrides config)")
	thread := flag.String("thread", "", "thread ID (overrides config)")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if *workspace != "" {
		cfg.Chat.Workspace = *workspace
	}
	if *thread != "" {
		cfg.Chat.Thread = *thread
	}

	logger.SetLevel(logger.ParseLevel(cfg.Logging.Level))
	if cfg.Logging.FileEnabled {
		if err := logger.EnableFileLogging(cfg.Logging.FilePath, cfg.Logging.MaxSizeMB); err != nil {
			fmt.Fprintf(os.Stderr, "logging: %v\n", err)
		}
	}

	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := api.NewClient(cfg)

	poller := jobs.NewPoller(client, jobs.SystemClock(), jobs.Options{
		FastInterval:      cfg.FastPollInterval(),
		IdleInterval:      cfg.IdlePollInterval(),
		TerminalRetention: cfg.TerminalRetention(),
	})

	workflow := ingest.NewWorkflow(client, jobs.SystemClock(), ingest.Options{
		Threshold:       cfg.InlineThreshold(),
		WaitInterval:    cfg.IngestWaitInterval(),
		MaxWaitAttempts: cfg.Ingestion.WaitAttempts,
		ReingestDelta:   cfg.Ingestion.ReingestDeltaChars,
	})

	statsStore := stats.NewStore(utils.ExpandHome("~/.graphchat"))

	render := newRenderer()
	ctrl := chat.NewController(chat.APIBackend(client), chat.Options{
		Workspace:    cfg.Chat.Workspace,
		Thread:       cfg.Chat.Thread,
		OnTranscript: render.onTranscript,
		Preparer:     workflow,
		Recorder:     statsStore,
	})
	defer ctrl.Close()

	hb := heartbeat.NewRunner(client, jobs.SystemClock(), cfg.Heartbeat)

	if cfg.Chat.Workspace != "" {
		poller.Start(ctx, cfg.Chat.Workspace)
		defer poller.Stop()
		hb.Start(ctx, cfg.Chat.Workspace)
		defer hb.Stop()
	}
	if cfg.Chat.Workspace != "" && cfg.Chat.Thread != "" {
		if err := ctrl.Bootstrap(ctx); err != nil {
			logger.WarnCF("cli", "Could not load thread history", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "graphchat> ",
		InterruptPrompt: "^C",
	})
	if err != nil {
		return err
	}
	defer rl.Close()

	fmt.Println("Commands: /stop /jobs /page <file> <message> /stopjob <id> /stats /quit")
	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			ctrl.Cancel()
			continue
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "/") {
			if quit := handleCommand(ctx, line, ctrl, poller, client, cfg, statsStore); quit {
				return nil
			}
			continue
		}
		if err := ctrl.Send(line); err != nil {
			fmt.Println("error:", err)
		}
	}
}

func handleCommand(ctx context.Context, line string, ctrl *chat.Controller, poller *jobs.Poller, client *api.Client, cfg *config.Config, statsStore *stats.Store) bool {
	parts := strings.Fields(line)
	switch parts[0] {
	case "/quit", "/exit":
		return true
	case "/stop":
		ctrl.Cancel()
	case "/jobs":
		list := poller.Jobs()
		if len(list) == 0 {
			fmt.Println("no jobs")
		}
		for _, job := range list {
			fmt.Printf("%s  %-10s  %d/%d  %s\n", job.JobID, job.Status, job.Current, job.Total, job.Filename)
		}
	case "/stopjob":
		if len(parts) < 2 {
			fmt.Println("usage: /stopjob <job_id>")
			break
		}
		if err := client.StopIngest(ctx, cfg.Chat.Workspace, parts[1]); err != nil {
			fmt.Println("error:", err)
		}
	case "/stats":
		day := statsStore.TodayKey()
		fmt.Print(stats.Report(day, statsStore.Query(stats.Filter{DayKey: day})))
		if last, ok := statsStore.LastByThread(cfg.Chat.Workspace, cfg.Chat.Thread); ok {
			fmt.Printf("last in this thread: %s at %s\n",
				last.Outcome, last.Timestamp.Local().Format("15:04:05"))
		}
	case "/page":
		if len(parts) < 3 {
			fmt.Println("usage: /page <file> <message>")
			break
		}
		path := parts[1]
		message := strings.Join(parts[2:], " ")
		data, err := os.ReadFile(path)
		if err != nil {
			fmt.Println("error:", err)
			break
		}
		abs, _ := filepath.Abs(path)
		page := api.PageSubmission{
			URL:     "file://" + abs,
			Title:   filepath.Base(path),
			Content: string(data),
		}
		if err := ctrl.SendWithPage(message, page); err != nil {
			fmt.Println("error:", err)
		}
	default:
		fmt.Println("unknown command:", parts[0])
	}
	return false
}

// renderer prints streamed assistant text incrementally from transcript
// snapshots: it remembers how much of the tail message it already wrote
// and emits only the suffix.
type renderer struct {
	mu      sync.Mutex
	lastID  string
	printed int
}

func newRenderer() *renderer {
	return &renderer{}
}

func (r *renderer) onTranscript(messages []chat.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(messages) == 0 {
		return
	}
	last := messages[len(messages)-1]
	switch last.Role {
	case chat.RoleAssistant:
		if last.ID != r.lastID {
			r.lastID = last.ID
			r.printed = 0
			fmt.Println()
		}
		if len(last.Content) > r.printed {
			fmt.Print(last.Content[r.printed:])
			r.printed = len(last.Content)
		}
	case chat.RoleSystem:
		if last.ID != r.lastID {
			r.lastID = last.ID
			r.printed = 0
			fmt.Printf("\n[%s]\n", last.Content)
		}
	}
}
