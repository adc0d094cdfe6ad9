// Command client submits a directory of sources for judging and prints the
// report as JSON on stdout.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dontdude/forgejudge/internal/config"
	"github.com/dontdude/forgejudge/internal/correlation"
	"github.com/dontdude/forgejudge/internal/domain"
	"github.com/dontdude/forgejudge/internal/platform/logging"
	"github.com/dontdude/forgejudge/internal/platform/queue"
	"github.com/dontdude/forgejudge/internal/workspace"
	"github.com/google/uuid"
)

func main() {
	code, err := run(os.Stdout)
	if err != nil {
		slog.Error("Client failed", "error", err)
		os.Exit(1)
	}
	os.Exit(code)
}

func run(stdout io.Writer) (int, error) {
	flags := flag.NewFlagSet("client", flag.ExitOnError)
	configPath := flags.String("config", "", "YAML config file")
	dir := flags.String("dir", "", "directory holding contracts/ and test/")
	questionNo := flags.String("question", "", "question number (required)")
	solc := flags.String("solc", "", "compiler version")
	jobID := flags.String("job-id", "", "judge job id; random when empty")
	timeout := flags.String("timeout", "", "seconds to wait, e.g. 5 or 1m")
	redisURL := flags.String("redis", "", "redis URL or host:port")
	prefix := flags.String("prefix", "", "job key namespace")
	list := flags.String("list", "", "work list name")
	flags.Parse(os.Args[1:])

	cfg, err := config.Load(*configPath)
	if err != nil {
		return 1, err
	}
	var flagErr error
	flags.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "dir":
			cfg.Client.Directory = *dir
		case "solc":
			cfg.Client.SolcVersion = *solc
		case "timeout":
			d, err := config.ParseSeconds(*timeout)
			if err != nil {
				flagErr = fmt.Errorf("-timeout: %w", err)
				return
			}
			cfg.Client.Timeout = d
		case "redis":
			cfg.Redis.URL = *redisURL
		case "prefix":
			cfg.Redis.Namespace = *prefix
		case "list":
			cfg.Redis.List = *list
		}
	})
	if flagErr != nil {
		return 1, flagErr
	}
	if *questionNo == "" {
		return 1, errors.New("-question is required")
	}
	if *jobID == "" {
		*jobID = uuid.NewString()
	}

	slog.SetDefault(logging.New(os.Stderr, cfg.Log.Level, cfg.Log.NoColor))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	start := time.Now()
	files, err := workspace.Collect(cfg.Client.Directory)
	if err != nil {
		slog.Debug("Cannot read submission", "dir", cfg.Client.Directory, "error", err)
		report := &domain.Report{
			Info:      "Failed",
			Code:      domain.CodePathNotExist,
			Msg:       "Path not exist",
			Questions: []domain.QuestionCase{},
		}
		report.Stamp(*jobID, time.Since(start))
		return 1, printReport(stdout, report)
	}

	broker, err := queue.NewRedisBroker(cfg.Redis.URL)
	if err != nil {
		return 1, err
	}
	defer broker.Close()

	protocol := correlation.New(broker, correlation.Options{
		List:         cfg.Redis.List,
		PollInterval: cfg.Client.PollInterval,
	}, slog.Default())

	job := domain.Job{
		QuestionNo:  *questionNo,
		SolcVersion: cfg.Client.SolcVersion,
		JudgeJobID:  *jobID,
		JobKey:      domain.JobKey(cfg.Redis.Namespace, *questionNo),
		Files:       files,
	}
	if err := job.Validate(); err != nil {
		return 1, err
	}

	report, err := protocol.SubmitAndAwait(ctx, job, cfg.Client.Timeout)
	// Let the key cleanup of an abandoned wait finish before the process exits.
	defer protocol.Wait()
	switch {
	case errors.Is(err, correlation.ErrTimeout):
		report = correlation.TimeoutReport()
	case err != nil:
		return 1, err
	}
	report.Stamp(*jobID, time.Since(start))
	return 0, printReport(stdout, report)
}

func printReport(w io.Writer, report *domain.Report) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}
