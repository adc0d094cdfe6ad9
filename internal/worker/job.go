package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/dontdude/forgejudge/internal/artifact"
	"github.com/dontdude/forgejudge/internal/domain"
	"github.com/dontdude/forgejudge/internal/scoring"
	"github.com/dontdude/forgejudge/internal/toolchain"
	"github.com/dontdude/forgejudge/internal/workspace"
)

func decodeJob(payload []byte) (domain.Job, error) {
	var job domain.Job
	if err := json.Unmarshal(payload, &job); err != nil {
		return job, fmt.Errorf("%w: %v", domain.ErrInvalidJob, err)
	}
	return job, job.Validate()
}

// handle grades job and replies. Nothing in here ends the loop.
func (s *slot) handle(ctx context.Context, job domain.Job) {
	logger := s.logger.With("questionNo", job.QuestionNo, "jobID", job.JudgeJobID)
	start := time.Now()
	logger.Info("Job claimed", "solcVersion", job.SolcVersion, "files", len(job.Files))
	s.publish(ctx, job, StateClaiming, nil)

	report := s.grade(ctx, job)

	s.setState(StateReplying)
	data, err := json.Marshal(report)
	if err != nil {
		logger.Error("Failed to marshal report", "error", err)
		return
	}
	delivered, err := s.pool.protocol.DeliverIfOutstanding(ctx, job.JobKey, data)
	switch {
	case err != nil:
		logger.Error("Failed to deliver report", "error", err)
	case !delivered:
		logger.Info("Caller gone, report discarded", "code", report.Code)
	default:
		logger.Info("Job finished", "code", report.Code, "score", report.GetScore, "total", report.TotalScore, "duration", time.Since(start))
	}
	s.publish(ctx, job, StateReplying, &report.Code)
}

// grade walks Materializing -> Building -> Scoring and always ends with a report.
func (s *slot) grade(ctx context.Context, job domain.Job) *domain.Report {
	ws := workspace.For(s.pool.cfg.Dir, s.index, job.QuestionNo)

	s.setState(StateMaterializing)
	if err := workspace.Materialize(ws, job.Files); err != nil {
		if errors.Is(err, workspace.ErrNoFiles) {
			return scoring.NoFiles()
		}
		s.logger.Error("Failed to materialize job", "error", err)
		return s.record(ws, scoring.Failure(nil, domain.StageBuildFailed, err.Error()))
	}

	// Scanned before the build so a failed build still lists the questions.
	questions, err := scoring.ScanDir(ws.Test)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.logger.Warn("Failed to scan tests", "error", err)
	}

	s.setState(StateBuilding)
	s.publish(ctx, job, StateBuilding, nil)
	if err := s.cache.Ensure(ws, job.SolcVersion); err != nil {
		s.logger.Log(ctx, cacheLogLevel(err), "Artifact cache unavailable, building from scratch", "version", job.SolcVersion, "error", err)
	}
	tr, runErr := s.pool.toolchain.Run(ctx, ws, job.SolcVersion)

	s.setState(StateScoring)
	var report *domain.Report
	if runErr != nil {
		var se *toolchain.StageError
		if errors.As(runErr, &se) {
			report = scoring.Failure(questions, se.Stage, se.Output)
		} else {
			report = scoring.Failure(questions, domain.StageBuildFailed, runErr.Error())
		}
	} else {
		report = scoring.Grade(questions, tr)
	}

	return s.record(ws, report)
}

// record keeps report as the workspace's output.json, whatever the outcome.
func (s *slot) record(ws workspace.Workspace, report *domain.Report) *domain.Report {
	if err := workspace.WriteReport(ws, report); err != nil {
		s.logger.Warn("Failed to write report file", "error", err)
	}
	return report
}

func (s *slot) publish(ctx context.Context, job domain.Job, state State, code *int) {
	if job.JudgeJobID == "" {
		return
	}
	data, err := json.Marshal(domain.JobEvent{
		JudgeJobID: job.JudgeJobID,
		QuestionNo: job.QuestionNo,
		Slot:       s.index,
		State:      string(state),
		Code:       code,
		At:         time.Now().UTC(),
	})
	if err != nil {
		return
	}
	if err := s.pool.broker.Publish(ctx, domain.EventsChannel(s.pool.cfg.Namespace), data); err != nil {
		s.logger.Debug("Failed to publish event", "error", err)
	}
}

// A missing template is the normal state before bootstrap ran.
func cacheLogLevel(err error) slog.Level {
	if errors.Is(err, artifact.ErrNoTemplate) {
		return slog.LevelDebug
	}
	return slog.LevelWarn
}
