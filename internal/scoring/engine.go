// Package scoring turns test annotations and raw test-runner output into a
// graded report.
package scoring

import (
	"encoding/json"
	"fmt"

	"github.com/dontdude/forgejudge/internal/domain"
)

// callSuffix turns a function name into the signature the runner reports.
const callSuffix = "()"

const statusFailure = "Failure"

// TestResult is one entry of a suite's test_results.
type TestResult struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// Suite is one contract's results in the runner's JSON report.
type Suite struct {
	TestResults map[string]TestResult `json:"test_results"`
}

// TestReport maps "<file>:<contract>" to its suite.
type TestReport map[string]Suite

// ParseTestReport decodes the runner's --json stdout.
func ParseTestReport(data []byte) (TestReport, error) {
	var report TestReport
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, fmt.Errorf("test output is not json: %w", err)
	}
	return report, nil
}

// lookup finds a signature across suites. A failure in any suite wins.
func (r TestReport) lookup(signature string) (TestResult, bool) {
	var found TestResult
	ok := false
	for _, suite := range r {
		res, exists := suite.TestResults[signature]
		if !exists {
			continue
		}
		if !ok || res.Status == statusFailure {
			found = res
		}
		ok = true
	}
	return found, ok
}

// Grade merges questions with the runner's report. The input slice is not
// modified, so grading the same pair twice gives the same result.
func Grade(questions []domain.QuestionCase, tr TestReport) *domain.Report {
	report := newReport(domain.StageComplete, "Complete", questions)

	for i := range report.Questions {
		q := &report.Questions[i]
		res, ok := tr.lookup(q.Func + callSuffix)
		if !ok {
			// Never reached, e.g. the suite was cut short.
			continue
		}
		q.Reached = true
		if res.Status == statusFailure {
			q.Passed = false
			continue
		}
		q.Passed = true
		report.GetScore += q.Score
	}
	return report
}

// Failure renders a zero-score report for a job that stopped at stage.
func Failure(questions []domain.QuestionCase, stage domain.Stage, msg string) *domain.Report {
	return newReport(stage, msg, questions)
}

// NoFiles is the report for an empty submission.
func NoFiles() *domain.Report {
	return newReport(domain.StageNoFiles, "No files", nil)
}

func newReport(stage domain.Stage, msg string, questions []domain.QuestionCase) *domain.Report {
	report := &domain.Report{
		Info:      stage.Info(),
		Code:      stage.Code(),
		Msg:       msg,
		Status:    stage,
		Questions: make([]domain.QuestionCase, len(questions)),
	}
	for i, q := range questions {
		q.Passed = false
		q.Reached = false
		report.Questions[i] = q
		report.TotalScore += q.Score
	}
	return report
}
