package domain

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Stage names the outermost stage a job reached.
type Stage string

const (
	StageComplete        Stage = "complete"
	StageCompileFailed   Stage = "compile-failed"
	StageBuildFailed     Stage = "build-failed"
	StageTestRunFailed   Stage = "test-run-failed"
	StageMalformedOutput Stage = "malformed-test-output"
	StageNoFiles         Stage = "no-files"
)

// Report codes. Negative codes are produced by the submitting side only
// and never travel through the broker.
const (
	CodeComplete        = 0
	CodeCompileFailed   = 1
	CodeMalformedOutput = 2
	CodeNoFiles         = 2
	CodeBuildFailed     = 3
	CodeTestRunFailed   = 4

	CodeBrokerFailure = -1
	CodeTimeout       = -2
	CodePathNotExist  = -3
)

// Code returns the wire code for a stage.
func (s Stage) Code() int {
	switch s {
	case StageComplete:
		return CodeComplete
	case StageCompileFailed:
		return CodeCompileFailed
	case StageMalformedOutput:
		return CodeMalformedOutput
	case StageNoFiles:
		return CodeNoFiles
	case StageBuildFailed:
		return CodeBuildFailed
	case StageTestRunFailed:
		return CodeTestRunFailed
	default:
		return CodeBuildFailed
	}
}

// Info returns the short human label stored in Report.Info.
func (s Stage) Info() string {
	switch s {
	case StageComplete:
		return "Complete"
	case StageCompileFailed:
		return "Compile failed"
	case StageMalformedOutput:
		return "Result not json"
	case StageNoFiles:
		return "No files"
	case StageBuildFailed:
		return "Build failed"
	case StageTestRunFailed:
		return "Test run failed"
	default:
		return string(s)
	}
}

// Report is the graded result of one job.
// It is both the broker response value and the content of output/output.json.
type Report struct {
	Info       string         `json:"info"`
	Code       int            `json:"code"`
	Msg        string         `json:"msg"`
	Status     Stage          `json:"status,omitempty"`
	TotalScore int            `json:"total_score"`
	GetScore   int            `json:"get_score"`
	Questions  []QuestionCase `json:"questions"`

	// Set by the submitting side only.
	JobID    string `json:"jobId,omitempty"`
	CostTime string `json:"costTime,omitempty"`
}

// Stamp records the caller's job id and wall-clock wait, e.g. "1.23s".
func (r *Report) Stamp(jobID string, cost time.Duration) {
	r.JobID = jobID
	r.CostTime = fmt.Sprintf("%.2fs", cost.Seconds())
}

// QuestionCase is one gradable test function.
// Attributes holds every annotation other than Score; on the wire they are
// flattened next to Func, Score and Passed.
type QuestionCase struct {
	Func       string
	Score      int
	Passed     bool
	Attributes map[string]string

	// Reached is false when the runner never reported the function.
	Reached bool
}

var reservedQuestionKeys = map[string]bool{"Func": true, "Score": true, "Passed": true}

// MarshalJSON flattens attributes into the question object.
func (q QuestionCase) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(q.Attributes)+3)
	for k, v := range q.Attributes {
		if !reservedQuestionKeys[k] {
			out[k] = v
		}
	}
	out["Func"] = q.Func
	out["Score"] = q.Score
	out["Passed"] = q.Passed
	return json.Marshal(out)
}

// UnmarshalJSON accepts Score as a number or a numeric string.
func (q *QuestionCase) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*q = QuestionCase{}
	for k, v := range raw {
		switch k {
		case "Func":
			if err := json.Unmarshal(v, &q.Func); err != nil {
				return fmt.Errorf("question Func: %w", err)
			}
		case "Score":
			q.Score = decodeScore(v)
		case "Passed":
			if err := json.Unmarshal(v, &q.Passed); err != nil {
				return fmt.Errorf("question Passed: %w", err)
			}
		default:
			if q.Attributes == nil {
				q.Attributes = make(map[string]string)
			}
			var s string
			if err := json.Unmarshal(v, &s); err != nil {
				s = string(v)
			}
			q.Attributes[k] = s
		}
	}
	return nil
}

func decodeScore(v json.RawMessage) int {
	var n int
	if err := json.Unmarshal(v, &n); err == nil {
		return n
	}
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		return ParseScore(s)
	}
	return 0
}

// ParseScore reads a declared score; anything that is not an integer counts as 0.
func ParseScore(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}
