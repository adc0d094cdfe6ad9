package scoring

import (
	"testing"

	"github.com/dontdude/forgejudge/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const forgeOutput = `{
  "test/Adder.t.sol:AdderTest": {
    "duration": "1ms",
    "test_results": {
      "test_addition()": {"status": "Success", "reason": null, "decoded_logs": []},
      "test_subtraction()": {"status": "Failure", "reason": "assertion failed"}
    },
    "warnings": []
  }
}`

func questions() []domain.QuestionCase {
	return []domain.QuestionCase{
		{Func: "test_addition", Score: 10},
		{Func: "test_subtraction", Score: 5},
		{Func: "test_unreached", Score: 3},
	}
}

func TestGrade_MergesRunnerOutput(t *testing.T) {
	tr, err := ParseTestReport([]byte(forgeOutput))
	require.NoError(t, err)

	report := Grade(questions(), tr)

	assert.Equal(t, domain.CodeComplete, report.Code)
	assert.Equal(t, domain.StageComplete, report.Status)
	assert.Equal(t, 18, report.TotalScore)
	assert.Equal(t, 10, report.GetScore)

	assert.True(t, report.Questions[0].Passed)
	assert.False(t, report.Questions[1].Passed)
	assert.True(t, report.Questions[1].Reached)
	assert.False(t, report.Questions[2].Passed)
	assert.False(t, report.Questions[2].Reached)
}

func TestGrade_IsIdempotent(t *testing.T) {
	tr, err := ParseTestReport([]byte(forgeOutput))
	require.NoError(t, err)
	qs := questions()

	first := Grade(qs, tr)
	second := Grade(qs, tr)

	assert.Equal(t, first, second)
	assert.False(t, qs[0].Passed, "input must not be mutated")
}

func TestGrade_SingleQuestion(t *testing.T) {
	qs := []domain.QuestionCase{{Func: "test_addition", Score: 10}}

	pass, err := ParseTestReport([]byte(`{"s":{"test_results":{"test_addition()":{"status":"Success"}}}}`))
	require.NoError(t, err)
	report := Grade(qs, pass)
	assert.Equal(t, 10, report.TotalScore)
	assert.Equal(t, 10, report.GetScore)
	assert.Equal(t, 0, report.Code)

	fail, err := ParseTestReport([]byte(`{"s":{"test_results":{"test_addition()":{"status":"Failure"}}}}`))
	require.NoError(t, err)
	report = Grade(qs, fail)
	assert.Equal(t, 0, report.GetScore)
	assert.Equal(t, 0, report.Code)
}

func TestGrade_FailureInAnySuiteWins(t *testing.T) {
	tr := TestReport{
		"a": {TestResults: map[string]TestResult{"test_x()": {Status: "Success"}}},
		"b": {TestResults: map[string]TestResult{"test_x()": {Status: "Failure"}}},
	}
	report := Grade([]domain.QuestionCase{{Func: "test_x", Score: 4}}, tr)
	assert.Equal(t, 0, report.GetScore)
	assert.Equal(t, 4, report.TotalScore)
}

func TestParseTestReport_Malformed(t *testing.T) {
	_, err := ParseTestReport([]byte("Compiling 3 files...\nerror"))
	assert.Error(t, err)
}

func TestFailure_ZeroScoreWithQuestions(t *testing.T) {
	report := Failure(questions(), domain.StageCompileFailed, "Error: boom")

	assert.Equal(t, domain.CodeCompileFailed, report.Code)
	assert.Equal(t, "Error: boom", report.Msg)
	assert.Equal(t, 18, report.TotalScore)
	assert.Zero(t, report.GetScore)
	assert.Len(t, report.Questions, 3)
}

func TestNoFiles(t *testing.T) {
	report := NoFiles()
	assert.Equal(t, domain.CodeNoFiles, report.Code)
	assert.Equal(t, domain.StageNoFiles, report.Status)
	assert.NotNil(t, report.Questions)
}
