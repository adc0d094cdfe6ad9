package domain

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQuestionCase_FlattensAttributes(t *testing.T) {
	q := QuestionCase{
		Func:       "test_addition",
		Score:      10,
		Passed:     true,
		Attributes: map[string]string{"Title": "Addition", "Score": "ignored"},
	}
	data, err := json.Marshal(q)
	require.NoError(t, err)
	assert.JSONEq(t, `{"Func":"test_addition","Score":10,"Passed":true,"Title":"Addition"}`, string(data))
}

func TestQuestionCase_ScoreAsString(t *testing.T) {
	var q QuestionCase
	require.NoError(t, json.Unmarshal([]byte(`{"Func":"test_a","Score":"7","Passed":false,"Level":"easy"}`), &q))
	assert.Equal(t, 7, q.Score)
	assert.Equal(t, map[string]string{"Level": "easy"}, q.Attributes)

	require.NoError(t, json.Unmarshal([]byte(`{"Func":"test_a","Score":"seven"}`), &q))
	assert.Equal(t, 0, q.Score)
}

func TestStageCodes(t *testing.T) {
	assert.Equal(t, 0, StageComplete.Code())
	assert.Equal(t, 1, StageCompileFailed.Code())
	assert.Equal(t, 2, StageMalformedOutput.Code())
	assert.Equal(t, 2, StageNoFiles.Code())
	assert.Equal(t, "Result not json", StageMalformedOutput.Info())
}

func TestReport_Stamp(t *testing.T) {
	r := &Report{}
	r.Stamp("job-1", 1234*time.Millisecond)
	assert.Equal(t, "job-1", r.JobID)
	assert.Equal(t, "1.23s", r.CostTime)
}

func TestJob_Validate(t *testing.T) {
	ok := Job{QuestionNo: "q1", JobKey: JobKey("judge", "q1"), Files: []File{{Path: "test/A.t.sol"}}}
	require.NoError(t, ok.Validate())
	assert.Equal(t, "judge:q1:request", RequestKey(ok.JobKey))
	assert.Equal(t, "judge:q1:response", ResponseKey(ok.JobKey))

	for name, job := range map[string]Job{
		"empty question":  {JobKey: "judge:"},
		"nested question": {QuestionNo: "a/b", JobKey: "judge:a/b"},
		"parent question": {QuestionNo: "..", JobKey: "judge:.."},
		"no key":          {QuestionNo: "q1"},
		"absolute path":   {QuestionNo: "q1", JobKey: "k", Files: []File{{Path: "/etc/passwd"}}},
		"escaping path":   {QuestionNo: "q1", JobKey: "k", Files: []File{{Path: "../x"}}},
	} {
		assert.ErrorIs(t, job.Validate(), ErrInvalidJob, name)
	}
}
