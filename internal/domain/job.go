package domain

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// ErrInvalidJob marks a payload that can be decoded but must not reach a workspace.
var ErrInvalidJob = errors.New("invalid job")

// File is one relative path and its content inside a submission.
type File struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// Job represents a submission to be compiled and scored.
// The JSON layout is the wire format of the shared work list.
type Job struct {
	QuestionNo  string `json:"questionNo"`
	SolcVersion string `json:"solcVersion"`
	JudgeJobID  string `json:"judgeJobId"`
	JobKey      string `json:"jobKey"`
	Files       []File `json:"pathWithContent"`
}

// JobKey derives the handshake key prefix for a question set.
// Two jobs for the same question set share it.
func JobKey(namespace, questionNo string) string {
	return namespace + ":" + questionNo
}

// RequestKey is the marker a waiting caller leaves behind.
func RequestKey(jobKey string) string {
	return jobKey + ":request"
}

// ResponseKey holds the delivered report payload.
func ResponseKey(jobKey string) string {
	return jobKey + ":response"
}

// Validate rejects jobs that would escape the slot workspace or cannot be replied to.
// An empty file set is valid here: it is answered with a no-files report.
func (j Job) Validate() error {
	if j.QuestionNo == "" || !filepath.IsLocal(j.QuestionNo) || strings.ContainsAny(j.QuestionNo, `/\`) {
		return fmt.Errorf("%w: question number %q", ErrInvalidJob, j.QuestionNo)
	}
	if j.JobKey == "" {
		return fmt.Errorf("%w: empty job key", ErrInvalidJob)
	}
	for _, f := range j.Files {
		if !filepath.IsLocal(f.Path) {
			return fmt.Errorf("%w: path %q escapes the workspace", ErrInvalidJob, f.Path)
		}
	}
	return nil
}
