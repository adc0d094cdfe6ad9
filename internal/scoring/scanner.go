package scoring

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/dontdude/forgejudge/internal/domain"
)

var (
	// A block comment immediately followed by a test function definition.
	annotatedFunc = regexp.MustCompile(`/\*((?:[^*]|\*+[^*/])*)\*+/\s*function\s+(test\w*)\s*\(`)
	// One "@Key: value" attribute; a line may hold several.
	attribute = regexp.MustCompile(`@([^@:\n]+):([^@\n]*)`)
)

const scoreAttribute = "Score"

// Scan extracts one QuestionCase per annotated test function in source.
// Comments without any @attribute do not make a question.
func Scan(source string) []domain.QuestionCase {
	var questions []domain.QuestionCase
	for _, m := range annotatedFunc.FindAllStringSubmatch(source, -1) {
		attrs := parseAttributes(m[1])
		if len(attrs) == 0 {
			continue
		}
		q := domain.QuestionCase{
			Func:  m[2],
			Score: domain.ParseScore(attrs[scoreAttribute]),
		}
		delete(attrs, scoreAttribute)
		if len(attrs) > 0 {
			q.Attributes = attrs
		}
		questions = append(questions, q)
	}
	return questions
}

func parseAttributes(comment string) map[string]string {
	attrs := make(map[string]string)
	for _, m := range attribute.FindAllStringSubmatch(comment, -1) {
		key := strings.TrimSpace(m[1])
		if key == "" {
			continue
		}
		attrs[key] = strings.TrimSpace(strings.TrimRight(strings.TrimSpace(m[2]), "*"))
	}
	return attrs
}

// ScanDir scans every regular file under dir in lexical order.
func ScanDir(dir string) ([]domain.QuestionCase, error) {
	questions := []domain.QuestionCase{}
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		questions = append(questions, Scan(string(content))...)
		return nil
	})
	if err != nil {
		return questions, fmt.Errorf("failed to scan tests in %s: %w", dir, err)
	}
	return questions, nil
}
