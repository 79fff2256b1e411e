// Package verifier scores task submissions. Heuristic is the built-in scorer;
// anything implementing Verifier (an LLM reviewer, for instance) can replace it.
package verifier

import (
	"context"
	"fmt"
	"math"
	"strings"
)

// ApprovalThreshold is the minimum score for approval.
const ApprovalThreshold = 60

type TaskType int

const (
	TaskTypeCustom TaskType = iota
	TaskTypeSocial
	TaskTypeContent
	TaskTypeData
	TaskTypeQA
	TaskTypeTranslation
	TaskTypeAudit
	TaskTypeCheckin
)

var taskTypeNames = map[string]TaskType{
	"social":      TaskTypeSocial,
	"content":     TaskTypeContent,
	"data":        TaskTypeData,
	"qa":          TaskTypeQA,
	"translation": TaskTypeTranslation,
	"audit":       TaskTypeAudit,
	"checkin":     TaskTypeCheckin,
}

// ParseTaskType maps the stored task_type string to a TaskType. Unknown values are custom tasks.
func ParseTaskType(s string) TaskType {
	if t, ok := taskTypeNames[s]; ok {
		return t
	}
	return TaskTypeCustom
}

func (t TaskType) String() string {
	for name, v := range taskTypeNames {
		if v == t {
			return name
		}
	}
	return "custom"
}

// minWords by difficulty; anything else requires defaultMinWords.
var minWords = map[string]int{
	"easy":   20,
	"medium": 50,
	"hard":   100,
}

const defaultMinWords = 30

// RequiredWords returns the minimum word count for a difficulty.
func RequiredWords(difficulty string) int {
	if n, ok := minWords[difficulty]; ok {
		return n
	}
	return defaultMinWords
}

type TaskContext struct {
	TaskType     TaskType
	Difficulty   string
	Title        string
	Description  string
	CampaignName string
}

type Result struct {
	Approved bool   `json:"approved"`
	Score    int    `json:"score"`
	Reason   string `json:"reason"`
}

type Verifier interface {
	Verify(ctx context.Context, submission string, task TaskContext) (Result, error)
}

// Heuristic is a pure scorer: the same input always yields the same Result and it never errors.
type Heuristic struct{}

var _ Verifier = Heuristic{}

func (Heuristic) Verify(_ context.Context, submission string, task TaskContext) (Result, error) {
	return Score(submission, task), nil
}

// Score applies the heuristic policy.
func Score(submission string, task TaskContext) Result {
	text := strings.TrimSpace(submission)
	if text == "" {
		return Result{Approved: false, Score: 0, Reason: "Empty submission"}
	}
	words := len(strings.Fields(text))

	if task.TaskType == TaskTypeCheckin {
		if words >= 3 {
			return Result{Approved: true, Score: 80, Reason: "Check-in recorded successfully."}
		}
		return Result{Approved: false, Score: 20, Reason: "Check-in requires at least a brief message (3+ words)."}
	}

	required := RequiredWords(task.Difficulty)
	if words < required {
		return Result{
			Approved: false,
			Score:    roundHalfUp(float64(words) / float64(required) * 50),
			Reason:   fmt.Sprintf("Submission too short. Expected at least %d words, got %d.", required, words),
		}
	}

	score := 60
	s := submissionInfo{text: text, lower: strings.ToLower(text), words: words, required: required}
	if bonus, ok := strategies[task.TaskType]; ok {
		score += bonus(s, task)
	} else {
		score += customBonus(s, task)
	}
	score = min(score, 100)

	if score >= ApprovalThreshold {
		return Result{Approved: true, Score: score, Reason: fmt.Sprintf("Submission approved with quality score %d/100.", score)}
	}
	return Result{Approved: false, Score: score, Reason: fmt.Sprintf("Submission rejected. Quality score %d/100 (minimum 60 required).", score)}
}

// roundHalfUp rounds .5 toward positive infinity.
func roundHalfUp(x float64) int {
	return int(math.Floor(x + 0.5))
}
