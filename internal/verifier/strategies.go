package verifier

import (
	"strings"
	"unicode/utf16"
)

type submissionInfo struct {
	text     string
	lower    string
	words    int
	required int
}

type bonusFunc func(s submissionInfo, task TaskContext) int

var strategies = map[TaskType]bonusFunc{
	TaskTypeSocial:      writingBonus,
	TaskTypeContent:     writingBonus,
	TaskTypeData:        dataBonus,
	TaskTypeQA:          qaBonus,
	TaskTypeTranslation: translationBonus,
	TaskTypeAudit:       auditBonus,
	TaskTypeCustom:      customBonus,
}

func writingBonus(s submissionInfo, task TaskContext) int {
	bonus := 0
	if strings.Contains(s.lower, strings.ToLower(task.CampaignName)) {
		bonus += 15
	}
	if strings.Contains(s.text, "\n\n") {
		bonus += 10
	}
	if s.words > s.required*2 {
		bonus += 10
	}
	return bonus
}

func dataBonus(s submissionInfo, _ TaskContext) int {
	if strings.ContainsAny(s.text, "[{,|") {
		return 20
	}
	return 0
}

func qaBonus(s submissionInfo, _ TaskContext) int {
	if strings.Contains(s.text, "?") || strings.Contains(s.lower, "answer") {
		return 15
	}
	return 0
}

// translationBonus measures non-ASCII content in UTF-16 code units, so a
// character outside the BMP counts twice.
func translationBonus(s submissionInfo, _ TaskContext) int {
	total, nonASCII := 0, 0
	for _, r := range s.text {
		n := utf16.RuneLen(r)
		if n < 1 {
			n = 1
		}
		total += n
		if r > 0x7F {
			nonASCII += n
		}
	}
	if total > 0 && float64(nonASCII)/float64(total) > 0.1 {
		return 20
	}
	return 0
}

// Code markers are matched case-sensitively anywhere in the text.
var codeMarkers = []string{"```", "function", "class", "import", "const", "let", "var"}

var securityKeywords = []string{"vulnerability", "risk", "security", "issue", "recommendation", "fix"}

func auditBonus(s submissionInfo, _ TaskContext) int {
	bonus := 0
	for _, m := range codeMarkers {
		if strings.Contains(s.text, m) {
			bonus += 15
			break
		}
	}
	mentions := 0
	for _, k := range securityKeywords {
		if strings.Contains(s.lower, k) {
			mentions++
		}
	}
	return bonus + min(mentions*5, 15)
}

func customBonus(s submissionInfo, _ TaskContext) int {
	if float64(s.words) > float64(s.required)*1.5 {
		return 15
	}
	return 0
}
