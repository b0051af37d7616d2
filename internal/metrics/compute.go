package metrics

import (
	"cmp"
	"slices"
	"strings"
	"time"
	"unicode"

	"github.com/fgomezserna/video-generator-episodes-sub001/internal/pipeline"
	"github.com/fgomezserna/video-generator-episodes-sub001/internal/stage"
)

// StageMetrics summarizes one stage over a window.
type StageMetrics struct {
	Stage           stage.Stage
	Instances       int
	Completed       int
	AverageDuration time.Duration
	// CompletionRate and RevisionRate are percentages.
	CompletionRate      float64
	Checkpoints         int
	Rejected            int
	RevisionRate        float64
	AverageApprovalTime time.Duration
	RecurringIssues     []string
}

const (
	recurringIssueLimit = 3
	// Shorter words are too generic to name an issue.
	minIssueWordLength = 4
)

// Compute derives metrics for st from instances and checkpoints. Records of
// other stages are ignored.
func Compute(st stage.Stage, instances []pipeline.StageInstance, checkpoints []*pipeline.Checkpoint) StageMetrics {
	m := StageMetrics{Stage: st}

	var total time.Duration
	for _, instance := range instances {
		if instance.Stage != st {
			continue
		}
		m.Instances++
		if instance.Status == pipeline.StageCompleted {
			m.Completed++
			total += instance.Duration
		}
	}
	if m.Completed > 0 {
		m.AverageDuration = total / time.Duration(m.Completed)
	}
	m.CompletionRate = percent(m.Completed, m.Instances)

	var (
		approvalTotal time.Duration
		approved      int
		feedback      []string
	)
	for _, cp := range checkpoints {
		if cp == nil || cp.Stage != st {
			continue
		}
		m.Checkpoints++
		switch cp.Status {
		case pipeline.CheckpointRejected:
			m.Rejected++
			for _, approval := range cp.Approvals {
				if approval.Decision == pipeline.DecisionRejected && approval.Feedback != "" {
					feedback = append(feedback, approval.Feedback)
				}
			}
		case pipeline.CheckpointApproved:
			if cp.ResolvedAt != nil {
				elapsed := cp.ResolvedAt.Sub(cp.SubmittedAt)
				if elapsed < 0 {
					elapsed = 0
				}
				approvalTotal += elapsed
				approved++
			}
		}
	}
	m.RevisionRate = percent(m.Rejected, m.Checkpoints)
	if approved > 0 {
		m.AverageApprovalTime = approvalTotal / time.Duration(approved)
	}
	m.RecurringIssues = recurringIssues(feedback, recurringIssueLimit)
	return m
}

func percent(part, whole int) float64 {
	if whole == 0 {
		return 0
	}
	return float64(part) / float64(whole) * 100
}

var stopWords = map[string]struct{}{
	"about": {}, "after": {}, "again": {}, "also": {}, "because": {}, "been": {}, "before": {},
	"could": {}, "does": {}, "from": {}, "have": {}, "into": {}, "just": {}, "more": {},
	"much": {}, "needs": {}, "please": {}, "should": {}, "some": {}, "than": {}, "that": {},
	"their": {}, "them": {}, "then": {}, "there": {}, "these": {}, "they": {}, "this": {},
	"too": {}, "very": {}, "were": {}, "what": {}, "when": {}, "which": {}, "with": {},
	"would": {}, "your": {},
}

// recurringIssues returns the words of at least minIssueWordLength letters or
// digits that appear in more than one piece of rejection feedback, most
// frequent first. Stop words are ignored.
func recurringIssues(feedback []string, limit int) []string {
	counts := make(map[string]int)
	for _, text := range feedback {
		seen := make(map[string]struct{})
		words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r)
		})
		for _, word := range words {
			if len([]rune(word)) < minIssueWordLength {
				continue
			}
			if _, stop := stopWords[word]; stop {
				continue
			}
			if _, dup := seen[word]; dup {
				continue
			}
			seen[word] = struct{}{}
			counts[word]++
		}
	}
	var issues []string
	for word, n := range counts {
		if n > 1 {
			issues = append(issues, word)
		}
	}
	slices.SortFunc(issues, func(a, b string) int {
		if c := cmp.Compare(counts[b], counts[a]); c != 0 {
			return c
		}
		return cmp.Compare(a, b)
	})
	if len(issues) > limit {
		issues = issues[:limit]
	}
	return issues
}
