package domain_test

import (
	"testing"

	"github.com/emerick42/kairoi/internal/domain"
)

func TestJobDueIsInclusiveOfNow(t *testing.T) {
	job := domain.Job{Identifier: "app.1", ExecutionInstant: 1000, Status: domain.JobPlanned}

	if !job.Due(1000) {
		t.Fatal("expected job due exactly at its execution instant")
	}
	if !job.Due(1001) {
		t.Fatal("expected job due after its execution instant")
	}
	if job.Due(999) {
		t.Fatal("expected job not due before its execution instant")
	}
}

func TestJobDueOnlyWhenPlanned(t *testing.T) {
	for _, status := range []domain.JobStatus{domain.JobTriggered, domain.JobExecuted, domain.JobFailed} {
		job := domain.Job{Identifier: "app.1", ExecutionInstant: 0, Status: status}
		if job.Due(1000) {
			t.Fatalf("expected a %s job to never be due", status)
		}
	}
}

func TestJobSubjectPrefix(t *testing.T) {
	if got := domain.JobSubject("app.1"); got != "japp.1" {
		t.Fatalf("unexpected job subject: %s", got)
	}
}

func TestRuleSubjectPrefix(t *testing.T) {
	if got := domain.RuleSubject("r1"); got != "rr1" {
		t.Fatalf("unexpected rule subject: %s", got)
	}
}

func TestRuleSupportsPrefixMatch(t *testing.T) {
	rule := domain.Rule{Identifier: "r1", Pattern: "app."}
	if !rule.Supports("app.1") {
		t.Fatal("expected rule to support a job sharing its prefix")
	}
	if rule.Supports("other.1") {
		t.Fatal("expected rule to reject a job without its prefix")
	}
}

func TestRuleWeightIsPatternLength(t *testing.T) {
	rule := domain.Rule{Pattern: "app."}
	if rule.Weight() != 4 {
		t.Fatalf("expected weight 4, got %d", rule.Weight())
	}
}

func TestCheckStringLenRejectsOverLimit(t *testing.T) {
	ok := make([]byte, domain.MaxStringLen)
	if err := domain.CheckStringLen(string(ok)); err != nil {
		t.Fatalf("expected string at the limit to pass, got %v", err)
	}

	tooLong := make([]byte, domain.MaxStringLen+1)
	if err := domain.CheckStringLen(string(tooLong)); err != domain.ErrStringTooLong {
		t.Fatalf("expected ErrStringTooLong, got %v", err)
	}
}
