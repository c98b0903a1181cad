package agents

import (
	"context"
	"testing"
)

func TestReceiptAgentProcessReceiptRequiresIntakeID(t *testing.T) {
	a := &ReceiptAgent{}
	if _, err := a.processReceipt(context.Background(), "u1", map[string]interface{}{}); err == nil {
		t.Fatal("expected validation error for missing intake_id")
	}
}

func TestAuthorizationAgentRunAutoAuthRequiresProject(t *testing.T) {
	a := &AuthorizationAgent{}
	if _, err := a.runAutoAuth(context.Background(), "u1", map[string]interface{}{}); err == nil {
		t.Fatal("expected validation error for missing project")
	}
}

func TestAuthorizationAgentExplainDecisionRequiresBothIDs(t *testing.T) {
	a := &AuthorizationAgent{}
	if _, err := a.explainDecision(context.Background(), "u1", map[string]interface{}{"project": "p1"}); err == nil {
		t.Fatal("expected validation error for missing expense_id")
	}
}

func TestChatAgentFetchBudgetStatusWithoutCollaboratorIsGraceful(t *testing.T) {
	a := &ChatAgent{budget: nil}
	out, err := a.fetchBudgetStatus(context.Background(), "u1", map[string]interface{}{"project": "p1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != "budget monitoring is not configured" {
		t.Fatalf("got %q", out)
	}
}

func TestChatAgentFetchProjectSummaryRequiresProject(t *testing.T) {
	a := &ChatAgent{}
	if _, err := a.fetchProjectSummary(context.Background(), "u1", map[string]interface{}{}); err == nil {
		t.Fatal("expected validation error for missing project")
	}
}
