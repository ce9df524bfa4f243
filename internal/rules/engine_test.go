package rules

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"email-triage/internal/config"
	"email-triage/internal/events"
	"email-triage/internal/models"
)

type fakeStore struct {
	mu sync.Mutex

	rules     []models.AutomationRule
	listCalls int
	listErr   error

	priorities map[string]int
	tiers      map[string]models.Tier
	flags      map[string]bool
	labels     map[string][]string
	pending    []models.PendingAction
	executions []models.RuleExecution
	counts     map[string]int

	failActions bool
}

func newFakeStore(rules ...models.AutomationRule) *fakeStore {
	return &fakeStore{
		rules:      rules,
		priorities: map[string]int{},
		tiers:      map[string]models.Tier{},
		flags:      map[string]bool{},
		labels:     map[string][]string{},
		counts:     map[string]int{},
	}
}

func (s *fakeStore) ListRules(_ context.Context, subjectID string) ([]models.AutomationRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listCalls++
	if s.listErr != nil {
		return nil, s.listErr
	}
	var out []models.AutomationRule
	for _, r := range s.rules {
		if r.SubjectID == subjectID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *fakeStore) CreateRule(_ context.Context, r models.AutomationRule) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r.ID = fmt.Sprintf("r%d", len(s.rules)+1)
	s.rules = append(s.rules, r)
	return r.ID, nil
}

func (s *fakeStore) UpdateRule(_ context.Context, r models.AutomationRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.rules {
		if s.rules[i].ID == r.ID && s.rules[i].SubjectID == r.SubjectID {
			s.rules[i] = r
			return nil
		}
	}
	return models.ErrNotFound
}

func (s *fakeStore) DeleteRule(_ context.Context, subjectID, ruleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.rules {
		if s.rules[i].ID == ruleID && s.rules[i].SubjectID == subjectID {
			s.rules = append(s.rules[:i], s.rules[i+1:]...)
			return nil
		}
	}
	return models.ErrNotFound
}

func (s *fakeStore) IncrementRuleExecutions(_ context.Context, ruleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts[ruleID]++
	return nil
}

func (s *fakeStore) AppendRuleExecution(_ context.Context, ex models.RuleExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executions = append(s.executions, ex)
	return nil
}

func (s *fakeStore) AppendPendingAction(_ context.Context, pa models.PendingAction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = append(s.pending, pa)
	return nil
}

func (s *fakeStore) SetFeedPriority(_ context.Context, _, emailID string, priority int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failActions {
		return errors.New("feed store down")
	}
	s.priorities[emailID] = priority
	return nil
}

func (s *fakeStore) SetFeedTier(_ context.Context, _, emailID string, tier models.Tier) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tiers[emailID] = tier
	return nil
}

func (s *fakeStore) SetFeedFlag(_ context.Context, _, emailID, flag string, value bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flags[emailID+":"+flag] = value
	return nil
}

func (s *fakeStore) AddFeedLabel(_ context.Context, _, emailID, label string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.labels[emailID] = append(s.labels[emailID], label)
	return nil
}

func engineConfig() config.Config {
	cfg := config.Config{}
	cfg.Triage.RulesCacheTTL = 5 * time.Minute
	return cfg
}

func invoiceRule(id string, priority int) models.AutomationRule {
	return models.AutomationRule{
		ID:           id,
		SubjectID:    "acct-1",
		Name:         "priority for invoices",
		TriggerField: models.FieldSubject,
		Operator:     models.OpContains,
		TriggerValue: "invoice",
		ActionType:   models.ActionSetPriority,
		ActionValue:  "9",
		Priority:     priority,
		Enabled:      true,
	}
}

func TestApplyRulesFiresMatchingRule(t *testing.T) {
	store := newFakeStore(invoiceRule("r1", 1))
	e := NewEngine(engineConfig(), store, events.Discard{}, zap.NewNop())

	email := models.EmailMessage{ID: "e1", SubjectID: "acct-1", Subject: "Invoice #4521 overdue"}
	executions, err := e.ApplyRules(context.Background(), email, models.ScoringResult{})
	if err != nil {
		t.Fatal(err)
	}
	if len(executions) != 1 || !executions[0].Succeeded {
		t.Fatalf("executions = %+v, want one success", executions)
	}
	if store.priorities["e1"] != 9 {
		t.Fatalf("priority = %d, want 9", store.priorities["e1"])
	}
	if store.counts["r1"] != 1 {
		t.Fatalf("execution count = %d, want 1", store.counts["r1"])
	}
	if len(store.executions) != 1 {
		t.Fatalf("execution log rows = %d, want 1", len(store.executions))
	}
}

func TestApplyRulesAllMatchesFireInOrder(t *testing.T) {
	star := models.AutomationRule{
		ID: "r2", SubjectID: "acct-1", Name: "star invoices",
		TriggerField: models.FieldSubject, Operator: models.OpContains, TriggerValue: "invoice",
		ActionType: models.ActionStar, Priority: 2, Enabled: true,
	}
	store := newFakeStore(invoiceRule("r1", 1), star)
	e := NewEngine(engineConfig(), store, events.Discard{}, zap.NewNop())

	email := models.EmailMessage{ID: "e1", SubjectID: "acct-1", Subject: "invoice attached"}
	executions, err := e.ApplyRules(context.Background(), email, models.ScoringResult{})
	if err != nil {
		t.Fatal(err)
	}
	if len(executions) != 2 {
		t.Fatalf("executions = %d, want 2", len(executions))
	}
	if executions[0].RuleID != "r1" || executions[1].RuleID != "r2" {
		t.Fatalf("order = %s, %s; want r1, r2", executions[0].RuleID, executions[1].RuleID)
	}
	if !store.flags["e1:starred"] {
		t.Fatal("star action did not run")
	}
}

func TestApplyRulesActionFailureDoesNotBlockNextRule(t *testing.T) {
	star := models.AutomationRule{
		ID: "r2", SubjectID: "acct-1", Name: "star invoices",
		TriggerField: models.FieldSubject, Operator: models.OpContains, TriggerValue: "invoice",
		ActionType: models.ActionStar, Priority: 2, Enabled: true,
	}
	store := newFakeStore(invoiceRule("r1", 1), star)
	store.failActions = true // only SetFeedPriority fails
	e := NewEngine(engineConfig(), store, events.Discard{}, zap.NewNop())

	email := models.EmailMessage{ID: "e1", SubjectID: "acct-1", Subject: "invoice attached"}
	executions, err := e.ApplyRules(context.Background(), email, models.ScoringResult{})
	if err != nil {
		t.Fatal(err)
	}
	if len(executions) != 2 {
		t.Fatalf("executions = %d, want 2", len(executions))
	}
	if executions[0].Succeeded {
		t.Fatal("failed action recorded as success")
	}
	if executions[0].Detail == "" {
		t.Fatal("failure detail missing from execution log")
	}
	if !executions[1].Succeeded || !store.flags["e1:starred"] {
		t.Fatal("second rule blocked by first rule's failure")
	}
	if store.counts["r1"] != 0 {
		t.Fatal("failed execution counted")
	}
}

func TestApplyRulesSkipsDisabledRules(t *testing.T) {
	r := invoiceRule("r1", 1)
	r.Enabled = false
	store := newFakeStore(r)
	e := NewEngine(engineConfig(), store, events.Discard{}, zap.NewNop())

	executions, err := e.ApplyRules(context.Background(),
		models.EmailMessage{ID: "e1", SubjectID: "acct-1", Subject: "invoice"}, models.ScoringResult{})
	if err != nil {
		t.Fatal(err)
	}
	if len(executions) != 0 {
		t.Fatalf("disabled rule fired: %+v", executions)
	}
}

func TestLoadRulesDisablesMalformedRule(t *testing.T) {
	bad := invoiceRule("r1", 1)
	bad.Operator = models.OpRegex
	bad.TriggerValue = "(" // does not compile
	store := newFakeStore(bad)
	e := NewEngine(engineConfig(), store, events.Discard{}, zap.NewNop())

	loaded, err := e.LoadRules(context.Background(), "acct-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(loaded) != 1 || loaded[0].Enabled {
		t.Fatalf("malformed rule not disabled: %+v", loaded)
	}
}

func TestLoadRulesUsesCache(t *testing.T) {
	store := newFakeStore(invoiceRule("r1", 1))
	e := NewEngine(engineConfig(), store, events.Discard{}, zap.NewNop())

	for i := 0; i < 3; i++ {
		if _, err := e.LoadRules(context.Background(), "acct-1"); err != nil {
			t.Fatal(err)
		}
	}
	if store.listCalls != 1 {
		t.Fatalf("store hit %d times, want 1", store.listCalls)
	}
}

func TestCreateRuleInvalidatesCache(t *testing.T) {
	store := newFakeStore()
	e := NewEngine(engineConfig(), store, events.Discard{}, zap.NewNop())

	if _, err := e.LoadRules(context.Background(), "acct-1"); err != nil {
		t.Fatal(err)
	}
	r := invoiceRule("", 1)
	if _, err := e.CreateRule(context.Background(), r); err != nil {
		t.Fatal(err)
	}
	loaded, err := e.LoadRules(context.Background(), "acct-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(loaded) != 1 {
		t.Fatalf("new rule not visible after create: %+v", loaded)
	}
	if store.listCalls != 2 {
		t.Fatalf("store hit %d times, want 2", store.listCalls)
	}
}

func TestCreateRuleRejectsInvalid(t *testing.T) {
	e := NewEngine(engineConfig(), newFakeStore(), events.Discard{}, zap.NewNop())
	bad := invoiceRule("", 1)
	bad.ActionValue = "not-a-number"
	if _, err := e.CreateRule(context.Background(), bad); !errors.Is(err, models.ErrValidation) {
		t.Fatalf("err = %v, want validation error", err)
	}
}

func TestMutationsAreSubjectScoped(t *testing.T) {
	store := newFakeStore(invoiceRule("r1", 1))
	e := NewEngine(engineConfig(), store, events.Discard{}, zap.NewNop())

	// Another subject addressing the rule by id must see not-found, and
	// the owner's cached rule set must stay intact.
	if _, err := e.LoadRules(context.Background(), "acct-1"); err != nil {
		t.Fatal(err)
	}
	stolen := invoiceRule("r1", 1)
	stolen.SubjectID = "acct-2"
	stolen.Enabled = false
	if err := e.UpdateRule(context.Background(), stolen); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("cross-subject update err = %v, want not found", err)
	}
	if err := e.DeleteRule(context.Background(), "acct-2", "r1"); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("cross-subject delete err = %v, want not found", err)
	}

	loaded, err := e.LoadRules(context.Background(), "acct-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(loaded) != 1 || !loaded[0].Enabled {
		t.Fatalf("owner's rule damaged by cross-subject mutation: %+v", loaded)
	}
}

func TestApplyRulesLoadErrorSurfaces(t *testing.T) {
	store := newFakeStore()
	store.listErr = errors.New("db down")
	e := NewEngine(engineConfig(), store, events.Discard{}, zap.NewNop())

	if _, err := e.ApplyRules(context.Background(),
		models.EmailMessage{SubjectID: "acct-1"}, models.ScoringResult{}); err == nil {
		t.Fatal("expected load error to surface")
	}
}

func TestMatchesTriggerFields(t *testing.T) {
	email := models.EmailMessage{
		Sender: "Alerts@Bank.example.com", Subject: "Your statement",
		Body: "balance update", Important: true, Unread: false,
	}
	result := models.ScoringResult{FinalScore: 85, Tier: models.TierHigh}

	cases := []struct {
		name string
		rule models.AutomationRule
		want bool
	}{
		{"sender equals is case-insensitive",
			models.AutomationRule{TriggerField: models.FieldSender, Operator: models.OpEquals, TriggerValue: "alerts@bank.example.com"}, true},
		{"subject contains",
			models.AutomationRule{TriggerField: models.FieldSubject, Operator: models.OpContains, TriggerValue: "STATEMENT"}, true},
		{"body regex",
			models.AutomationRule{TriggerField: models.FieldBody, Operator: models.OpRegex, TriggerValue: `balance\s+update`}, true},
		{"final score greater than",
			models.AutomationRule{TriggerField: models.FieldFinalScore, Operator: models.OpGreaterThan, TriggerValue: "80"}, true},
		{"final score less than misses",
			models.AutomationRule{TriggerField: models.FieldFinalScore, Operator: models.OpLessThan, TriggerValue: "80"}, false},
		{"tier equals",
			models.AutomationRule{TriggerField: models.FieldTier, Operator: models.OpEquals, TriggerValue: "high"}, true},
		{"important is true",
			models.AutomationRule{TriggerField: models.FieldImportant, Operator: models.OpIs, TriggerValue: "true"}, true},
		{"unread is true misses",
			models.AutomationRule{TriggerField: models.FieldUnread, Operator: models.OpIs, TriggerValue: "true"}, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got, err := matches(c.rule, email, result)
			if err != nil {
				t.Fatal(err)
			}
			if got != c.want {
				t.Fatalf("matches = %v, want %v", got, c.want)
			}
		})
	}
}

func TestExecuteForwardToAppendsPendingAction(t *testing.T) {
	forward := models.AutomationRule{
		ID: "r1", SubjectID: "acct-1", Name: "forward invoices",
		TriggerField: models.FieldSubject, Operator: models.OpContains, TriggerValue: "invoice",
		ActionType: models.ActionForwardTo, ActionValue: "finance@example.com",
		Priority: 1, Enabled: true,
	}
	store := newFakeStore(forward)
	e := NewEngine(engineConfig(), store, events.Discard{}, zap.NewNop())

	email := models.EmailMessage{ID: "e1", SubjectID: "acct-1", Subject: "invoice attached"}
	if _, err := e.ApplyRules(context.Background(), email, models.ScoringResult{}); err != nil {
		t.Fatal(err)
	}
	if len(store.pending) != 1 {
		t.Fatalf("pending actions = %d, want 1", len(store.pending))
	}
	pa := store.pending[0]
	if pa.RuleID != "r1" || pa.EmailID != "e1" || pa.Value != "finance@example.com" {
		t.Fatalf("pending action = %+v", pa)
	}
}
