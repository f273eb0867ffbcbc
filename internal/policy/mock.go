package policy

import (
	"context"
	"sync"
)

// Predicate selects inputs for a scripted result.
type Predicate func(OpaInput) bool

type scripted struct {
	match  Predicate
	result EvaluationResult
}

// MockEvaluator returns the result of the first matching predicate, else the
// default, and records every input it sees.
type MockEvaluator struct {
	mu      sync.Mutex
	scripts []scripted
	def     EvaluationResult
	calls   []OpaInput
	healthy bool
}

// NewMockEvaluator returns a mock whose default result is a clean pass.
func NewMockEvaluator() *MockEvaluator {
	return &MockEvaluator{def: EvaluationResult{OK: true, Violations: []Violation{}}, healthy: true}
}

func (m *MockEvaluator) Type() string { return TypeMock }

func (m *MockEvaluator) On(p Predicate, result EvaluationResult) *MockEvaluator {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scripts = append(m.scripts, scripted{match: p, result: result})
	return m
}

func (m *MockEvaluator) OnAction(action string, result EvaluationResult) *MockEvaluator {
	return m.On(func(in OpaInput) bool { return in.ChangeRequest.Action == action }, result)
}

func (m *MockEvaluator) OnResourceType(resourceType string, result EvaluationResult) *MockEvaluator {
	return m.On(func(in OpaInput) bool { return in.ChangeRequest.ResourceType == resourceType }, result)
}

// OnRiskAbove matches risk scores strictly greater than threshold.
func (m *MockEvaluator) OnRiskAbove(threshold float64, result EvaluationResult) *MockEvaluator {
	return m.On(func(in OpaInput) bool { return in.ChangeRequest.RiskScore > threshold }, result)
}

func (m *MockEvaluator) SetDefault(result EvaluationResult) *MockEvaluator {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.def = result
	return m
}

func (m *MockEvaluator) SetHealthy(ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.healthy = ok
}

func (m *MockEvaluator) Evaluate(_ context.Context, input OpaInput) EvaluationResult {
	m.mu.Lock()
	m.calls = append(m.calls, input)
	res := m.def
	for _, s := range m.scripts {
		if s.match(input) {
			res = s.result
			break
		}
	}
	m.mu.Unlock()
	if res.Violations == nil {
		res.Violations = []Violation{}
	}
	record(TypeMock, res)
	return res
}

func (m *MockEvaluator) HealthCheck(context.Context) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.healthy
}

// Calls returns every evaluated input in order.
func (m *MockEvaluator) Calls() []OpaInput {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]OpaInput, len(m.calls))
	copy(out, m.calls)
	return out
}

func (m *MockEvaluator) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}
