package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/tender-monitor/internal/ai"
	"github.com/sells-group/tender-monitor/internal/checkpoint"
	"github.com/sells-group/tender-monitor/internal/config"
	"github.com/sells-group/tender-monitor/internal/model"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func clock() time.Time { return fixedNow }

var today = model.DateOf(fixedNow)

func day(y int, m time.Month, d int) *model.Date {
	return model.DatePtr(model.NewDate(y, m, d))
}

func testConfig() *config.Config {
	return &config.Config{
		Company: config.CompanyConfig{
			Name:         "Acme",
			Sector:       "IT consulting",
			Competencies: []string{"SAP", "Cloud", "AI"},
			Regions:      []string{"Lombardia"},
		},
		Classify: config.ClassifyConfig{
			RelevanceThreshold: 6,
			Concurrency:        2,
			MaxAttempts:        3,
			Temperature:        0.2,
		},
		Enrich: config.EnrichConfig{
			MaxTextLength: 4000,
			MaxAttempts:   2,
			TEDXML:        true,
		},
		AI: config.AIConfig{
			Provider:          "anthropic",
			RetryInitialMs:    1,
			RetryMaxBackoffMs: 2,
		},
		Checkpoint: config.CheckpointConfig{Driver: "file", Resume: true},
	}
}

func tender(id, title string, deadline *model.Date) model.Opportunity {
	return model.Opportunity{
		ID:        "ted-" + id,
		Title:     title,
		Kind:      model.KindTender,
		Source:    model.SourceTED,
		Deadline:  deadline,
		Authority: "Comune di Milano",
		Country:   "IT",
		SourceURL: "https://ted.europa.eu/en/notice/-/detail/" + id,
	}
}

func event(id, title string, deadline *model.Date) model.Opportunity {
	return model.Opportunity{
		ID:        "feeds-" + id,
		Title:     title,
		Kind:      model.KindEvent,
		Source:    model.SourceFeeds,
		Deadline:  deadline,
		SourceURL: "https://events.example.org/" + id,
	}
}

// verdict renders a classification answer.
func verdict(score int, category model.Category) string {
	return fmt.Sprintf(`{"relevance_score":%d,"category":%q,"reason":"Matches the profile.","key_requirements":["ISO 27001"],"extracted_date":null}`, score, category)
}

func eventVerdict(score int, date, city string) string {
	return fmt.Sprintf(`{"relevance_score":%d,"category":"AI","reason":"Good audience.","key_requirements":[],"extracted_date":%q,"event_format":"in_person","event_cost":"free","city":%q,"sector":"public sector"}`, score, date, city)
}

// promptField returns the value of a "Name: value" line of a prompt.
func promptField(prompt, name string) string {
	for _, line := range strings.Split(prompt, "\n") {
		if v, ok := strings.CutPrefix(line, name+": "); ok {
			return v
		}
	}
	return ""
}

// fakeModel answers by record title and counts calls per title.
type fakeModel struct {
	mu     sync.Mutex
	calls  map[string]int
	reqs   []ai.Request
	answer func(ctx context.Context, title string, call int) (string, error)
}

func newFakeModel(answer func(ctx context.Context, title string, call int) (string, error)) *fakeModel {
	return &fakeModel{calls: make(map[string]int), answer: answer}
}

// scores answers every title in scores with a fixed verdict.
func scores(byTitle map[string]string) *fakeModel {
	return newFakeModel(func(_ context.Context, title string, _ int) (string, error) {
		if v, ok := byTitle[title]; ok {
			return v, nil
		}
		return verdict(5, model.CategoryOther), nil
	})
}

func (m *fakeModel) Generate(ctx context.Context, req ai.Request) (json.RawMessage, error) {
	title := promptField(req.Prompt, "Title")
	m.mu.Lock()
	m.calls[title]++
	call := m.calls[title]
	m.reqs = append(m.reqs, req)
	m.mu.Unlock()

	out, err := m.answer(ctx, title, call)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(out), nil
}

func (m *fakeModel) callsFor(title string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[title]
}

func (m *fakeModel) total() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		n += c
	}
	return n
}

// mockCollector is a testify mock of collector.Collector.
type mockCollector struct {
	mock.Mock
	source model.Source
}

func newMockCollector(source model.Source) *mockCollector {
	return &mockCollector{source: source}
}

func (m *mockCollector) Source() model.Source { return m.source }

func (m *mockCollector) Collect(ctx context.Context) ([]model.Opportunity, error) {
	args := m.Called(ctx)
	items, _ := args.Get(0).([]model.Opportunity)
	return items, args.Error(1)
}

func returning(source model.Source, items ...model.Opportunity) *mockCollector {
	c := newMockCollector(source)
	c.On("Collect", mock.Anything).Return(items, nil).Once()
	return c
}

func newBackend(t *testing.T) (*checkpoint.FileBackend, string) {
	t.Helper()
	dir := t.TempDir()
	b, err := checkpoint.NewFileBackend(dir)
	require.NoError(t, err)
	return b, dir
}

func newCache(t *testing.T, run string) *checkpoint.PipelineCache {
	t.Helper()
	b, _ := newBackend(t)
	st, err := b.Open(context.Background(), run)
	require.NoError(t, err)
	cache := checkpoint.NewPipelineCache(st, run)
	require.NoError(t, cache.Begin(context.Background(), "hash"))
	return cache
}

// memBackend keeps run stores in memory and can fail writes to one key.
type memBackend struct {
	mu      sync.Mutex
	runs    map[string]*memStore
	order   []string
	failKey string
	failErr error
}

func newMemBackend() *memBackend {
	return &memBackend{runs: make(map[string]*memStore)}
}

func (b *memBackend) Open(_ context.Context, run string) (checkpoint.Store, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.runs[run]
	if !ok {
		st = &memStore{data: make(map[string][]byte), backend: b}
		b.runs[run] = st
		b.order = append(b.order, run)
	}
	return st, nil
}

func (b *memBackend) Runs(context.Context) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.order...), nil
}

func (b *memBackend) Close() error { return nil }

type memStore struct {
	mu      sync.Mutex
	data    map[string][]byte
	backend *memBackend
}

func (s *memStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	return v, ok, nil
}

func (s *memStore) Put(_ context.Context, key string, value []byte) error {
	if s.backend.failKey != "" && key == s.backend.failKey {
		return s.backend.failErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = append([]byte(nil), value...)
	return nil
}

func (s *memStore) Contains(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.data[key]
	return ok, nil
}

func (s *memStore) Keys(_ context.Context, prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []string
	for k := range s.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (s *memStore) Close() error { return nil }

func titles(items []model.ClassifiedOpportunity) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.Opportunity.Title
	}
	return out
}
