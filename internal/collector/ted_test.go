package collector

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/tender-monitor/internal/model"
)

const tedPage1 = `{
  "totalNoticeCount": 3,
  "notices": [
    {
      "publication-number": "12345-2026",
      "notice-title": {"ita": ["Servizi SAP"], "eng": ["SAP services"]},
      "description-lot": {"ita": ["Manutenzione evolutiva SAP S/4HANA"]},
      "buyer-name": {"ita": ["Comune di Milano"]},
      "buyer-country": ["ITA"],
      "deadline-receipt-tender-date-lot": ["2026-04-10+01:00"],
      "estimated-value-lot": ["150000"],
      "classification-cpv": ["72260000", "72260000", "48000000"],
      "notice-type": "cn-standard",
      "dispatch-date": "2026-02-27+01:00"
    },
    {
      "publication-number": "12000-2026",
      "notice-title": {"eng": ["Cloud hosting"]},
      "buyer-name": {"ita": ["Regione Lazio"]},
      "notice-type": "can-standard",
      "dispatch-date": "2026-02-26+01:00"
    }
  ]
}`

const tedPage2 = `{
  "totalNoticeCount": 3,
  "notices": [
    {
      "publication-number": "13000-2026",
      "notice-title": {"ita": ["Concorso di progettazione piattaforma digitale"]},
      "buyer-name": "Politecnico di Torino",
      "buyer-country": "ITA",
      "estimated-value-proc": 80000,
      "notice-type": "cn-desg",
      "dispatch-date": "2026-02-28"
    }
  ]
}`

type tedServer struct {
	mu       sync.Mutex
	requests []tedSearchRequest
	pages    map[int]string
	fail     map[int]bool
}

func (s *tedServer) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		var req tedSearchRequest
		if !assert.NoError(t, json.NewDecoder(r.Body).Decode(&req)) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		s.mu.Lock()
		s.requests = append(s.requests, req)
		s.mu.Unlock()

		if s.fail[req.Page] {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		body, ok := s.pages[req.Page]
		if !ok {
			body = `{"totalNoticeCount": 3, "notices": []}`
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}
}

func newTEDForTest(t *testing.T, s *tedServer) *TED {
	t.Helper()
	srv := httptest.NewServer(s.handler(t))
	t.Cleanup(srv.Close)

	cfg := testConfig()
	cfg.TED.SearchURL = srv.URL
	c, err := NewTED(testDeps(cfg))
	require.NoError(t, err)
	return c.(*TED)
}

func TestTED_Query(t *testing.T) {
	c := newTEDForTest(t, &tedServer{})
	q := c.Query()

	assert.Contains(t, q, "notice-type = cn-standard OR notice-type = cn-social")
	assert.Contains(t, q, "(PC = 72* OR PC = 48*)")
	assert.Contains(t, q, "(buyer-country = ITA)")
	assert.Contains(t, q, "PD >= 20260222")
}

func TestTED_CollectPaginates(t *testing.T) {
	s := &tedServer{pages: map[int]string{1: tedPage1, 2: tedPage2}}
	c := newTEDForTest(t, s)

	items, err := c.Collect(context.Background())
	require.NoError(t, err)

	require.Len(t, s.requests, 2)
	assert.Equal(t, 1, s.requests[0].Page)
	assert.Equal(t, 2, s.requests[1].Page)
	assert.Equal(t, 2, s.requests[0].Limit)
	assert.Equal(t, "ALL", s.requests[0].Scope)
	assert.Equal(t, "PAGE_NUMBER", s.requests[0].PaginationMode)
	assert.Contains(t, s.requests[0].Fields, "deadline-receipt-tender-date-lot")

	// The award notice is dropped.
	require.Len(t, items, 2)

	sap := items[0]
	assert.Equal(t, "TED-12345-2026", sap.ID)
	assert.Equal(t, "SAP services", sap.Title)
	assert.Equal(t, "Manutenzione evolutiva SAP S/4HANA", sap.Description)
	assert.Equal(t, model.KindTender, sap.Kind)
	assert.Equal(t, model.SourceTED, sap.Source)
	assert.Equal(t, "Comune di Milano", sap.Authority)
	assert.Equal(t, "ITA", sap.Country)
	assert.Equal(t, "EUR", sap.Currency)
	require.NotNil(t, sap.Deadline)
	assert.Equal(t, "2026-04-10", sap.Deadline.String())
	require.NotNil(t, sap.PublishedAt)
	assert.Equal(t, "2026-02-27", sap.PublishedAt.String())
	require.NotNil(t, sap.EstimatedValue)
	assert.InDelta(t, 150000, *sap.EstimatedValue, 0.01)
	assert.Equal(t, []string{"72260000", "48000000"}, sap.CPVCodes)
	assert.Equal(t, NoticeURL("12345-2026"), sap.SourceURL)

	design := items[1]
	assert.Equal(t, model.KindContest, design.Kind)
	assert.Equal(t, "Politecnico di Torino", design.Authority)
	assert.Nil(t, design.Deadline)
	require.NotNil(t, design.EstimatedValue)
	assert.InDelta(t, 80000, *design.EstimatedValue, 0.01)
}

func TestTED_MaxResults(t *testing.T) {
	s := &tedServer{pages: map[int]string{1: tedPage1, 2: tedPage2}}
	c := newTEDForTest(t, s)
	c.scope.MaxResults = 1

	items, err := c.Collect(context.Background())
	require.NoError(t, err)
	assert.Len(t, s.requests, 1)
	require.Len(t, items, 1)
	assert.Equal(t, "TED-12345-2026", items[0].ID)
}

func TestTED_FirstPageFailureIsFatal(t *testing.T) {
	c := newTEDForTest(t, &tedServer{fail: map[int]bool{1: true}})

	_, err := c.Collect(context.Background())
	assert.Error(t, err)
}

func TestTED_LaterPageFailureKeepsEarlierPages(t *testing.T) {
	s := &tedServer{pages: map[int]string{1: tedPage1}, fail: map[int]bool{2: true}}
	c := newTEDForTest(t, s)

	items, err := c.Collect(context.Background())
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "SAP services", items[0].Title)
}

func TestTextField(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want string
	}{
		{"nil", nil, ""},
		{"string", "  hello ", "hello"},
		{"list", []any{"first", "second"}, "first"},
		{"empty list", []any{}, ""},
		{"english preferred", map[string]any{"ita": "ciao", "eng": "hello"}, "hello"},
		{"italian fallback", map[string]any{"deu": "hallo", "ita": []any{"ciao"}}, "ciao"},
		{"first key", map[string]any{"fra": "salut", "deu": "hallo"}, "hallo"},
		{"number", float64(1250.5), "1250.5"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, textField(tt.in))
		})
	}
}

func TestNoticeClosed(t *testing.T) {
	assert.False(t, noticeClosed(map[string]any{"notice-type": "cn-standard", "notice-title": "Servizi cloud"}))
	assert.True(t, noticeClosed(map[string]any{"notice-type": "can-standard"}))
	assert.True(t, noticeClosed(map[string]any{"notice-title": "Esito di gara servizi IT"}))
	assert.False(t, noticeClosed(map[string]any{"notice-title": "Servizi IT"}))
}

func TestParseAmount(t *testing.T) {
	require.NotNil(t, parseAmount("1,250,000"))
	assert.InDelta(t, 1250000, *parseAmount("1,250,000"), 0.01)
	assert.Nil(t, parseAmount(""))
	assert.Nil(t, parseAmount("n/a"))
}
