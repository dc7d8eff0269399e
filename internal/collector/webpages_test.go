package collector

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/tender-monitor/internal/ai"
	"github.com/sells-group/tender-monitor/internal/model"
)

const seedHTML = `<html><head><title>Eventi</title></head><body>
<nav><a href="/privacy">Privacy</a><a href="/login">Accedi</a><a href="/events">Eventi</a></nav>
<main>
  <h1>Calendario eventi digitali</h1>
  <p>Tutti gli appuntamenti su intelligenza artificiale, cloud e dati in Italia.</p>
  <ul>
    <li><a href="/events/ai-week">AI Week 2026</a></li>
    <li><a href="/events/cloud-day">Cloud Day</a></li>
    <li><a href="https://www.linkedin.com/company/eventi">LinkedIn</a></li>
    <li><a href="/files/programma.pdf">Programma</a></li>
  </ul>
</main>
</body></html>`

const aiWeekHTML = `<html><head><title>AI Week 2026</title></head><body>
<h1>AI Week 2026</h1>
<p>La settimana dell'intelligenza artificiale torna a Milano il 12 maggio 2026 con workshop, keynote e casi d'uso.</p>
</body></html>`

const cloudDayHTML = `<html><head><title>Cloud Day</title></head><body>
<h1>Cloud Day</h1>
<p>Una giornata dedicata a migrazione cloud, FinOps e piattaforme dati per la pubblica amministrazione.</p>
</body></html>`

func newSite(t *testing.T) *httptest.Server {
	t.Helper()
	pages := map[string]string{
		"/events":           seedHTML,
		"/events/ai-week":   aiWeekHTML,
		"/events/cloud-day": cloudDayHTML,
		"/short":            `<html><body><p>Coming soon</p></body></html>`,
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, ok := pages[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

// siteGenerator plays the model for the pages served by newSite.
func siteGenerator(base string, discovered ...string) *scriptedGenerator {
	return &scriptedGenerator{answer: func(req ai.Request) (string, error) {
		switch {
		case strings.HasSuffix(req.Name, ".discover"):
			var urls []string
			for _, u := range discovered {
				urls = append(urls, fmt.Sprintf(`{"url": %q, "reason": "single event"}`, u))
			}
			return `{"urls": [` + strings.Join(urls, ",") + `]}`, nil
		case strings.Contains(req.Prompt, "/events/ai-week"):
			return `{"items": [
				{"type": "event", "title": "AI Week 2026", "description": "Conferenza sull'intelligenza artificiale",
				 "date": "2026-05-12", "authority": null, "estimated_value": null, "location": "Milano",
				 "country": "it", "url": null, "requirements": ["Registrazione online"]},
				{"type": "not_relevant", "title": "Newsletter"}
			]}`, nil
		case strings.Contains(req.Prompt, "/events/cloud-day"):
			return `{"items": [
				{"type": "event", "title": "Cloud Day", "date": "2026-04-02", "authority": "Cloud Italia",
				 "country": "Italia", "url": "https://cloudday.example/2026"}
			]}`, nil
		case strings.Contains(req.Prompt, base+"/events"):
			return `{"items": [{"title": "Calendario eventi digitali", "date": null}]}`, nil
		}
		return `{"items": []}`, nil
	}}
}

func newWebEventsForTest(t *testing.T, gen ai.Generator, seeds ...string) *WebPages {
	t.Helper()
	cfg := testConfig()
	cfg.WebEvents.SeedPages = seeds
	deps := testDeps(cfg)
	deps.Generator = gen
	c, err := NewWebEvents(deps)
	require.NoError(t, err)
	return c.(*WebPages)
}

func TestWebEvents_DiscoverThenExtract(t *testing.T) {
	srv := newSite(t)
	gen := siteGenerator(srv.URL,
		srv.URL+"/events/ai-week",
		srv.URL+"/events/cloud-day/",
		"https://hallucinated.example/event",
		srv.URL+"/events/ai-week",
	)
	c := newWebEventsForTest(t, gen, srv.URL+"/events")
	assert.Equal(t, model.SourceWebEvents, c.Source())

	items, err := c.Collect(context.Background())
	require.NoError(t, err)

	discover := gen.named(".discover")
	require.Len(t, discover, 1)
	assert.Equal(t, "web_events.discover", discover[0].Name)
	assert.Contains(t, discover[0].Prompt, srv.URL+"/events/ai-week (AI Week 2026)")
	assert.Contains(t, discover[0].Prompt, "https://www.linkedin.com/company/eventi")
	assert.NotContains(t, discover[0].Prompt, "/privacy")
	assert.NotContains(t, discover[0].Prompt, "/login")
	assert.NotContains(t, discover[0].Prompt, ".pdf")
	assert.NotContains(t, discover[0].Prompt, "- "+srv.URL+"/events\n")
	assert.Contains(t, discover[0].System, "Acme")

	// Only offered links are extracted, each once.
	extract := gen.named(".extract")
	require.Len(t, extract, 2)
	assert.Equal(t, "web_events.extract", extract[0].Name)
	assert.Contains(t, extract[0].Prompt, "Page URL: "+srv.URL+"/events/ai-week\n")
	assert.Contains(t, extract[0].Prompt, "torna a Milano")

	require.Len(t, items, 2)

	week := items[0]
	pageURL := srv.URL + "/events/ai-week"
	assert.Equal(t, "WEB-"+shortHash(pageURL, "AI Week 2026"), week.ID)
	assert.Equal(t, model.KindEvent, week.Kind)
	assert.Equal(t, model.SourceWebEvents, week.Source)
	assert.Equal(t, "Conferenza sull'intelligenza artificiale\n\n- Registrazione online", week.Description)
	assert.Equal(t, "127.0.0.1", week.Authority)
	assert.Equal(t, "IT", week.Country)
	assert.Equal(t, "Milano", week.Location)
	assert.Equal(t, pageURL, week.SourceURL)
	require.NotNil(t, week.Deadline)
	assert.Equal(t, "2026-05-12", week.Deadline.String())
	require.NotNil(t, week.PublishedAt)
	assert.Equal(t, "2026-03-01", week.PublishedAt.String())

	day := items[1]
	assert.Equal(t, "Cloud Italia", day.Authority)
	assert.Equal(t, "IT", day.Country)
	assert.Equal(t, "https://cloudday.example/2026", day.SourceURL)
}

func TestWebEvents_FallsBackToSeedPages(t *testing.T) {
	srv := newSite(t)
	gen := siteGenerator(srv.URL)
	c := newWebEventsForTest(t, gen, srv.URL+"/events")

	items, err := c.Collect(context.Background())
	require.NoError(t, err)

	extract := gen.named(".extract")
	require.Len(t, extract, 1)
	assert.Contains(t, extract[0].Prompt, "Page URL: "+srv.URL+"/events\n")
	require.Len(t, items, 1)
	assert.Equal(t, "Calendario eventi digitali", items[0].Title)
	assert.Equal(t, model.KindEvent, items[0].Kind)
	assert.Nil(t, items[0].Deadline)
}

func TestWebEvents_ShortPagesAreSkipped(t *testing.T) {
	srv := newSite(t)
	gen := siteGenerator(srv.URL)
	c := newWebEventsForTest(t, gen, srv.URL+"/short")

	items, err := c.Collect(context.Background())
	require.NoError(t, err)
	assert.Empty(t, items)
	assert.Empty(t, gen.named(".extract"))
}

func TestWebEvents_MaxPages(t *testing.T) {
	srv := newSite(t)
	gen := siteGenerator(srv.URL, srv.URL+"/events/ai-week", srv.URL+"/events/cloud-day")
	c := newWebEventsForTest(t, gen, srv.URL+"/events")
	c.cfg.MaxPages = 1

	items, err := c.Collect(context.Background())
	require.NoError(t, err)
	assert.Len(t, gen.named(".extract"), 1)
	require.Len(t, items, 1)
	assert.Equal(t, "AI Week 2026", items[0].Title)
}

func TestWebEvents_UnreachableSeeds(t *testing.T) {
	srv := newSite(t)
	gen := siteGenerator(srv.URL)
	c := newWebEventsForTest(t, gen, srv.URL+"/missing", srv.URL+"/gone")

	_, err := c.Collect(context.Background())
	assert.Error(t, err)
	assert.Empty(t, gen.requests)
}

func TestWebEvents_NoSeeds(t *testing.T) {
	gen := siteGenerator("")
	c := newWebEventsForTest(t, gen)

	items, err := c.Collect(context.Background())
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestWebTenders_UsesTenderProfile(t *testing.T) {
	srv := newSite(t)
	gen := siteGenerator(srv.URL)
	cfg := testConfig()
	cfg.WebTenders.SeedPages = []string{srv.URL + "/events"}
	deps := testDeps(cfg)
	deps.Generator = gen

	c, err := NewWebTenders(deps)
	require.NoError(t, err)
	assert.Equal(t, model.SourceWebTenders, c.Source())

	items, err := c.Collect(context.Background())
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, model.KindTender, items[0].Kind)
	assert.True(t, strings.HasPrefix(items[0].ID, "REG-"))
	assert.Equal(t, "web_tenders.extract", gen.named(".extract")[0].Name)
}
