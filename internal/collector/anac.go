package collector

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/tender-monitor/internal/config"
	"github.com/sells-group/tender-monitor/internal/fetcher"
	"github.com/sells-group/tender-monitor/internal/model"
)

// ErrTooLarge is returned when a bulk file exceeds the download limit.
var ErrTooLarge = eris.New("anac: file exceeds download limit")

type ckanPackage struct {
	Success bool `json:"success"`
	Result  struct {
		Resources []struct {
			URL          string `json:"url"`
			Format       string `json:"format"`
			LastModified string `json:"last_modified"`
		} `json:"resources"`
	} `json:"result"`
}

type ocdsRelease struct {
	OCID  string `json:"ocid"`
	Date  string `json:"date"`
	Buyer struct {
		Name string `json:"name"`
	} `json:"buyer"`
	Tender struct {
		Title       string `json:"title"`
		Description string `json:"description"`
		Value       struct {
			Amount   *float64 `json:"amount"`
			Currency string   `json:"currency"`
		} `json:"value"`
		TenderPeriod struct {
			StartDate string `json:"startDate"`
			EndDate   string `json:"endDate"`
		} `json:"tenderPeriod"`
		Items []struct {
			Description    string `json:"description"`
			Classification struct {
				ID          string `json:"id"`
				Description string `json:"description"`
			} `json:"classification"`
		} `json:"items"`
	} `json:"tender"`
}

func (r *ocdsRelease) cpvCodes() []string {
	var codes []string
	for _, it := range r.Tender.Items {
		if it.Classification.ID != "" {
			codes = append(codes, it.Classification.ID)
		}
	}
	return codes
}

func (r *ocdsRelease) publishedAt() *model.Date {
	if d := model.ParseDatePtr(r.Tender.TenderPeriod.StartDate); d != nil {
		return d
	}
	return model.ParseDatePtr(r.Date)
}

// ANAC streams the Italian OCDS bulk open data published by ANAC.
type ANAC struct {
	cfg   config.ANACConfig
	scope config.ScopeConfig
	fetch fetcher.Fetcher
	now   func() time.Time
}

// NewANAC is the ANAC factory.
func NewANAC(d Deps) (Collector, error) {
	if d.Fetcher == nil {
		return nil, eris.New("anac: fetcher is required")
	}
	return &ANAC{cfg: d.Config.ANAC, scope: d.Config.Scope, fetch: d.Fetcher, now: d.now()}, nil
}

func (a *ANAC) Source() model.Source { return model.SourceANAC }

// ReleaseURL is the public link to one OCDS release.
func ReleaseURL(ocid string) string {
	return "https://dati.anticorruzione.it/opendata/ocds_it?ocid=" + url.QueryEscape(ocid)
}

func (a *ANAC) Collect(ctx context.Context) ([]model.Opportunity, error) {
	log := zap.L().With(zap.String("source", string(model.SourceANAC)))

	year := a.now().Year()
	resources, err := a.resources(ctx, year)
	if err != nil || len(resources) == 0 {
		log.Info("anac: no resources for current year, trying previous",
			zap.Int("year", year), zap.Error(err))
		resources, err = a.resources(ctx, year-1)
	}
	if err != nil {
		return nil, err
	}
	if len(resources) == 0 {
		log.Warn("anac: no JSON resources found")
		return nil, nil
	}

	// Resources are listed chronologically; the last one is the newest dump.
	latest := resources[len(resources)-1]
	items, err := a.stream(ctx, latest)
	if err != nil {
		return nil, err
	}
	log.Info("anac: collected", zap.Int("count", len(items)), zap.String("resource", latest))
	return items, nil
}

func (a *ANAC) resources(ctx context.Context, year int) ([]string, error) {
	pattern := a.cfg.DatasetPattern
	if pattern == "" {
		pattern = "ocds-appalti-ordinari-%d"
	}
	endpoint := strings.TrimRight(a.cfg.BaseURL, "/") + "/api/3/action/package_show?id=" +
		url.QueryEscape(fmt.Sprintf(pattern, year))

	var pkg ckanPackage
	if err := a.fetch.GetJSON(ctx, endpoint, &pkg); err != nil {
		return nil, eris.Wrapf(err, "anac: package_show %d", year)
	}
	var urls []string
	for _, r := range pkg.Result.Resources {
		if strings.EqualFold(r.Format, "JSON") && r.URL != "" {
			urls = append(urls, r.URL)
		}
	}
	return urls, nil
}

// stream decodes the releases array element by element, keeping releases
// in CPV scope and inside the lookback window.
func (a *ANAC) stream(ctx context.Context, resource string) ([]model.Opportunity, error) {
	body, size, err := a.fetch.Open(ctx, resource)
	if err != nil {
		return nil, eris.Wrapf(err, "anac: open %s", resource)
	}
	defer body.Close() //nolint:errcheck

	limit := int64(a.cfg.MaxDownloadMB) << 20
	if limit > 0 && size > limit {
		return nil, eris.Wrapf(ErrTooLarge, "%s is %d MB", resource, size>>20)
	}
	var r io.Reader = body
	if limit > 0 {
		r = io.LimitReader(body, limit)
	}

	maxReleases := a.cfg.MaxReleases
	if maxReleases <= 0 {
		maxReleases = 500
	}
	since := model.DateOf(a.now()).AddDays(-a.scope.LookbackDays)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	releases, errs := fetcher.DecodeJSONArray[ocdsRelease](ctx, r, "releases")

	var out []model.Opportunity
	seen := 0
	for rel := range releases {
		seen++
		if !matchesCPV(rel.cpvCodes(), a.scope.CPVCodes) {
			continue
		}
		if pub := rel.publishedAt(); pub != nil && pub.Before(since) {
			continue
		}
		out = append(out, normalizeRelease(&rel))
		if len(out) >= maxReleases {
			zap.L().Info("anac: release cap reached", zap.Int("cap", maxReleases))
			cancel()
			break
		}
	}
	// Drain so the decoder goroutine can exit.
	for range releases {
	}

	if err := <-errs; err != nil && len(out) < maxReleases {
		if len(out) == 0 {
			return nil, eris.Wrap(err, "anac: decode releases")
		}
		// Truncated downloads still yield the releases decoded so far.
		zap.L().Warn("anac: stream ended early", zap.Int("kept", len(out)), zap.Error(err))
	}
	zap.L().Debug("anac: releases scanned", zap.Int("scanned", seen), zap.Int("matched", len(out)))
	return out, nil
}

func normalizeRelease(r *ocdsRelease) model.Opportunity {
	desc := []string{}
	if r.Tender.Description != "" {
		desc = append(desc, r.Tender.Description)
	}
	for _, it := range r.Tender.Items {
		if it.Description != "" && it.Description != r.Tender.Description {
			desc = append(desc, it.Description)
		}
		if it.Classification.Description != "" {
			desc = append(desc, "CPV: "+it.Classification.Description)
		}
	}

	currency := r.Tender.Value.Currency
	if currency == "" {
		currency = "EUR"
	}
	o := model.Opportunity{
		ID:             "ANAC-" + r.OCID,
		Title:          firstNonEmpty(r.Tender.Title, r.Tender.Description),
		Description:    strings.Join(desc, " | "),
		Kind:           model.KindTender,
		Source:         model.SourceANAC,
		Deadline:       model.ParseDatePtr(r.Tender.TenderPeriod.EndDate),
		EstimatedValue: r.Tender.Value.Amount,
		Currency:       currency,
		Authority:      r.Buyer.Name,
		Country:        "IT",
		PublishedAt:    r.publishedAt(),
		CPVCodes:       r.cpvCodes(),
	}
	if r.OCID != "" {
		o.SourceURL = ReleaseURL(r.OCID)
	}
	return o
}
