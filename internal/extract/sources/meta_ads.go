package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"adreport/internal/ads"
	"adreport/internal/config"
	"adreport/internal/data"
	"adreport/internal/extract"
	"adreport/internal/stage"
)

const (
	metaAdsName       = "meta_ads"
	metaAdsEndpoint   = "https://graph.facebook.com"
	metaAdsAPIVersion = "v22.0"

	metaInsightFields = "campaign_name,impressions,clicks,spend,cpc,conversions,cost_per_conversion"

	// maxInsightPages stops a paging loop that never terminates.
	maxInsightPages = 500
)

type metaAdsSource struct {
	client    *ads.Client
	tokenErr  error
	endpoint  string
	version   string
	accountID string
}

func newMetaAds(ctx context.Context, cfg config.Source, deps extract.Deps) (extract.Source, error) {
	accountID := strings.TrimSpace(cfg.Options["ad_account_id"])
	if accountID == "" {
		return nil, fmt.Errorf("option ad_account_id is required (set sources.meta_ads.options.ad_account_id)")
	}
	if !strings.HasPrefix(accountID, "act_") {
		accountID = "act_" + accountID
	}

	s := &metaAdsSource{
		endpoint:  strings.TrimRight(cfg.Endpoint, "/"),
		version:   cfg.Options["api_version"],
		accountID: accountID,
	}
	if s.endpoint == "" {
		s.endpoint = metaAdsEndpoint
	}
	if s.version == "" {
		s.version = metaAdsAPIVersion
	}

	token, _, err := ads.ResolveToken("", "META_ACCESS_TOKEN")
	if err != nil {
		s.tokenErr = err
	}

	s.client, err = ads.NewClient(ctx, metaAdsName, token,
		ads.WithVerbose(deps.Verbose, deps.Logger),
		ads.WithTransport(deps.Transport),
		ads.WithBudget(ads.NewRequestBudget(0)),
	)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (s *metaAdsSource) Name() string { return metaAdsName }

type actionValue struct {
	ActionType string `json:"action_type"`
	Value      number `json:"value"`
}

type insightsPage struct {
	Data []struct {
		CampaignName      string        `json:"campaign_name"`
		Impressions       number        `json:"impressions"`
		Clicks            number        `json:"clicks"`
		Spend             number        `json:"spend"`
		CPC               number        `json:"cpc"`
		Conversions       []actionValue `json:"conversions"`
		CostPerConversion []actionValue `json:"cost_per_conversion"`
		DateStart         string        `json:"date_start"`
	} `json:"data"`
	Paging struct {
		Next string `json:"next"`
	} `json:"paging"`
}

func sumActions(actions []actionValue) float64 {
	var total float64
	for _, a := range actions {
		total += a.Value.f64()
	}
	return total
}

func (s *metaAdsSource) insightsURL(date data.ReportDate) string {
	timeRange, _ := json.Marshal(map[string]string{"since": date.String(), "until": date.String()})
	q := url.Values{}
	q.Set("level", "campaign")
	q.Set("fields", metaInsightFields)
	q.Set("time_range", string(timeRange))
	q.Set("limit", "100")
	return fmt.Sprintf("%s/%s/%s/insights?%s", s.endpoint, url.PathEscape(s.version), url.PathEscape(s.accountID), q.Encode())
}

func (s *metaAdsSource) Fetch(ctx context.Context, date data.ReportDate) ([]data.RawRecord, error) {
	if s.tokenErr != nil {
		return nil, stage.New(stage.KindSource, stage.CauseConfig, metaAdsName+" fetch", s.tokenErr)
	}

	var out []data.RawRecord
	next := s.insightsURL(date)
	for pages := 0; next != ""; pages++ {
		if pages >= maxInsightPages {
			return nil, stage.Errorf(stage.KindSource, stage.CauseUpstream, "%s fetch: more than %d insight pages", metaAdsName, maxInsightPages)
		}
		var page insightsPage
		if err := s.client.GetJSON(ctx, next, &page); err != nil {
			return nil, err
		}
		for _, row := range page.Data {
			rec := data.RawRecord{
				Channel:           metaAdsName,
				CampaignName:      row.CampaignName,
				Impressions:       row.Impressions.i64(),
				Clicks:            row.Clicks.i64(),
				Spend:             row.Spend.f64(),
				CPC:               row.CPC.f64(),
				Conversions:       sumActions(row.Conversions),
				CostPerConversion: sumActions(row.CostPerConversion),
				Date:              date,
			}
			if row.DateStart != "" {
				d, err := data.ParseReportDate(row.DateStart)
				if err != nil {
					return nil, stage.New(stage.KindSource, stage.CauseDecode, metaAdsName+" fetch", err)
				}
				rec.Date = d
			}
			out = append(out, rec)
		}
		next = page.Paging.Next
	}
	return out, nil
}

func init() {
	extract.Register(extract.Registration{
		Name:        metaAdsName,
		Description: "Meta (Facebook/Instagram) campaign insights via the Graph API",
		EnvKeys:     []string{"META_ACCESS_TOKEN"},
		Factory:     newMetaAds,
	})
}
