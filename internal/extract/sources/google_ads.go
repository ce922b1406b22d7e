package sources

import (
	"context"
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
	googleAdsName       = "google_ads"
	googleAdsEndpoint   = "https://googleads.googleapis.com"
	googleAdsAPIVersion = "v21"

	// Money fields in the Google Ads API are expressed in micros.
	micros = 1_000_000
)

type googleAdsSource struct {
	client     *ads.Client
	tokenErr   error
	endpoint   string
	version    string
	customerID string
}

func newGoogleAds(ctx context.Context, cfg config.Source, deps extract.Deps) (extract.Source, error) {
	customerID := strings.ReplaceAll(strings.TrimSpace(cfg.Options["customer_id"]), "-", "")
	if customerID == "" {
		return nil, fmt.Errorf("option customer_id is required (set sources.google_ads.options.customer_id)")
	}

	s := &googleAdsSource{
		endpoint:   strings.TrimRight(cfg.Endpoint, "/"),
		version:    cfg.Options["api_version"],
		customerID: customerID,
	}
	if s.endpoint == "" {
		s.endpoint = googleAdsEndpoint
	}
	if s.version == "" {
		s.version = googleAdsAPIVersion
	}

	devToken, _, err := ads.ResolveToken(cfg.Options["developer_token"], "GOOGLE_ADS_DEVELOPER_TOKEN")
	if err != nil {
		s.tokenErr = fmt.Errorf("developer token: %w", err)
	}
	token, _, err := ads.ResolveToken("", "GOOGLE_ADS_ACCESS_TOKEN")
	if err != nil && s.tokenErr == nil {
		s.tokenErr = fmt.Errorf("access token: %w", err)
	}

	opts := []ads.Option{
		ads.WithVerbose(deps.Verbose, deps.Logger),
		ads.WithTransport(deps.Transport),
		ads.WithBudget(ads.NewRequestBudget(0)),
		ads.WithHeader("developer-token", devToken),
	}
	if login := strings.ReplaceAll(strings.TrimSpace(cfg.Options["login_customer_id"]), "-", ""); login != "" {
		opts = append(opts, ads.WithHeader("login-customer-id", login))
	}
	s.client, err = ads.NewClient(ctx, googleAdsName, token, opts...)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (s *googleAdsSource) Name() string { return googleAdsName }

type searchStreamBatch struct {
	Results []struct {
		Campaign struct {
			Name string `json:"name"`
		} `json:"campaign"`
		Metrics struct {
			Impressions       number `json:"impressions"`
			Clicks            number `json:"clicks"`
			CostMicros        number `json:"costMicros"`
			AverageCPC        number `json:"averageCpc"`
			Conversions       number `json:"conversions"`
			CostPerConversion number `json:"costPerConversion"`
		} `json:"metrics"`
	} `json:"results"`
}

func (s *googleAdsSource) query(date data.ReportDate) string {
	return fmt.Sprintf(`SELECT campaign.name, metrics.impressions, metrics.clicks, metrics.cost_micros, `+
		`metrics.average_cpc, metrics.conversions, metrics.cost_per_conversion `+
		`FROM campaign WHERE segments.date = '%s' AND campaign.status = 'ENABLED' ORDER BY campaign.name`, date)
}

func (s *googleAdsSource) Fetch(ctx context.Context, date data.ReportDate) ([]data.RawRecord, error) {
	if s.tokenErr != nil {
		return nil, stage.New(stage.KindSource, stage.CauseConfig, googleAdsName+" fetch", s.tokenErr)
	}

	u := fmt.Sprintf("%s/%s/customers/%s/googleAds:searchStream", s.endpoint, url.PathEscape(s.version), url.PathEscape(s.customerID))
	var batches []searchStreamBatch
	if err := s.client.PostJSON(ctx, u, map[string]string{"query": s.query(date)}, &batches); err != nil {
		return nil, err
	}

	var out []data.RawRecord
	for _, b := range batches {
		for _, r := range b.Results {
			out = append(out, data.RawRecord{
				Channel:           googleAdsName,
				CampaignName:      r.Campaign.Name,
				Impressions:       r.Metrics.Impressions.i64(),
				Clicks:            r.Metrics.Clicks.i64(),
				Spend:             r.Metrics.CostMicros.f64() / micros,
				CPC:               r.Metrics.AverageCPC.f64() / micros,
				Conversions:       r.Metrics.Conversions.f64(),
				CostPerConversion: r.Metrics.CostPerConversion.f64() / micros,
				Date:              date,
			})
		}
	}
	return out, nil
}

func init() {
	extract.Register(extract.Registration{
		Name:        googleAdsName,
		Description: "Google Ads campaign metrics via googleAds:searchStream (GAQL)",
		EnvKeys:     []string{"GOOGLE_ADS_DEVELOPER_TOKEN", "GOOGLE_ADS_ACCESS_TOKEN"},
		Factory:     newGoogleAds,
	})
}
