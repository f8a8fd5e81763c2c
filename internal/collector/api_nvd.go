package collector

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/newsdesk/internal/ingest"
)

const (
	defaultNVDBaseURL = "https://services.nvd.nist.gov/rest/json/cves/2.0"
	nvdDetailURL      = "https://nvd.nist.gov/vuln/detail/"
	nvdMaxPageSize    = 2000
	nvdMaxWindow      = 120 * 24 * time.Hour
	nvdTimeLayout     = "2006-01-02T15:04:05.000"
	nvdQueryLayout    = "2006-01-02T15:04:05.000Z"
)

type nvdClient struct {
	http   *httpClient
	clock  ingest.Clock
	apiKey string
	logger *zap.Logger
}

type nvdPage struct {
	ResultsPerPage  int `json:"resultsPerPage"`
	StartIndex      int `json:"startIndex"`
	TotalResults    int `json:"totalResults"`
	Vulnerabilities []struct {
		CVE nvdCVE `json:"cve"`
	} `json:"vulnerabilities"`
}

type nvdCVE struct {
	ID           string          `json:"id"`
	Published    string          `json:"published"`
	Descriptions []nvdLangString `json:"descriptions"`
	Metrics      struct {
		V31 []nvdMetric `json:"cvssMetricV31"`
		V30 []nvdMetric `json:"cvssMetricV30"`
		V2  []nvdMetric `json:"cvssMetricV2"`
	} `json:"metrics"`
	Weaknesses []struct {
		Description []nvdLangString `json:"description"`
	} `json:"weaknesses"`
}

type nvdLangString struct {
	Lang  string `json:"lang"`
	Value string `json:"value"`
}

type nvdMetric struct {
	CVSSData struct {
		BaseScore float64 `json:"baseScore"`
	} `json:"cvssData"`
}

// collect pages through the CVE API. After a successful sync only CVEs
// modified since then are requested. A failed page ends the run with
// whatever was collected so far; a failed first page is an error.
func (c *nvdClient) collect(ctx context.Context, source ingest.Source) ([]ingest.Record, error) {
	base := source.URL
	if base == "" {
		base = defaultNVDBaseURL
	}
	limit := maxItems(source)
	pageSize := min(limit, nvdMaxPageSize)
	var headers http.Header
	if c.apiKey != "" {
		headers = http.Header{"apiKey": {c.apiKey}}
	}

	var records []ingest.Record
	for start := 0; len(records) < limit; {
		endpoint, err := c.pageURL(base, source, start, pageSize)
		if err != nil {
			return nil, err
		}
		var page nvdPage
		if err := c.http.getJSON(ctx, endpoint, headers, &page); err != nil {
			if len(records) == 0 {
				return nil, fmt.Errorf("nvd page %d: %w", start, err)
			}
			c.logger.Warn("nvd paging stopped early", zap.Int("start_index", start), zap.Error(err))
			break
		}
		for _, v := range page.Vulnerabilities {
			if len(records) >= limit {
				break
			}
			if v.CVE.ID == "" {
				continue
			}
			records = append(records, c.toRecord(source, v.CVE))
		}
		start += len(page.Vulnerabilities)
		if len(page.Vulnerabilities) == 0 || start >= page.TotalResults {
			break
		}
	}
	return records, nil
}

func (c *nvdClient) pageURL(base string, source ingest.Source, start, size int) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse nvd url: %w", err)
	}
	q := u.Query()
	q.Set("resultsPerPage", strconv.Itoa(size))
	q.Set("startIndex", strconv.Itoa(start))
	now := c.clock.Now().UTC()
	if source.LastSyncAt != nil && now.Sub(*source.LastSyncAt) < nvdMaxWindow {
		q.Set("lastModStartDate", source.LastSyncAt.UTC().Format(nvdQueryLayout))
		q.Set("lastModEndDate", now.Format(nvdQueryLayout))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *nvdClient) toRecord(source ingest.Source, cve nvdCVE) ingest.Record {
	rec := newRecord(source, nvdDetailURL+cve.ID, cve.ID)
	rec.Body = englishValue(cve.Descriptions)
	rec.Severity = ingest.SeverityFromScore(baseScore(cve))
	if published, err := time.Parse(nvdTimeLayout, cve.Published); err == nil {
		rec.PublishedAt = published.UTC()
	} else {
		rec.PublishedAt = c.clock.Now()
	}
	seen := make(map[string]struct{})
	for _, w := range cve.Weaknesses {
		for _, d := range w.Description {
			value := strings.TrimSpace(d.Value)
			if !strings.HasPrefix(value, "CWE-") {
				continue
			}
			if _, dup := seen[value]; dup {
				continue
			}
			seen[value] = struct{}{}
			rec.Tags = append(rec.Tags, value)
		}
	}
	return rec
}

// baseScore prefers CVSS v3.1, then v3.0, then v2.
func baseScore(cve nvdCVE) float64 {
	for _, metrics := range [][]nvdMetric{cve.Metrics.V31, cve.Metrics.V30, cve.Metrics.V2} {
		if len(metrics) > 0 {
			return metrics[0].CVSSData.BaseScore
		}
	}
	return 0
}

func englishValue(values []nvdLangString) string {
	for _, v := range values {
		if v.Lang == "en" {
			return strings.TrimSpace(v.Value)
		}
	}
	if len(values) > 0 {
		return strings.TrimSpace(values[0].Value)
	}
	return ""
}
