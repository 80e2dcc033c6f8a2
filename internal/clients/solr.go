package clients

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ranierigmusella/ckan-docker/internal/orchestrator"
)

// SolrClient checks that the Solr core CKAN searches is reachable.
type SolrClient struct {
	baseURL string
	httpDo  func(req *http.Request) (*http.Response, error)
}

// NewSolrClient constructs a SolrClient for the core at baseURL, e.g.
// http://solr:8983/solr/ckan. No request is made at construction time.
func NewSolrClient(baseURL string) *SolrClient {
	client := &http.Client{Timeout: 30 * time.Second}
	return &SolrClient{
		baseURL: baseURL,
		httpDo:  client.Do,
	}
}

// Endpoint describes the search index this client talks to.
func (c *SolrClient) Endpoint() orchestrator.Endpoint {
	return orchestrator.Endpoint{Kind: orchestrator.KindSearch, Target: c.baseURL}
}

// Probe issues a match-all select query. Any HTTP response counts as ready,
// whatever its status or body; only a transport error fails the probe.
func (c *SolrClient) Probe(ctx context.Context) orchestrator.ProbeResult {
	start := time.Now()
	err := c.selectAll(ctx)
	return probeResult(string(orchestrator.KindSearch), start, err)
}

func (c *SolrClient) selectAll(ctx context.Context) error {
	url := fmt.Sprintf("%s/select/?q=*&wt=json", c.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("building probe request: %w", err)
	}

	resp, err := c.httpDo(req)
	if err != nil {
		return fmt.Errorf("probe request: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body) //nolint:errcheck

	return nil
}
