package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	"github.com/therealutkarshpriyadarshi/spanship/pkg/types"
)

// ElasticsearchConfig contains Elasticsearch-specific configuration
type ElasticsearchConfig struct {
	// Addresses is the list of Elasticsearch node URLs
	Addresses []string `yaml:"addresses"`

	// Index receives one document per span
	Index string `yaml:"index"`

	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
	CloudID  string `yaml:"cloud_id,omitempty"`
	APIKey   string `yaml:"api_key,omitempty"`

	// Timeout bounds a single index request
	Timeout time.Duration `yaml:"timeout,omitempty"`
}

// DefaultElasticsearchConfig returns default Elasticsearch configuration
func DefaultElasticsearchConfig() ElasticsearchConfig {
	return ElasticsearchConfig{
		Addresses: []string{"http://localhost:9200"},
		Index:     "spans",
		Timeout:   10 * time.Second,
	}
}

// ElasticsearchSink indexes each span as a document whose ID is the
// delivery ID, so a re-delivered span overwrites instead of duplicating
type ElasticsearchSink struct {
	config ElasticsearchConfig
	client *elasticsearch.Client
	closed atomic.Bool
}

type spanDocument struct {
	Timestamp time.Time  `json:"@timestamp"`
	Source    string     `json:"source"`
	Offset    uint64     `json:"offset"`
	Line      string     `json:"line,omitempty"`
	Span      types.Span `json:"span"`
}

// NewElasticsearchSink creates a new Elasticsearch sink and checks the
// cluster is reachable
func NewElasticsearchSink(config ElasticsearchConfig) (*ElasticsearchSink, error) {
	if len(config.Addresses) == 0 && config.CloudID == "" {
		return nil, fmt.Errorf("no addresses or cloud ID specified")
	}

	if config.Index == "" {
		return nil, fmt.Errorf("no index specified")
	}

	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: config.Addresses,
		CloudID:   config.CloudID,
		Username:  config.Username,
		Password:  config.Password,
		APIKey:    config.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Elasticsearch client: %w", err)
	}

	res, err := client.Info()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Elasticsearch: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return nil, fmt.Errorf("elasticsearch returned error: %s", res.Status())
	}

	return &ElasticsearchSink{
		config: config,
		client: client,
	}, nil
}

// Deliver indexes one span
func (e *ElasticsearchSink) Deliver(ctx context.Context, rec *types.SpanRecord) error {
	if e.closed.Load() {
		return ErrClosed
	}

	ts, ok := rec.Span.Time()
	if !ok {
		ts = time.Now()
	}

	doc, err := json.Marshal(spanDocument{
		Timestamp: ts.UTC(),
		Source:    rec.Source,
		Offset:    rec.Offset,
		Line:      rec.Line,
		Span:      rec.Span,
	})
	if err != nil {
		return Permanent(fmt.Errorf("failed to marshal document: %w", err))
	}

	req := esapi.IndexRequest{
		Index:      e.config.Index,
		DocumentID: rec.ID,
		Body:       bytes.NewReader(doc),
		Refresh:    "false",
	}

	timeout := e.config.Timeout
	if timeout <= 0 {
		timeout = DefaultElasticsearchConfig().Timeout
	}
	reqCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	res, err := req.Do(reqCtx, e.client)
	if err != nil {
		return fmt.Errorf("failed to index document: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		if res.StatusCode == http.StatusTooManyRequests || res.StatusCode >= 500 {
			return fmt.Errorf("elasticsearch returned error: %s", res.Status())
		}
		return Permanent(fmt.Errorf("elasticsearch rejected document: %s", res.Status()))
	}

	return nil
}

// Name returns the sink name
func (e *ElasticsearchSink) Name() string {
	return "elasticsearch"
}

// Close closes the sink
func (e *ElasticsearchSink) Close() error {
	e.closed.Store(true)
	return nil
}
