package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"

	"github.com/penguintechinc/killkrill-sub000/errors"
)

// ElasticConfig configures the Elasticsearch bulk sink.
type ElasticConfig struct {
	Addresses []string `json:"addresses"`
	Username  string   `json:"username,omitempty"`
	Password  string   `json:"password,omitempty"`
	APIKey    string   `json:"api_key,omitempty"`
	// DefaultIndex receives documents without an index.
	DefaultIndex string `json:"default_index"`
	// Refresh is passed to the bulk API ("true", "false", "wait_for").
	Refresh string `json:"refresh,omitempty"`
}

// Validate checks the configuration
func (c ElasticConfig) Validate() error {
	if len(c.Addresses) == 0 {
		return errors.WrapInvalid(errors.ErrMissingConfig, "ElasticConfig", "Validate", "addresses are required")
	}
	return nil
}

// Elastic indexes documents with the bulk API using the document ID as _id,
// so re-indexing a document overwrites it.
type Elastic struct {
	cfg    ElasticConfig
	client *elasticsearch.Client
	logger *slog.Logger
}

// NewElastic creates the sink. transport may be nil for the default.
func NewElastic(cfg ElasticConfig, transport http.RoundTripper, logger *slog.Logger) (*Elastic, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.DefaultIndex == "" {
		cfg.DefaultIndex = "killkrill-events"
	}
	if logger == nil {
		logger = slog.Default().With("component", "sink", "sink", "elasticsearch")
	}
	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: cfg.Addresses,
		Username:  cfg.Username,
		Password:  cfg.Password,
		APIKey:    cfg.APIKey,
		Transport: transport,
	})
	if err != nil {
		return nil, errors.WrapInvalid(err, "Elastic", "New", "create client")
	}
	return &Elastic{cfg: cfg, client: client, logger: logger}, nil
}

// Name implements Sink
func (e *Elastic) Name() string { return "elasticsearch" }

type bulkAction struct {
	Index bulkMeta `json:"index"`
}

type bulkMeta struct {
	Index string `json:"_index"`
	ID    string `json:"_id"`
}

type bulkResponse struct {
	Errors bool `json:"errors"`
	Items  []map[string]struct {
		ID     string          `json:"_id"`
		Status int             `json:"status"`
		Error  json.RawMessage `json:"error,omitempty"`
	} `json:"items"`
}

// Write implements Sink
func (e *Elastic) Write(ctx context.Context, docs []Document) error {
	var body bytes.Buffer
	enc := json.NewEncoder(&body)
	for _, d := range docs {
		index := d.Index
		if index == "" {
			index = e.cfg.DefaultIndex
		}
		if err := enc.Encode(bulkAction{Index: bulkMeta{Index: index, ID: d.ID}}); err != nil {
			return errors.WrapInvalid(err, "Elastic", "Write", "encode action")
		}
		body.Write(bytes.TrimSpace(d.Body))
		body.WriteByte('\n')
	}

	opts := []func(*esapi.BulkRequest){e.client.Bulk.WithContext(ctx)}
	if e.cfg.Refresh != "" {
		opts = append(opts, e.client.Bulk.WithRefresh(e.cfg.Refresh))
	}
	res, err := e.client.Bulk(bytes.NewReader(body.Bytes()), opts...)
	if err != nil {
		return errors.WrapTransient(err, "Elastic", "Write", "bulk request")
	}
	defer res.Body.Close()

	if res.IsError() {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		err := fmt.Errorf("bulk status %d: %s", res.StatusCode, bytes.TrimSpace(msg))
		if res.StatusCode == http.StatusTooManyRequests || res.StatusCode >= 500 {
			return errors.WrapTransient(err, "Elastic", "Write", "bulk request")
		}
		return errors.WrapInvalid(err, "Elastic", "Write", "bulk request")
	}

	var br bulkResponse
	if err := json.NewDecoder(res.Body).Decode(&br); err != nil {
		return errors.WrapTransient(err, "Elastic", "Write", "decode bulk response")
	}
	if !br.Errors {
		return nil
	}

	failed := make(map[string]error)
	for _, item := range br.Items {
		for _, r := range item {
			if r.Status >= 200 && r.Status < 300 {
				continue
			}
			failed[r.ID] = fmt.Errorf("%w: status %d: %s", errors.ErrDeliveryFailure, r.Status, r.Error)
		}
	}
	if len(failed) == 0 {
		return nil
	}
	e.logger.Warn("bulk items failed", "failed", len(failed), "batch", len(docs))
	return &WriteError{Sink: e.Name(), Failed: failed}
}

// Ping implements Pinger
func (e *Elastic) Ping(ctx context.Context) error {
	res, err := e.client.Ping(e.client.Ping.WithContext(ctx))
	if err != nil {
		return errors.WrapTransient(err, "Elastic", "Ping", "ping")
	}
	defer res.Body.Close()
	if res.IsError() {
		return errors.WrapTransient(fmt.Errorf("status %d", res.StatusCode), "Elastic", "Ping", "ping")
	}
	return nil
}

// Close implements Sink
func (e *Elastic) Close() error { return nil }
