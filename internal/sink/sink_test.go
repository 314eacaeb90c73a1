package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/therealutkarshpriyadarshi/spanship/internal/metrics"
	"github.com/therealutkarshpriyadarshi/spanship/internal/reliability"
	"github.com/therealutkarshpriyadarshi/spanship/pkg/types"
)

func testRecord() *types.SpanRecord {
	return &types.SpanRecord{
		ID:     "5b3c1d7e-0000-5000-8000-000000000001",
		Source: "/var/log/nabu/a/trace.log",
		Offset: 42,
		Line:   "T1\tN1\tN2\tTH1\t1700000000000000000\tx\tSTART\ty\n",
		Span: types.Span{
			TraceID:    "T1",
			NodeID:     "N1",
			PeerNodeID: "N2",
			ThreadID:   "TH1",
			Timestamp:  "1700000000000000000",
			EventType:  "START",
		},
	}
}

func TestHTTPSinkDeliver(t *testing.T) {
	var (
		mu      sync.Mutex
		gotBody map[string]interface{}
		gotID   string
		gotPath string
	)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		gotPath = r.URL.Path
		gotID = r.Header.Get("X-Delivery-ID")
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	s, err := NewHTTPSink(HTTPConfig{Endpoint: server.URL + "/v3/buildspan"})
	if err != nil {
		t.Fatalf("Failed to create sink: %v", err)
	}
	defer s.Close()

	rec := testRecord()
	if err := s.Deliver(context.Background(), rec); err != nil {
		t.Fatalf("Failed to deliver: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()

	if gotPath != "/v3/buildspan" {
		t.Errorf("path = %s, want /v3/buildspan", gotPath)
	}
	if gotID != rec.ID {
		t.Errorf("X-Delivery-ID = %s, want %s", gotID, rec.ID)
	}
	for key, want := range map[string]string{
		"traceId":    "T1",
		"nodeId":     "N1",
		"peerNodeId": "N2",
		"threadId":   "TH1",
		"timestamp":  "1700000000000000000",
		"eventType":  "START",
	} {
		if gotBody[key] != want {
			t.Errorf("body[%s] = %v, want %s", key, gotBody[key], want)
		}
	}
}

func TestHTTPSinkStatusClassification(t *testing.T) {
	tests := []struct {
		status    int
		wantErr   bool
		permanent bool
	}{
		{http.StatusOK, false, false},
		{http.StatusNoContent, false, false},
		{http.StatusBadRequest, true, true},
		{http.StatusNotFound, true, true},
		{http.StatusTooManyRequests, true, false},
		{http.StatusInternalServerError, true, false},
		{http.StatusServiceUnavailable, true, false},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			s, err := NewHTTPSink(HTTPConfig{Endpoint: server.URL})
			if err != nil {
				t.Fatalf("Failed to create sink: %v", err)
			}

			err = s.Deliver(context.Background(), testRecord())
			if (err != nil) != tt.wantErr {
				t.Fatalf("Deliver() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && reliability.IsPermanent(err) != tt.permanent {
				t.Errorf("IsPermanent = %v, want %v", reliability.IsPermanent(err), tt.permanent)
			}
		})
	}
}

func TestHTTPSinkUnreachable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	endpoint := server.URL
	server.Close()

	s, err := NewHTTPSink(HTTPConfig{Endpoint: endpoint, Timeout: time.Second})
	if err != nil {
		t.Fatalf("Failed to create sink: %v", err)
	}

	err = s.Deliver(context.Background(), testRecord())
	if err == nil {
		t.Fatal("expected error for unreachable collector")
	}
	if reliability.IsPermanent(err) {
		t.Error("connection failures should be retryable")
	}
}

func TestHTTPSinkConfigValidation(t *testing.T) {
	for _, endpoint := range []string{"", "ftp://example.com/x", "://bad"} {
		if _, err := NewHTTPSink(HTTPConfig{Endpoint: endpoint}); err == nil {
			t.Errorf("NewHTTPSink(%q) expected error", endpoint)
		}
	}
}

func TestHTTPSinkClosed(t *testing.T) {
	s, err := NewHTTPSink(DefaultHTTPConfig())
	if err != nil {
		t.Fatalf("Failed to create sink: %v", err)
	}
	s.Close()
	s.Close()

	if err := s.Deliver(context.Background(), testRecord()); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func TestKafkaSinkDeliver(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var rec types.SpanRecord
		if err := json.Unmarshal(val, &rec); err != nil {
			return err
		}
		if rec.Span.TraceID != "T1" || rec.Offset != 42 {
			return errors.New("unexpected record in message value")
		}
		return nil
	})

	s := NewKafkaSinkWithProducer(DefaultKafkaConfig(), producer)
	if err := s.Deliver(context.Background(), testRecord()); err != nil {
		t.Fatalf("Failed to deliver: %v", err)
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Failed to close: %v", err)
	}
}

func TestKafkaSinkFailure(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
	producer.ExpectSendMessageAndFail(sarama.ErrMessageSizeTooLarge)

	s := NewKafkaSinkWithProducer(DefaultKafkaConfig(), producer)
	defer s.Close()

	err := s.Deliver(context.Background(), testRecord())
	if !errors.Is(err, sarama.ErrOutOfBrokers) {
		t.Errorf("expected ErrOutOfBrokers, got %v", err)
	}
	if reliability.IsPermanent(err) {
		t.Error("broker unavailability should be retryable")
	}

	err = s.Deliver(context.Background(), testRecord())
	if !reliability.IsPermanent(err) {
		t.Errorf("oversized message should be permanent, got %v", err)
	}
}

func TestKafkaBuildMessage(t *testing.T) {
	s := NewKafkaSinkWithProducer(DefaultKafkaConfig(), nil)

	rec := testRecord()
	msg, err := s.buildMessage(rec)
	if err != nil {
		t.Fatalf("Failed to build message: %v", err)
	}

	if msg.Topic != "spans" {
		t.Errorf("topic = %s, want spans", msg.Topic)
	}
	if key, _ := msg.Key.Encode(); string(key) != "T1" {
		t.Errorf("key = %s, want T1", key)
	}

	headers := make(map[string]string)
	for _, h := range msg.Headers {
		headers[string(h.Key)] = string(h.Value)
	}
	if headers["delivery-id"] != rec.ID {
		t.Errorf("delivery-id header = %s, want %s", headers["delivery-id"], rec.ID)
	}
	if headers["offset"] != "42" {
		t.Errorf("offset header = %s, want 42", headers["offset"])
	}

	// Unparseable lines have no trace ID and fall back to the source path
	rec.Span = types.Span{}
	msg, _ = s.buildMessage(rec)
	if key, _ := msg.Key.Encode(); string(key) != rec.Source {
		t.Errorf("key = %s, want %s", key, rec.Source)
	}
}

func TestKafkaConfigValidation(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*KafkaConfig)
	}{
		{"no brokers", func(c *KafkaConfig) { c.Brokers = nil }},
		{"no topic", func(c *KafkaConfig) { c.Topic = "" }},
		{"bad version", func(c *KafkaConfig) { c.Version = "not-a-version" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultKafkaConfig()
			tt.modify(&cfg)
			if _, err := newSaramaConfig(cfg); err == nil {
				t.Error("expected validation error")
			}
		})
	}

	cfg := DefaultKafkaConfig()
	cfg.Idempotent = true
	sc, err := newSaramaConfig(cfg)
	if err != nil {
		t.Fatalf("idempotent config rejected: %v", err)
	}
	if sc.Net.MaxOpenRequests != 1 || sc.Producer.RequiredAcks != sarama.WaitForAll {
		t.Error("idempotent producer should wait for all replicas with one in-flight request")
	}
}

func TestRedisStreamArgs(t *testing.T) {
	cfg := DefaultRedisConfig()
	cfg.MaxLen = 1000

	args := streamArgs(cfg, testRecord())

	if args.Stream != "spanship:spans" {
		t.Errorf("stream = %s, want spanship:spans", args.Stream)
	}
	if args.MaxLen != 1000 || !args.Approx {
		t.Errorf("MaxLen = %d Approx = %v, want approximate trim to 1000", args.MaxLen, args.Approx)
	}

	values, ok := args.Values.(map[string]interface{})
	if !ok {
		t.Fatalf("Values has type %T", args.Values)
	}
	if values["traceId"] != "T1" || values["eventType"] != "START" {
		t.Errorf("unexpected values: %v", values)
	}
	if values["id"] != testRecord().ID {
		t.Errorf("id = %v, want delivery ID", values["id"])
	}
}

func TestRedisSinkIntegration(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}

	ctx := context.Background()
	cfg := DefaultRedisConfig()
	cfg.Addr = addr
	cfg.Stream = "spanship:test:" + time.Now().Format("150405.000000")

	s, err := NewRedisSink(ctx, cfg)
	if err != nil {
		t.Fatalf("Failed to create sink: %v", err)
	}
	defer s.Close()
	defer s.client.Del(ctx, cfg.Stream)

	if err := s.Deliver(ctx, testRecord()); err != nil {
		t.Fatalf("Failed to deliver: %v", err)
	}

	n, err := s.client.XLen(ctx, cfg.Stream).Result()
	if err != nil {
		t.Fatalf("Failed to read stream length: %v", err)
	}
	if n != 1 {
		t.Errorf("stream length = %d, want 1", n)
	}
}

func TestRedisSinkUnreachable(t *testing.T) {
	cfg := DefaultRedisConfig()
	cfg.Addr = "127.0.0.1:1"

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, err := NewRedisSink(ctx, cfg); err == nil {
		t.Error("expected error connecting to closed port")
	}
}

func newElasticsearchServer(t *testing.T, indexStatus int, requests *[]*http.Request) *httptest.Server {
	t.Helper()
	var mu sync.Mutex

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Elastic-Product", "Elasticsearch")
		w.Header().Set("Content-Type", "application/json")

		if r.Method == http.MethodGet && r.URL.Path == "/" {
			io.WriteString(w, `{"version":{"number":"8.11.0","build_flavor":"default"},"tagline":"You Know, for Search"}`)
			return
		}

		body, _ := io.ReadAll(r.Body)
		clone := r.Clone(context.Background())
		clone.Body = io.NopCloser(bytes.NewReader(body))

		mu.Lock()
		*requests = append(*requests, clone)
		mu.Unlock()

		w.WriteHeader(indexStatus)
		io.WriteString(w, `{"result":"created"}`)
	}))
}

func TestElasticsearchSinkDeliver(t *testing.T) {
	var requests []*http.Request
	server := newElasticsearchServer(t, http.StatusCreated, &requests)
	defer server.Close()

	s, err := NewElasticsearchSink(ElasticsearchConfig{Addresses: []string{server.URL}, Index: "spans"})
	if err != nil {
		t.Fatalf("Failed to create sink: %v", err)
	}
	defer s.Close()

	rec := testRecord()
	if err := s.Deliver(context.Background(), rec); err != nil {
		t.Fatalf("Failed to deliver: %v", err)
	}

	if len(requests) != 1 {
		t.Fatalf("expected 1 index request, got %d", len(requests))
	}
	req := requests[0]
	if req.Method != http.MethodPut {
		t.Errorf("method = %s, want PUT", req.Method)
	}
	if want := "/spans/_doc/" + rec.ID; req.URL.Path != want {
		t.Errorf("path = %s, want %s", req.URL.Path, want)
	}

	var doc map[string]interface{}
	if err := json.NewDecoder(req.Body).Decode(&doc); err != nil {
		t.Fatalf("Failed to decode document: %v", err)
	}
	if !strings.HasPrefix(doc["@timestamp"].(string), "2023-11-14T22:13:20") {
		t.Errorf("@timestamp = %v, want span time", doc["@timestamp"])
	}
}

func TestElasticsearchSinkErrors(t *testing.T) {
	tests := []struct {
		status    int
		permanent bool
	}{
		{http.StatusBadRequest, true},
		{http.StatusTooManyRequests, false},
		{http.StatusServiceUnavailable, false},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			var requests []*http.Request
			server := newElasticsearchServer(t, tt.status, &requests)
			defer server.Close()

			s, err := NewElasticsearchSink(ElasticsearchConfig{Addresses: []string{server.URL}, Index: "spans"})
			if err != nil {
				t.Fatalf("Failed to create sink: %v", err)
			}

			err = s.Deliver(context.Background(), testRecord())
			if err == nil {
				t.Fatal("expected error")
			}
			if reliability.IsPermanent(err) != tt.permanent {
				t.Errorf("IsPermanent = %v, want %v (%v)", reliability.IsPermanent(err), tt.permanent, err)
			}
		})
	}
}

func TestStdoutSink(t *testing.T) {
	var buf bytes.Buffer
	s := NewStdoutSink(&buf)

	if err := s.Deliver(context.Background(), testRecord()); err != nil {
		t.Fatalf("Failed to deliver: %v", err)
	}

	var rec types.SpanRecord
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("Failed to decode output %q: %v", buf.String(), err)
	}
	if rec.ID != testRecord().ID || rec.Span.EventType != "START" {
		t.Errorf("unexpected record: %+v", rec)
	}
}

type recordingSink struct {
	mu        sync.Mutex
	delivered []*types.SpanRecord
	err       error
}

func (r *recordingSink) Deliver(ctx context.Context, rec *types.SpanRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.delivered = append(r.delivered, rec)
	return nil
}

func (r *recordingSink) Name() string { return "recording" }
func (r *recordingSink) Close() error { return nil }

func (r *recordingSink) setErr(err error) {
	r.mu.Lock()
	r.err = err
	r.mu.Unlock()
}

func (r *recordingSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.delivered)
}

func TestRateLimited(t *testing.T) {
	inner := &recordingSink{}
	s := NewRateLimited(inner, 20, 1)

	start := time.Now()
	for i := 0; i < 3; i++ {
		if err := s.Deliver(context.Background(), testRecord()); err != nil {
			t.Fatalf("Failed to deliver: %v", err)
		}
	}

	// burst 1 at 20/s: the second and third deliveries wait ~50ms each
	if elapsed := time.Since(start); elapsed < 80*time.Millisecond {
		t.Errorf("3 deliveries took %v, expected throttling", elapsed)
	}
	if len(inner.delivered) != 3 {
		t.Errorf("delivered %d, want 3", len(inner.delivered))
	}
	if s.Name() != "recording" {
		t.Errorf("Name() = %s, want wrapped name", s.Name())
	}
}

func TestRateLimitedCanceled(t *testing.T) {
	inner := &recordingSink{}
	s := NewRateLimited(inner, 0.001, 1)

	ctx, cancel := context.WithCancel(context.Background())
	if err := s.Deliver(ctx, testRecord()); err != nil {
		t.Fatalf("first delivery should use the burst token: %v", err)
	}
	cancel()

	if err := s.Deliver(ctx, testRecord()); err == nil {
		t.Error("expected error after cancel")
	}
	if len(inner.delivered) != 1 {
		t.Errorf("delivered %d, want 1", len(inner.delivered))
	}
}

func TestBreakerHoldsDeliveries(t *testing.T) {
	collector := metrics.NewCollector()
	inner := &recordingSink{err: errors.New("connection refused")}
	s := NewBreaker(inner, BreakerConfig{Failures: 2, Cooldown: 100 * time.Millisecond}, collector)

	for i := 0; i < 2; i++ {
		if err := s.Deliver(context.Background(), testRecord()); err == nil {
			t.Fatal("expected delivery error")
		}
	}
	if s.State() != reliability.StateOpen {
		t.Fatalf("state = %v, want open", s.State())
	}

	metric := &dto.Metric{}
	if err := collector.CircuitState.WithLabelValues("recording").Write(metric); err != nil {
		t.Fatalf("Failed to write metric: %v", err)
	}
	if metric.Gauge.GetValue() != float64(reliability.StateOpen) {
		t.Errorf("circuit_state = %f, want open", metric.Gauge.GetValue())
	}

	// The next delivery waits for the cooldown instead of failing
	inner.setErr(nil)
	start := time.Now()
	if err := s.Deliver(context.Background(), testRecord()); err != nil {
		t.Fatalf("Failed to deliver after cooldown: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("delivery returned after %v, expected it to wait for the cooldown", elapsed)
	}
	if inner.count() != 1 {
		t.Errorf("delivered %d, want 1", inner.count())
	}
	if s.State() != reliability.StateClosed {
		t.Errorf("state = %v, want closed", s.State())
	}
}

func TestBreakerWaitCanceled(t *testing.T) {
	inner := &recordingSink{err: errors.New("connection refused")}
	s := NewBreaker(inner, BreakerConfig{Failures: 1, Cooldown: time.Minute}, nil)

	_ = s.Deliver(context.Background(), testRecord())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := s.Deliver(ctx, testRecord()); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected the wait to end with ctx, got %v", err)
	}
}

func TestBreakerIgnoresRejections(t *testing.T) {
	inner := &recordingSink{err: reliability.Permanent(errors.New("400 bad request"))}
	s := NewBreaker(inner, BreakerConfig{Failures: 1, Cooldown: time.Minute}, nil)

	for i := 0; i < 3; i++ {
		if err := s.Deliver(context.Background(), testRecord()); !reliability.IsPermanent(err) {
			t.Fatalf("expected the permanent error back, got %v", err)
		}
	}
	if s.State() != reliability.StateClosed {
		t.Errorf("state = %v, want closed", s.State())
	}
}

func TestInstrumented(t *testing.T) {
	collector := metrics.NewCollector()
	inner := &recordingSink{}
	s := NewInstrumented(inner, collector)

	_ = s.Deliver(context.Background(), testRecord())
	_ = s.Deliver(context.Background(), testRecord())
	inner.err = errors.New("down")
	_ = s.Deliver(context.Background(), testRecord())

	metric := &dto.Metric{}
	if err := collector.SpansDelivered.WithLabelValues("recording").(prometheus.Counter).Write(metric); err != nil {
		t.Fatalf("Failed to write metric: %v", err)
	}
	if metric.Counter.GetValue() != 2 {
		t.Errorf("delivered = %f, want 2", metric.Counter.GetValue())
	}

	if err := collector.DeliverFailures.WithLabelValues("recording").(prometheus.Counter).Write(metric); err != nil {
		t.Fatalf("Failed to write metric: %v", err)
	}
	if metric.Counter.GetValue() != 1 {
		t.Errorf("failures = %f, want 1", metric.Counter.GetValue())
	}

	_ = s.Deliver(context.Background(), testRecord())
	if n := s.ConsecutiveFailures(); n != 2 {
		t.Errorf("ConsecutiveFailures() = %d, want 2", n)
	}
	inner.err = nil
	_ = s.Deliver(context.Background(), testRecord())
	if n := s.ConsecutiveFailures(); n != 0 {
		t.Errorf("ConsecutiveFailures() = %d after success, want 0", n)
	}
}

func TestNewFactory(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Type = "stdout"
	cfg.RateLimit = 100
	cfg.CircuitBreaker = BreakerConfig{Failures: 3, Cooldown: time.Second}

	s, err := New(context.Background(), cfg, metrics.NewCollector())
	if err != nil {
		t.Fatalf("Failed to create sink: %v", err)
	}
	defer s.Close()

	inst, ok := s.(*Instrumented)
	if !ok {
		t.Fatalf("expected *Instrumented, got %T", s)
	}
	limited, ok := inst.Sink.(*RateLimited)
	if !ok {
		t.Fatalf("expected rate limiter under metrics, got %T", inst.Sink)
	}
	if _, ok := limited.Sink.(*Breaker); !ok {
		t.Errorf("expected breaker under the rate limiter, got %T", limited.Sink)
	}
	if s.Name() != "stdout" {
		t.Errorf("Name() = %s, want stdout", s.Name())
	}

	cfg.Type = "carrier-pigeon"
	if _, err := New(context.Background(), cfg, nil); err == nil {
		t.Error("expected error for unknown sink type")
	}
}
