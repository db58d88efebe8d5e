package ingest

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zonewatch/internal/config"
	"zonewatch/internal/engine"
	"zonewatch/internal/model"
	"zonewatch/internal/rejects"
)

type fakeProcessor struct {
	mu    sync.Mutex
	fixes []model.PositionFix
	err   error
	out   engine.Outcome
}

func (p *fakeProcessor) ProcessFix(_ context.Context, fix model.PositionFix) (engine.Outcome, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fixes = append(p.fixes, fix)
	if p.err != nil {
		return engine.Outcome{DeviceID: fix.DeviceID, Status: engine.StatusFailed, Reason: rejects.ReasonStore}, p.err
	}
	out := p.out
	if out.Status == "" {
		out.Status = engine.StatusEvaluated
	}
	out.DeviceID = fix.DeviceID
	return out, nil
}

func (p *fakeProcessor) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.fixes)
}

func newTestGateway(cfg *config.Config, proc Processor) (*Gateway, *rejects.Store) {
	rs := rejects.NewStore(50)
	g := NewGateway(config.NewStaticManager(cfg), proc, NewMemoryDeduper(100, time.Minute), rs, nil, nil)
	g.now = func() time.Time { return now }
	return g, rs
}

const validFix = `{"tid":"ab","lat":25.672254,"lon":-100.319939,"tst":1777885200,"acc":8}`

func TestGatewayDedupesExactResubmission(t *testing.T) {
	proc := &fakeProcessor{}
	g, rs := newTestGateway(config.DefaultConfig(), proc)
	ctx := context.Background()

	first, _, err := g.SubmitBytes(ctx, []byte(validFix), SourceREST)
	require.NoError(t, err)
	second, _, err := g.SubmitBytes(ctx, []byte(validFix), SourceREST)
	require.NoError(t, err)

	assert.Equal(t, ResultAccepted, first[0].Status)
	assert.Equal(t, ResultDuplicate, second[0].Status)
	assert.Equal(t, 1, proc.calls())
	assert.Equal(t, 1, rs.Counts()[rejects.ReasonDuplicate])
}

func TestGatewayFailedEvaluationCanBeResent(t *testing.T) {
	proc := &fakeProcessor{err: errors.New("db down")}
	g, _ := newTestGateway(config.DefaultConfig(), proc)
	ctx := context.Background()

	res, _, err := g.SubmitBytes(ctx, []byte(validFix), SourceREST)
	require.NoError(t, err)
	assert.Equal(t, ResultError, res[0].Status)

	proc.err = nil
	res, _, err = g.SubmitBytes(ctx, []byte(validFix), SourceREST)
	require.NoError(t, err)
	assert.Equal(t, ResultAccepted, res[0].Status)
	assert.Equal(t, 2, proc.calls())
}

func TestGatewayValidationNeverReachesDetector(t *testing.T) {
	proc := &fakeProcessor{}
	g, rs := newTestGateway(config.DefaultConfig(), proc)

	res := g.Submit(context.Background(), map[string]any{"tid": "ab", "lat": 120.0}, SourceKafka)
	assert.Equal(t, ResultInvalid, res.Status)
	assert.Len(t, res.Errors, 3)
	assert.Equal(t, 0, proc.calls())
	recent := rs.List(1)
	require.Len(t, recent, 1)
	assert.Equal(t, "ab", recent[0].DeviceID)
	assert.Equal(t, SourceKafka, recent[0].Source)
}

func TestGatewayReportsDetectorRejection(t *testing.T) {
	proc := &fakeProcessor{out: engine.Outcome{Status: engine.StatusRejected, Reason: rejects.ReasonOutOfOrder}}
	g, _ := newTestGateway(config.DefaultConfig(), proc)

	res := g.Submit(context.Background(), decodeOne(t, validFix), SourceREST)
	assert.Equal(t, ResultRejected, res.Status)
	assert.Equal(t, rejects.ReasonOutOfOrder, res.Reason)
}

func TestGatewayIgnoresNonLocationMessages(t *testing.T) {
	proc := &fakeProcessor{}
	g, _ := newTestGateway(config.DefaultConfig(), proc)
	res := g.Submit(context.Background(), map[string]any{"_type": "lwt"}, SourceREST)
	assert.Equal(t, ResultIgnored, res.Status)
	assert.Equal(t, 0, proc.calls())
}

func TestRESTSingleFix(t *testing.T) {
	proc := &fakeProcessor{}
	g, _ := newTestGateway(config.DefaultConfig(), proc)
	h := NewRESTServer(config.NewStaticManager(config.DefaultConfig()), g, nil).Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/fixes", strings.NewReader(validFix)))
	assert.Equal(t, http.StatusOK, rec.Code)
	var res Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, ResultAccepted, res.Status)
	assert.Equal(t, "ab", res.DeviceID)
}

func TestRESTValidationErrorIs400WithFields(t *testing.T) {
	g, _ := newTestGateway(config.DefaultConfig(), &fakeProcessor{})
	h := NewRESTServer(config.NewStaticManager(config.DefaultConfig()), g, nil).Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/fixes", strings.NewReader(`{"lat":-95,"lon":10,"tst":"x"}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var body struct {
		Error  string       `json:"error"`
		Fields []FieldError `json:"fields"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "validation failed", body.Error)
	require.Len(t, body.Fields, 3)
	assert.Equal(t, "tid", body.Fields[0].Field)
	assert.Equal(t, "lat", body.Fields[1].Field)
	assert.Equal(t, "tst", body.Fields[2].Field)
}

func TestRESTBatch(t *testing.T) {
	g, _ := newTestGateway(config.DefaultConfig(), &fakeProcessor{})
	h := NewRESTServer(config.NewStaticManager(config.DefaultConfig()), g, nil).Handler()

	batch := `[` + validFix + `,{"tid":"cd"}]`
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/pub", strings.NewReader(batch)))
	assert.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Accepted int      `json:"accepted"`
		Failed   int      `json:"failed"`
		Results  []Result `json:"results"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Accepted)
	assert.Equal(t, 1, body.Failed)
	assert.Len(t, body.Results, 2)
}

func TestRESTRejectsBadRequests(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Ingest.MaxBatch = 1
	g, _ := newTestGateway(cfg, &fakeProcessor{})
	h := NewRESTServer(config.NewStaticManager(cfg), g, nil).Handler()

	cases := []struct {
		method string
		body   string
		want   int
	}{
		{http.MethodGet, "", http.StatusMethodNotAllowed},
		{http.MethodPost, `{"tid":`, http.StatusBadRequest},
		{http.MethodPost, "", http.StatusBadRequest},
		{http.MethodPost, `[` + validFix + `,` + validFix + `]`, http.StatusRequestEntityTooLarge},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(tc.method, "/fixes", strings.NewReader(tc.body)))
		assert.Equal(t, tc.want, rec.Code, "%s %q", tc.method, tc.body)
	}
}

func TestTCPStreamAnswersEachLine(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Ingest.TCPStream = config.TCPStreamConfig{Enabled: true, Addr: "127.0.0.1:0"}
	proc := &fakeProcessor{}
	g, _ := newTestGateway(cfg, proc)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ln, err := StartTCPStream(ctx, config.NewStaticManager(cfg), g, nil)
	require.NoError(t, err)
	require.NotNil(t, ln)

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))

	_, err = conn.Write([]byte(validFix + "\n" + `{"tid":"x"}` + "\n"))
	require.NoError(t, err)

	reader := bufio.NewReader(conn)
	var first, second []Result
	line, err := reader.ReadBytes('\n')
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(line, &first))
	line, err = reader.ReadBytes('\n')
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(line, &second))

	assert.Equal(t, ResultAccepted, first[0].Status)
	assert.Equal(t, ResultInvalid, second[0].Status)
	assert.Equal(t, 1, proc.calls())
}
