package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/suPer8Hu/orientation-assistant/internal/admission"
	"github.com/suPer8Hu/orientation-assistant/internal/ai"
	"github.com/suPer8Hu/orientation-assistant/internal/answer"
	"github.com/suPer8Hu/orientation-assistant/internal/audit"
	"github.com/suPer8Hu/orientation-assistant/internal/common"
	"github.com/suPer8Hu/orientation-assistant/internal/contract"
	"github.com/suPer8Hu/orientation-assistant/internal/emergency"
	"github.com/suPer8Hu/orientation-assistant/internal/encounter"
	"github.com/suPer8Hu/orientation-assistant/internal/httpapi/handlers"
	"github.com/suPer8Hu/orientation-assistant/internal/logger"
	"github.com/suPer8Hu/orientation-assistant/internal/retry"
)

const testSecret = "test-secret"

func init() {
	gin.SetMode(gin.TestMode)
}

type staticStore map[string]*encounter.Snapshot

func (s staticStore) GetLastEncounterWithOrientations(ctx context.Context, patientID string) (*encounter.Snapshot, error) {
	return s[patientID], nil
}

type countingModel struct {
	calls int
}

func (m *countingModel) AskModelJSON(ctx context.Context, req ai.ModelRequest) (json.RawMessage, error) {
	m.calls++
	return json.RawMessage(`{"kind":"clarification","message":"Tome o remédio após o café da manhã."}`), nil
}

type fixture struct {
	router *gin.Engine
	model  *countingModel
	sink   *audit.MemorySink
	rec    *audit.Recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureBehind(t, nil)
}

// newFixtureBehind builds the router with the given trusted proxies.
func newFixtureBehind(t *testing.T, trustedProxies []string) *fixture {
	t.Helper()
	now := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	detector, err := emergency.NewDetector()
	require.NoError(t, err)
	sink := &audit.MemorySink{}
	rec := audit.NewRecorder(sink, logger.NewNop(), audit.Options{Salt: []byte("salt"), SampleRate: 1})
	t.Cleanup(rec.Close)

	model := &countingModel{}
	store := staticStore{"1": {
		EncounterID:   "101",
		Date:          time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC),
		ClinicianName: "Dra. Ana Souza",
		Specialty:     "Cardiologia",
		Orientations:  []encounter.Orientation{{OrientationType: "medicacao", Content: "Losartana 50mg."}},
	}}
	svc := answer.NewService(
		admission.NewSlidingWindow(admission.DefaultLimits(), clock),
		store, model, detector, rec, logger.NewNop(),
		answer.Config{
			Salt:     []byte("salt"),
			Retry:    retry.Options{Retries: 0, BaseDelay: time.Millisecond},
			DayLimit: 30,
			Now:      clock,
		},
	)

	h := handlers.NewHandler(svc, &memoryLister{sink: sink}, rec)
	return &fixture{router: NewRouter(h, logger.NewNop(), testSecret, trustedProxies), model: model, sink: sink, rec: rec}
}

type memoryLister struct {
	sink *audit.MemorySink
}

func (l *memoryLister) ListRecent(ctx context.Context, f audit.ListFilter) ([]audit.Record, error) {
	var out []audit.Record
	for _, r := range l.sink.Records() {
		if f.Emergency != nil && r.Emergency != *f.Emergency {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func postAnswer(t *testing.T, r http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	return postAnswerWith(t, r, body, nil)
}

func postAnswerWith(t *testing.T, r http.Handler, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/answers", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	req.RemoteAddr = "10.0.0.7:5555"
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decodeResponse(t *testing.T, w *httptest.ResponseRecorder) contract.AiResponse {
	t.Helper()
	resp, err := contract.Validate(w.Body.Bytes())
	require.NoError(t, err, w.Body.String())
	return resp
}

func TestPostAnswer_EmergencyScenario(t *testing.T) {
	f := newFixture(t)

	w := postAnswer(t, f.router, `{"patientId":1,"question":"Comecei a sentir dor torácica forte"}`)

	require.Equal(t, http.StatusOK, w.Code)
	resp := decodeResponse(t, w)
	assert.Equal(t, contract.KindEscalateEmergency, resp.Kind)
	assert.True(t, strings.HasPrefix(resp.Message, contract.AlertPrefix))
	assert.Equal(t, w.Header().Get("X-Request-ID"), resp.Metadata.TraceID)

	f.rec.Close()
	recs := f.sink.Records()
	require.Len(t, recs, 1)
	assert.True(t, recs[0].Emergency)
}

func TestPostAnswer_OutOfScopeWithoutModelCall(t *testing.T) {
	f := newFixture(t)

	w := postAnswer(t, f.router, `{"patientId":"2","question":"Posso tomar o remédio com água?"}`)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, contract.KindOutOfScope, decodeResponse(t, w).Kind)
	assert.Equal(t, 0, f.model.calls)
}

func TestPostAnswer_ThirteenthRequestIs429(t *testing.T) {
	f := newFixture(t)
	body := `{"patientId":1,"question":"Posso tomar o remédio com água?"}`

	for i := 0; i < 12; i++ {
		w := postAnswer(t, f.router, body)
		require.Equal(t, http.StatusOK, w.Code, "request %d", i+1)
	}
	w := postAnswer(t, f.router, body)

	require.Equal(t, http.StatusTooManyRequests, w.Code)
	header := w.Header().Get("Retry-After")
	require.NotEmpty(t, header)

	var got struct {
		OK                bool   `json:"ok"`
		Kind              string `json:"kind"`
		Message           string `json:"message"`
		RetryAfterSeconds int    `json:"retryAfterSeconds"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, "error", got.Kind)
	assert.NotEmpty(t, got.Message)
	assert.Equal(t, strconv.Itoa(got.RetryAfterSeconds), header)
	assert.Greater(t, got.RetryAfterSeconds, 0)
	assert.Equal(t, 12, f.model.calls)
}

func TestPostAnswer_BadRequestsStillGetContractBody(t *testing.T) {
	f := newFixture(t)
	for _, body := range []string{
		`not json`,
		`{"patientId":1}`,
		`{"patientId":1,"question":"   "}`,
		`{"question":"oi"}`,
		`{"patientId":-4,"question":"oi"}`,
		`{"patientId":1,"question":"` + strings.Repeat("a", 2001) + `"}`,
	} {
		w := postAnswer(t, f.router, body)
		assert.Equal(t, http.StatusBadRequest, w.Code, body)
		resp := decodeResponse(t, w)
		assert.False(t, resp.OK)
		assert.Equal(t, contract.KindError, resp.Kind)
	}
	assert.Equal(t, 0, f.model.calls)
}

type panickingService struct{}

func (panickingService) Answer(ctx context.Context, req answer.Request) answer.Result {
	panic("boom")
}

func TestPostAnswer_PanicReturnsFallback(t *testing.T) {
	r := NewRouter(handlers.NewHandler(panickingService{}, nil, nil), logger.NewNop(), testSecret, nil)

	w := postAnswer(t, r, `{"patientId":1,"question":"oi"}`)

	require.Equal(t, http.StatusInternalServerError, w.Code)
	resp := decodeResponse(t, w)
	assert.Equal(t, contract.KindError, resp.Kind)
	assert.Equal(t, contract.FallbackMessage, resp.Message)
}

func TestPing(t *testing.T) {
	f := newFixture(t)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "pong")
}

func signToken(t *testing.T, role string) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  "staff-7",
		"role": role,
		"exp":  time.Now().Add(time.Hour).Unix(),
	})
	s, err := tok.SignedString([]byte(testSecret))
	require.NoError(t, err)
	return s
}

func TestListAuditRecords_Auth(t *testing.T) {
	f := newFixture(t)
	postAnswer(t, f.router, `{"patientId":1,"question":"Estou com dor no peito forte agora"}`)
	postAnswer(t, f.router, `{"patientId":1,"question":"Posso tomar com água?"}`)
	f.rec.Close()

	get := func(token string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/audit/records?emergency=true", nil)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		w := httptest.NewRecorder()
		f.router.ServeHTTP(w, req)
		return w
	}

	assert.Equal(t, http.StatusUnauthorized, get("").Code)
	assert.Equal(t, http.StatusUnauthorized, get("garbage").Code)
	assert.Equal(t, http.StatusForbidden, get(signToken(t, "patient")).Code)

	w := get(signToken(t, StaffRole))
	require.Equal(t, http.StatusOK, w.Code)

	var env struct {
		Code int `json:"code"`
		Data struct {
			Records []audit.Record `json:"records"`
			Stats   audit.Stats    `json:"stats"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	require.Len(t, env.Data.Records, 1)
	assert.True(t, env.Data.Records[0].Emergency)
	assert.Equal(t, uint64(2), env.Data.Stats.Recorded)
}

func TestListAuditRecords_BadQuery(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/audit/records?limit=abc", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, StaffRole))
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPostAnswer_ForeignRequestIDIsReplaced(t *testing.T) {
	f := newFixture(t)

	w := postAnswerWith(t, f.router, `{"patientId":1,"question":"Estou com dor no peito"}`,
		map[string]string{"X-Request-ID": strings.Repeat("a", 60)})

	require.Equal(t, http.StatusOK, w.Code)
	traceID := w.Header().Get("X-Request-ID")
	assert.True(t, common.IsULID(traceID), traceID)
	assert.Equal(t, traceID, decodeResponse(t, w).Metadata.TraceID)

	f.rec.Close()
	recs := f.sink.Records()
	require.Len(t, recs, 1)
	assert.Equal(t, traceID, recs[0].TraceID)
	assert.Len(t, recs[0].TraceID, 26)
}

func TestPostAnswer_ULIDRequestIDIsKept(t *testing.T) {
	f := newFixture(t)
	id, err := common.NewULID()
	require.NoError(t, err)

	w := postAnswerWith(t, f.router, `{"patientId":1,"question":"oi"}`, map[string]string{"X-Request-ID": id})

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, id, w.Header().Get("X-Request-ID"))
	assert.Equal(t, id, decodeResponse(t, w).Metadata.TraceID)
}

func TestPostAnswer_ForwardedForIgnoredFromUntrustedPeer(t *testing.T) {
	f := newFixture(t)

	codes := map[int]int{}
	for i := 0; i < 100; i++ {
		body := fmt.Sprintf(`{"patientId":"p%d","question":"oi"}`, i)
		w := postAnswerWith(t, f.router, body, map[string]string{
			"X-Forwarded-For": fmt.Sprintf("203.0.113.%d", i),
		})
		codes[w.Code]++
	}

	assert.Equal(t, 60, codes[http.StatusOK])
	assert.Equal(t, 40, codes[http.StatusTooManyRequests])
}

func TestPostAnswer_ForwardedForHonouredFromTrustedProxy(t *testing.T) {
	f := newFixtureBehind(t, []string{"10.0.0.7"})

	for i := 0; i < 70; i++ {
		body := fmt.Sprintf(`{"patientId":"p%d","question":"oi"}`, i)
		w := postAnswerWith(t, f.router, body, map[string]string{
			"X-Forwarded-For": fmt.Sprintf("203.0.113.%d", i),
		})
		require.Equal(t, http.StatusOK, w.Code, "request %d", i+1)
	}
}
