package audit

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	gormsqlite "github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/suPer8Hu/orientation-assistant/internal/contract"
	"github.com/suPer8Hu/orientation-assistant/internal/logger"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"
)

var testSalt = []byte("test-salt-0123456789")

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(gormsqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Record{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func infoEvent(i int) Event {
	return Event{TraceID: "trace-info-" + strconv.Itoa(i), PatientID: "7", Question: "posso tomar com leite?", Answer: "sim", Kind: contract.KindClarification}
}

func emergencyEvent() Event {
	return Event{TraceID: "trace-emergency", PatientID: "1", Question: "dor no peito", Answer: contract.AlertPrefix, Kind: contract.KindEscalateEmergency, Escalation: true, Emergency: true}
}

func TestBuild_RedactsAndPseudonymizes(t *testing.T) {
	ev := Event{
		TraceID:     "01HZTRACE",
		PatientID:   "42",
		EncounterID: "enc-9",
		Question:    "Meu email é joao@x.com e meu CPF 123.456.789-00, posso tomar o remédio?",
		Answer:      "Ligue para (11) 98888-7777.",
		Kind:        contract.KindClarification,
		At:          time.Date(2026, 3, 10, 12, 0, 0, 0, time.FixedZone("BRT", -3*3600)),
	}
	rec := Build(ev, testSalt, 2000)

	assert.NotContains(t, rec.QuestionRedacted, "joao@x.com")
	assert.NotContains(t, rec.QuestionRedacted, "123.456.789-00")
	assert.Contains(t, rec.QuestionRedacted, "<email>")
	assert.Contains(t, rec.QuestionRedacted, "<cpf>")
	assert.Contains(t, rec.AnswerRedacted, "<telefone>")
	assert.Len(t, rec.PseudonymPatientID, 16)
	assert.NotEqual(t, "42", rec.PseudonymPatientID)
	assert.Equal(t, rec.PseudonymPatientID, Build(ev, testSalt, 2000).PseudonymPatientID)
	assert.Len(t, rec.QuestionDigest, 64)
	assert.Equal(t, "info", rec.Level)
	assert.Equal(t, time.UTC, rec.Timestamp.Location())
	assert.NotEmpty(t, rec.ID)
}

func TestBuild_Truncates(t *testing.T) {
	long := strings.Repeat("á", 50)
	rec := Build(Event{PatientID: "1", Question: long, Answer: "ok"}, testSalt, 10)
	assert.Equal(t, strings.Repeat("á", 10)+"…<truncated>", rec.QuestionRedacted)

	full := Build(Event{PatientID: "1", Question: long, Answer: "ok"}, testSalt, 2000)
	assert.Equal(t, full.QuestionDigest, rec.QuestionDigest)
}

func TestLevelOf(t *testing.T) {
	assert.Equal(t, zapcore.ErrorLevel, LevelOf(emergencyEvent()))
	assert.Equal(t, zapcore.ErrorLevel, LevelOf(Event{Kind: contract.KindEscalateEmergency}))
	assert.Equal(t, zapcore.WarnLevel, LevelOf(Event{Kind: contract.KindError}))
	assert.Equal(t, zapcore.InfoLevel, LevelOf(Event{Kind: contract.KindOutOfScope}))
}

func TestRecorder_PersistsAndEmits(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	sink := &MemorySink{}
	r := NewRecorder(sink, logger.FromZap(zap.New(core)), Options{Salt: testSalt, SampleRate: 1})

	r.Record(infoEvent(0))
	r.Record(emergencyEvent())
	r.Close()

	recs := sink.Records()
	require.Len(t, recs, 2)
	assert.Equal(t, uint64(2), r.Stats().Recorded)

	emitted := logs.FilterMessage("answer recorded").All()
	require.Len(t, emitted, 2)
	levels := []zapcore.Level{emitted[0].Level, emitted[1].Level}
	assert.ElementsMatch(t, []zapcore.Level{zapcore.InfoLevel, zapcore.ErrorLevel}, levels)
	for _, e := range emitted {
		details, ok := e.ContextMap()["details"].(map[string]interface{})
		require.True(t, ok)
		assert.Len(t, details["patient"], 16)
		assert.NotEqual(t, "1", details["patient"])
	}
}

func TestRecorder_SamplingNeverDropsErrors(t *testing.T) {
	sink := &MemorySink{}
	r := NewRecorder(sink, logger.NewNop(), Options{Salt: testSalt, SampleRate: 0})

	for i := 0; i < 5; i++ {
		r.Record(infoEvent(i))
	}
	r.Record(emergencyEvent())
	r.Record(Event{PatientID: "3", Kind: contract.KindError, Question: "q", Answer: contract.FallbackMessage})
	r.Close()

	recs := sink.Records()
	require.Len(t, recs, 2)
	for _, rec := range recs {
		assert.NotEqual(t, "info", rec.Level)
	}
	assert.Equal(t, uint64(5), r.Stats().SampledOut)
}

func TestRecorder_SampleRateShare(t *testing.T) {
	sink := &MemorySink{}
	r := NewRecorder(sink, logger.NewNop(), Options{Salt: testSalt, SampleRate: 0.25})
	for i := 0; i < 100; i++ {
		r.Record(infoEvent(i))
	}
	r.Close()
	assert.Len(t, sink.Records(), 25)
	assert.Equal(t, uint64(75), r.Stats().SampledOut)
}

type failingSink struct{}

func (failingSink) Write(context.Context, Record) error { return errors.New("db down") }

func TestRecorder_WriteFailureIsLoggedNotPropagated(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	r := NewRecorder(failingSink{}, logger.FromZap(zap.New(core)), Options{Salt: testSalt, SampleRate: 1})

	r.Record(infoEvent(0))
	r.Close()

	failures := logs.FilterMessage("audit write failed").All()
	require.Len(t, failures, 1)
	assert.Contains(t, failures[0].ContextMap(), "error_ref")
	assert.Equal(t, uint64(1), r.Stats().Failed)
	assert.Equal(t, uint64(0), r.Stats().Recorded)
}

func TestWriteError_Is(t *testing.T) {
	cause := errors.New("timeout")
	err := error(&WriteError{TraceID: "t", Err: cause})
	assert.ErrorIs(t, err, ErrWriteFailed)
	assert.ErrorIs(t, err, cause)
}

type blockingSink struct {
	MemorySink
	once    sync.Once
	started chan struct{}
	release chan struct{}
}

func (s *blockingSink) Write(ctx context.Context, rec Record) error {
	first := false
	s.once.Do(func() { first = true })
	if first {
		close(s.started)
		<-s.release
	}
	return s.MemorySink.Write(ctx, rec)
}

func TestRecorder_FullQueueDropsInfoKeepsErrors(t *testing.T) {
	sink := &blockingSink{started: make(chan struct{}), release: make(chan struct{})}
	r := NewRecorder(sink, logger.NewNop(), Options{Salt: testSalt, SampleRate: 1, Workers: 1, QueueSize: 1})

	r.Record(infoEvent(1))
	<-sink.started
	r.Record(infoEvent(2)) // fills the queue
	r.Record(infoEvent(3)) // dropped
	r.Record(emergencyEvent())

	close(sink.release)
	r.Close()

	assert.Len(t, sink.Records(), 3)
	assert.Equal(t, uint64(1), r.Stats().Dropped)
	var emergencies int
	for _, rec := range sink.Records() {
		if rec.Emergency {
			emergencies++
		}
	}
	assert.Equal(t, 1, emergencies)
}

func TestRecorder_RecordAfterCloseIsDropped(t *testing.T) {
	sink := &MemorySink{}
	r := NewRecorder(sink, logger.NewNop(), Options{Salt: testSalt, SampleRate: 1})
	r.Close()
	r.Close()
	r.Record(emergencyEvent())
	assert.Empty(t, sink.Records())
	assert.Equal(t, uint64(1), r.Stats().Dropped)
}

func TestRepo_WriteAndListRecent(t *testing.T) {
	db := openTestDB(t)
	repo := NewRepo(db)
	ctx := context.Background()

	base := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		ev := infoEvent(i)
		ev.At = base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, repo.Write(ctx, Build(ev, testSalt, 2000)))
	}
	em := emergencyEvent()
	em.At = base.Add(time.Hour)
	require.NoError(t, repo.Write(ctx, Build(em, testSalt, 2000)))

	all, err := repo.ListRecent(ctx, ListFilter{Limit: 10})
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.True(t, all[0].Emergency)
	assert.True(t, all[1].Timestamp.After(all[2].Timestamp))

	yes := true
	only, err := repo.ListRecent(ctx, ListFilter{Emergency: &yes})
	require.NoError(t, err)
	require.Len(t, only, 1)
	assert.Equal(t, "trace-emergency", only[0].TraceID)

	byKind, err := repo.ListRecent(ctx, ListFilter{Kind: string(contract.KindClarification), Limit: 2})
	require.NoError(t, err)
	assert.Len(t, byKind, 2)
}
