package metrics

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/migadu/imaptest/consts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsMethodsDoNotPanic(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.SessionConnected()
		m.SessionDisconnected()
		m.CommandSent("SELECT")
		m.TaggedReply("OK")
		m.ProtocolError(KindInputProtocol)
		m.Reconnect()
		m.CheckpointCompleted(1, []CheckpointOutcome{CheckpointOK})
		_ = m.Handler()
	})
}

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	m.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	return rec.Body.String()
}

func TestSessionConnectedIncrementsTheGauge(t *testing.T) {
	m := New()
	m.SessionConnected()
	m.SessionConnected()
	m.SessionDisconnected()

	body := scrape(t, m)
	assert.Contains(t, body, "imaptest_connected_sessions 1")
}

func TestCommandSentIsLabeledByCommandName(t *testing.T) {
	m := New()
	m.CommandSent("SELECT")
	m.CommandSent("SELECT")
	m.CommandSent("FETCH")

	body := scrape(t, m)
	assert.Contains(t, body, fmt.Sprintf(`imaptest_commands_sent_total{command="SELECT"} 2`))
	assert.Contains(t, body, fmt.Sprintf(`imaptest_commands_sent_total{command="FETCH"} 1`))
}

func TestProtocolErrorIsLabeledByKind(t *testing.T) {
	m := New()
	m.ProtocolError(KindInputProtocol)
	m.ProtocolError(KindFatalTransport)
	m.ProtocolError(KindInputProtocol)

	body := scrape(t, m)
	assert.Contains(t, body, `imaptest_protocol_errors_total{kind="K1"} 2`)
	assert.Contains(t, body, `imaptest_protocol_errors_total{kind="K3"} 1`)
}

func TestCheckpointCompletedRecordsOutcomesAndSeq(t *testing.T) {
	m := New()
	m.CheckpointCompleted(5, []CheckpointOutcome{CheckpointOK, CheckpointOK, CheckpointNegative})

	body := scrape(t, m)
	assert.Contains(t, body, "imaptest_checkpoint_seq 5")
	assert.Contains(t, body, `imaptest_checkpoint_session_results_total{outcome="ok"} 2`)
	assert.Contains(t, body, `imaptest_checkpoint_session_results_total{outcome="negative"} 1`)
}

func TestHandlerServesPrometheusTextFormat(t *testing.T) {
	m := New()
	body := scrape(t, m)
	assert.True(t, strings.Contains(body, "# HELP imaptest_connected_sessions"))
}

func TestClassifyErrorMapsInternalErrorToFatalTransport(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", consts.ErrInternalError)
	assert.Equal(t, KindFatalTransport, ClassifyError(err))
}

func TestClassifyErrorMapsProtocolErrorToParser(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", consts.ErrProtocol)
	assert.Equal(t, KindParser, ClassifyError(err))
}

func TestClassifyErrorDefaultsToInputProtocol(t *testing.T) {
	assert.Equal(t, KindInputProtocol, ClassifyError(consts.ErrUnexpectedBye))
	assert.Equal(t, KindInputProtocol, ClassifyError(errors.New("something else entirely")))
}
