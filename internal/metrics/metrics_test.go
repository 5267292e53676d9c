package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordFrameIncrementsByTypeAndDirection(t *testing.T) {
	FramesTotal.Reset()
	RecordFrame("send_message", "inbound")
	RecordFrame("send_message", "inbound")
	RecordFrame("message_sent", "outbound")

	assert.Equal(t, float64(2), testutil.ToFloat64(FramesTotal.WithLabelValues("send_message", "inbound")))
	assert.Equal(t, float64(1), testutil.ToFloat64(FramesTotal.WithLabelValues("message_sent", "outbound")))
}

func TestRecordMessageSentLabelsByDeliveryPath(t *testing.T) {
	MessagesSentTotal.Reset()
	RecordMessageSent("immediate")
	RecordMessageSent("queued")
	RecordMessageSent("queued")

	assert.Equal(t, float64(1), testutil.ToFloat64(MessagesSentTotal.WithLabelValues("immediate")))
	assert.Equal(t, float64(2), testutil.ToFloat64(MessagesSentTotal.WithLabelValues("queued")))
}

func TestRecordDecryptFailureLabelsByReason(t *testing.T) {
	DecryptFailuresTotal.Reset()
	RecordDecryptFailure("auth_tag")
	RecordDecryptFailure("unknown_session")

	assert.Equal(t, float64(1), testutil.ToFloat64(DecryptFailuresTotal.WithLabelValues("auth_tag")))
	assert.Equal(t, float64(1), testutil.ToFloat64(DecryptFailuresTotal.WithLabelValues("unknown_session")))
}

func TestRecordHandshakeLabelsOneTimePreKeyUsage(t *testing.T) {
	HandshakesTotal.Reset()
	RecordHandshake("initiator", true)
	RecordHandshake("responder", false)

	assert.Equal(t, float64(1), testutil.ToFloat64(HandshakesTotal.WithLabelValues("initiator", "used")))
	assert.Equal(t, float64(1), testutil.ToFloat64(HandshakesTotal.WithLabelValues("responder", "absent")))
}

func TestRecordCrossInstanceDeliveryLabelsResult(t *testing.T) {
	CrossInstanceDeliveriesTotal.Reset()
	RecordCrossInstanceDelivery(true)
	RecordCrossInstanceDelivery(false)
	RecordCrossInstanceDelivery(false)

	assert.Equal(t, float64(1), testutil.ToFloat64(CrossInstanceDeliveriesTotal.WithLabelValues("delivered")))
	assert.Equal(t, float64(2), testutil.ToFloat64(CrossInstanceDeliveriesTotal.WithLabelValues("failed")))
}

func TestHandlerReturnsNonNil(t *testing.T) {
	assert.NotNil(t, Handler())
}
