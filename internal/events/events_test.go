package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"otp-service/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockProducer struct {
	mock.Mock
}

func (m *mockProducer) ProduceMessage(ctx context.Context, topic string, key, value []byte, headers map[string]string) error {
	args := m.Called(ctx, topic, key, value, headers)
	return args.Error(0)
}

type mockRowWriter struct {
	mock.Mock
}

func (m *mockRowWriter) Exec(ctx context.Context, query string, args ...interface{}) error {
	return m.Called(ctx, query).Error(0)
}

func (m *mockRowWriter) AppendStruct(ctx context.Context, query string, v interface{}) error {
	return m.Called(ctx, query, v).Error(0)
}

type mockIndexer struct {
	mock.Mock
}

func (m *mockIndexer) IndexDocument(ctx context.Context, index, id string, document interface{}) error {
	return m.Called(ctx, index, id, document).Error(0)
}

func sampleEvent() *models.OTPEvent {
	return &models.OTPEvent{
		ID:         "evt-1",
		Type:       models.EventOTPSent,
		PhoneKey:   "abc123",
		ClientID:   "client-1",
		OccurredAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func TestKafkaPublisher(t *testing.T) {
	producer := new(mockProducer)
	producer.On("ProduceMessage", mock.Anything, "otp-events", []byte("abc123"), mock.Anything, map[string]string{
		"event_type": "otp.sent",
		"event_id":   "evt-1",
	}).Return(nil).Run(func(args mock.Arguments) {
		var decoded models.OTPEvent
		require.NoError(t, json.Unmarshal(args.Get(3).([]byte), &decoded))
		assert.Equal(t, "client-1", decoded.ClientID)
	})

	p := NewKafkaPublisher(producer, "otp-events")
	require.NoError(t, p.Publish(context.Background(), sampleEvent()))
	producer.AssertExpectations(t)
}

func TestKafkaPublisher_Error(t *testing.T) {
	producer := new(mockProducer)
	producer.On("ProduceMessage", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(errors.New("broker down"))

	err := NewKafkaPublisher(producer, "t").Publish(context.Background(), sampleEvent())
	assert.ErrorContains(t, err, "broker down")
}

func TestClickHousePublisher(t *testing.T) {
	writer := new(mockRowWriter)
	writer.On("Exec", mock.Anything, mock.MatchedBy(func(q string) bool {
		return assert.Contains(t, q, "CREATE TABLE IF NOT EXISTS otp_events")
	})).Return(nil)
	event := sampleEvent()
	writer.On("AppendStruct", mock.Anything, "INSERT INTO otp_events", event).Return(nil)

	p, err := NewClickHousePublisher(writer, "otp_events")
	require.NoError(t, err)
	require.NoError(t, p.EnsureSchema(context.Background()))
	require.NoError(t, p.Publish(context.Background(), event))
	writer.AssertExpectations(t)
}

func TestClickHousePublisher_RejectsBadTable(t *testing.T) {
	_, err := NewClickHousePublisher(new(mockRowWriter), "events; DROP TABLE x")
	assert.Error(t, err)
}

func TestElasticsearchPublisher(t *testing.T) {
	indexer := new(mockIndexer)
	event := sampleEvent()
	indexer.On("IndexDocument", mock.Anything, "otp-events", "evt-1", event).Return(nil)

	require.NoError(t, NewElasticsearchPublisher(indexer, "otp-events").Publish(context.Background(), event))
	indexer.AssertExpectations(t)
}

type funcPublisher func(ctx context.Context, event *models.OTPEvent) error

func (f funcPublisher) Publish(ctx context.Context, event *models.OTPEvent) error {
	return f(ctx, event)
}

func TestMultiPublisher_FansOut(t *testing.T) {
	var calls atomic.Int32
	ok := funcPublisher(func(context.Context, *models.OTPEvent) error {
		calls.Add(1)
		return nil
	})
	failing := funcPublisher(func(context.Context, *models.OTPEvent) error {
		calls.Add(1)
		return errors.New("sink down")
	})

	m := NewMultiPublisher(time.Second, ok, failing, ok, NewLogPublisher(), NopPublisher{})
	err := m.Publish(context.Background(), sampleEvent())

	assert.EqualError(t, err, "sink down")
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, 5, m.Len())
}

func TestMultiPublisher_Timeout(t *testing.T) {
	slow := funcPublisher(func(ctx context.Context, _ *models.OTPEvent) error {
		<-ctx.Done()
		return ctx.Err()
	})

	m := NewMultiPublisher(20*time.Millisecond, slow)
	err := m.Publish(context.Background(), sampleEvent())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMultiPublisher_OutlivesCanceledRequest(t *testing.T) {
	var sawErr error
	p := funcPublisher(func(ctx context.Context, _ *models.OTPEvent) error {
		sawErr = ctx.Err()
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, NewMultiPublisher(time.Second, p).Publish(ctx, sampleEvent()))
	assert.NoError(t, sawErr)
}
