package service

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"erp-auth-service/internal/bucketing"
	"erp-auth-service/internal/client"
	"erp-auth-service/internal/config"
	"erp-auth-service/internal/models"
	"erp-auth-service/internal/util"
)

const (
	auditBufferSize    = 4096
	auditBatchSize     = 200
	auditFlushInterval = 2 * time.Second
)

// AuditService is the append-only security trail. Events are queued on a
// buffered channel and flushed by a background worker into ClickHouse
// batches, the Kafka security-event stream and the Elasticsearch audit
// index. Recording never blocks or fails the action that produced the
// event; a full buffer drops the event with a warning.
type AuditService struct {
	clickhouse   *client.ClickHouseClient
	producer     *client.KafkaProducer
	es           *client.ESClient
	bucketingMgr *bucketing.BucketingManager
	topic        string
	index        string
	now          Clock

	events    chan *models.AuditEvent
	closeOnce sync.Once
	done      chan struct{}
}

func NewAuditService(
	clickhouse *client.ClickHouseClient,
	producer *client.KafkaProducer,
	es *client.ESClient,
	bucketingMgr *bucketing.BucketingManager,
	cfg *config.Config,
	now Clock,
) *AuditService {
	if now == nil {
		now = UTCNow
	}

	s := &AuditService{
		clickhouse:   clickhouse,
		producer:     producer,
		es:           es,
		bucketingMgr: bucketingMgr,
		topic:        cfg.Kafka.SecurityEventTopic,
		index:        cfg.Elasticsearch.Index,
		now:          now,
		events:       make(chan *models.AuditEvent, auditBufferSize),
		done:         make(chan struct{}),
	}

	go s.worker()

	return s
}

// Record queues one audit event. Fire and forget.
func (s *AuditService) Record(subjectID, action, outcome, sourceIP string, context map[string]string) {
	event := &models.AuditEvent{
		EventID:   uuid.New().String(),
		SubjectID: subjectID,
		Action:    action,
		Outcome:   outcome,
		Context:   context,
		SourceIP:  sourceIP,
		EventTime: s.now(),
	}
	event.EventBucket = s.bucketingMgr.EventBucket(event.EventID)

	select {
	case s.events <- event:
	default:
		util.Warn("Audit buffer full, event dropped",
			zap.String("action", action),
			zap.String("subject_id", subjectID))
	}
}

func (s *AuditService) worker() {
	ticker := time.NewTicker(auditFlushInterval)
	defer ticker.Stop()

	batch := make([]*models.AuditEvent, 0, auditBatchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		s.flush(batch)
		batch = batch[:0]
	}

	for {
		select {
		case event, ok := <-s.events:
			if !ok {
				flush()
				close(s.done)
				return
			}
			s.stream(event)
			batch = append(batch, event)
			if len(batch) >= auditBatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// stream publishes one event to Kafka and Elasticsearch as it arrives.
func (s *AuditService) stream(event *models.AuditEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	payload, err := json.Marshal(event)
	if err != nil {
		util.Error("Failed to marshal audit event", zap.Error(err))
		return
	}

	if s.producer != nil {
		if err := s.producer.ProduceMessage(ctx, s.topic, []byte(event.SubjectID), payload, map[string]string{
			"action":  event.Action,
			"outcome": event.Outcome,
		}); err != nil {
			util.Warn("Failed to publish security event",
				zap.String("action", event.Action),
				zap.Error(err))
		}
	}

	if s.es != nil {
		res, err := s.es.IndexDocument(ctx, s.index, event.EventID, event)
		if err != nil {
			util.Warn("Failed to index audit event",
				zap.String("action", event.Action),
				zap.Error(err))
			return
		}
		res.Body.Close()
	}
}

// flush writes a batch to ClickHouse for long-term analytical storage.
func (s *AuditService) flush(batch []*models.AuditEvent) {
	if s.clickhouse == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	rows := make([][]interface{}, 0, len(batch))
	for _, event := range batch {
		rows = append(rows, []interface{}{
			event.EventBucket, event.EventID, event.SubjectID, event.Action,
			event.Outcome, event.Context, event.SourceIP, event.EventTime,
		})
	}

	query := `INSERT INTO audit_events (event_bucket, event_id, subject_id, action, outcome, context, source_ip, event_time)`
	if err := s.clickhouse.BatchInsert(ctx, query, rows); err != nil {
		util.Error("Failed to flush audit batch",
			zap.Int("batch_size", len(batch)),
			zap.Error(err))
		return
	}

	util.Debug("Audit batch flushed", zap.Int("batch_size", len(batch)))
}

// Close drains the buffer and stops the worker.
func (s *AuditService) Close() {
	s.closeOnce.Do(func() {
		close(s.events)
		select {
		case <-s.done:
		case <-time.After(10 * time.Second):
			util.Warn("Audit drain timed out")
		}
	})
}
