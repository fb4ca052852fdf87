package storage

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/rl1809/stockflow/internal/core/domain"
)

type auditDocument struct {
	ID         primitive.ObjectID `bson:"_id,omitempty"`
	Seq        int64              `bson:"seq"`
	UserID     string             `bson:"user_id"`
	Action     string             `bson:"action"`
	RecordType string             `bson:"record_type"`
	RecordID   int64              `bson:"record_id"`
	OldValues  domain.Snapshot    `bson:"old_values"`
	NewValues  domain.Snapshot    `bson:"new_values"`
	IPAddress  string             `bson:"ip_address,omitempty"`
	CreatedAt  time.Time          `bson:"created_at"`
}

// MongoAuditStore keeps the audit trail in a Mongo collection instead of the
// relational primary. Entry ids are the creation time in nanoseconds.
type MongoAuditStore struct {
	coll *mongo.Collection
	now  func() time.Time
}

func NewMongoAuditStore(coll *mongo.Collection) *MongoAuditStore {
	return &MongoAuditStore{coll: coll, now: time.Now}
}

func (s *MongoAuditStore) AppendAudit(ctx context.Context, entry *domain.AuditLogEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.now().UTC()
	}
	seq := entry.CreatedAt.UnixNano()

	doc := auditDocument{
		Seq:        seq,
		UserID:     entry.Actor,
		Action:     entry.Action,
		RecordType: entry.RecordType,
		RecordID:   entry.RecordID,
		OldValues:  entry.OldValues,
		NewValues:  entry.NewValues,
		IPAddress:  entry.IPAddress,
		CreatedAt:  entry.CreatedAt.UTC(),
	}
	if _, err := s.coll.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("insert audit document: %w", err)
	}

	entry.ID = seq
	return nil
}

func (s *MongoAuditStore) ListAudit(ctx context.Context, q domain.AuditQuery) (domain.AuditPage, error) {
	filter := bson.M{}
	created := bson.M{}
	if !q.From.IsZero() {
		created["$gte"] = q.From.UTC()
	}
	if !q.To.IsZero() {
		created["$lte"] = q.To.UTC()
	}
	if len(created) > 0 {
		filter["created_at"] = created
	}

	total, err := s.coll.CountDocuments(ctx, filter)
	if err != nil {
		return domain.AuditPage{}, fmt.Errorf("count audit documents: %w", err)
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "seq", Value: -1}}).
		SetSkip(int64(q.Offset())).
		SetLimit(int64(q.PerPage))

	cursor, err := s.coll.Find(ctx, filter, opts)
	if err != nil {
		return domain.AuditPage{}, fmt.Errorf("find audit documents: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []auditDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return domain.AuditPage{}, fmt.Errorf("decode audit documents: %w", err)
	}

	page := domain.AuditPage{
		Total:       int(total),
		Pages:       pageCount(int(total), q.PerPage),
		CurrentPage: q.Page,
		Logs:        make([]domain.AuditLogEntry, 0, len(docs)),
	}
	for _, d := range docs {
		page.Logs = append(page.Logs, domain.AuditLogEntry{
			ID:         d.Seq,
			Actor:      d.UserID,
			Action:     d.Action,
			RecordType: d.RecordType,
			RecordID:   d.RecordID,
			OldValues:  d.OldValues,
			NewValues:  d.NewValues,
			IPAddress:  d.IPAddress,
			CreatedAt:  d.CreatedAt.UTC(),
		})
	}
	return page, nil
}
