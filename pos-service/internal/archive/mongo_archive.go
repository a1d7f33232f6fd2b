package archive

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fjod/go_caja/pos-service/internal/domain"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

var ErrNotArchived = errors.New("caja not archived")

// closedCaja is the archived document. Amounts are stored as decimal strings.
type closedCaja struct {
	CajaID        string            `bson:"caja_id"`
	OpenedBy      string            `bson:"opened_by"`
	OpenedByName  string            `bson:"opened_by_name,omitempty"`
	OpenedAt      time.Time         `bson:"opened_at"`
	ClosedBy      string            `bson:"closed_by,omitempty"`
	ClosedAt      time.Time         `bson:"closed_at"`
	Opening       map[string]string `bson:"opening"`
	Expected      map[string]string `bson:"expected"`
	Counted       map[string]string `bson:"counted,omitempty"`
	Differences   map[string]string `bson:"differences,omitempty"`
	PendingReason string            `bson:"pending_reason,omitempty"`
	Postings      []postingDoc      `bson:"postings"`
	Authorization *authorizationDoc `bson:"authorization,omitempty"`
	ArchivedAt    time.Time         `bson:"archived_at"`
}

type postingDoc struct {
	ID         string            `bson:"id"`
	Code       string            `bson:"code"`
	Direction  string            `bson:"direction"`
	Category   string            `bson:"category"`
	Lines      map[string]string `bson:"lines"`
	Author     string            `bson:"author"`
	CreatedAt  time.Time         `bson:"created_at"`
	VoidedAt   *time.Time        `bson:"voided_at,omitempty"`
	VoidReason string            `bson:"void_reason,omitempty"`
}

type authorizationDoc struct {
	AuthorizedBy   string            `bson:"authorized_by"`
	AuthorizerName string            `bson:"authorizer_name,omitempty"`
	AuthorizedAt   time.Time         `bson:"authorized_at"`
	Differences    map[string]string `bson:"differences"`
	Notes          string            `bson:"notes,omitempty"`
}

// Summary is what History returns for an archived caja.
type Summary struct {
	CajaID      string
	OpenedBy    string
	OpenedAt    time.Time
	ClosedAt    time.Time
	Expected    map[string]string
	Differences map[string]string
	Postings    int
	Authorized  bool
}

// MongoArchive stores one document per closed caja, keyed by caja id.
type MongoArchive struct {
	collection *mongo.Collection
	now        func() time.Time
}

func NewMongoArchive(db *mongo.Database) *MongoArchive {
	return &MongoArchive{collection: db.Collection("closed_cajas"), now: time.Now}
}

func (m *MongoArchive) CreateIndexes(ctx context.Context) error {
	_, err := m.collection.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "caja_id", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "closed_at", Value: -1}}},
	})
	if err != nil {
		return fmt.Errorf("failed to create indexes: %w", err)
	}
	return nil
}

// Archive upserts so that a retried close does not duplicate the document.
func (m *MongoArchive) Archive(ctx context.Context, c *domain.Caja, postings []*domain.Posting, auth *domain.DiscrepancyAuthorization) error {
	doc := closedCaja{
		CajaID:        c.ID,
		OpenedBy:      c.OpenedBy,
		OpenedByName:  c.OpenedByName,
		OpenedAt:      c.OpenedAt,
		ClosedBy:      c.ClosedBy,
		Opening:       amounts(c.Opening),
		Expected:      amounts(c.Expected()),
		Counted:       amounts(c.Counted),
		Differences:   amounts(c.Differences),
		PendingReason: c.PendingReason,
		Postings:      make([]postingDoc, 0, len(postings)),
		ArchivedAt:    m.now().UTC(),
	}
	if c.ClosedAt != nil {
		doc.ClosedAt = *c.ClosedAt
	}
	for _, p := range postings {
		lines := make(map[string]string, len(p.Lines))
		for _, l := range p.Lines {
			lines[string(l.Tender)] = l.Amount.String()
		}
		doc.Postings = append(doc.Postings, postingDoc{
			ID:         p.ID,
			Code:       p.Code,
			Direction:  string(p.Direction),
			Category:   p.Category,
			Lines:      lines,
			Author:     p.Author,
			CreatedAt:  p.CreatedAt,
			VoidedAt:   p.VoidedAt,
			VoidReason: p.VoidReason,
		})
	}
	if auth != nil {
		doc.Authorization = &authorizationDoc{
			AuthorizedBy:   auth.AuthorizedBy,
			AuthorizerName: auth.AuthorizerName,
			AuthorizedAt:   auth.AuthorizedAt,
			Differences:    amounts(auth.Differences),
			Notes:          auth.Notes,
		}
	}

	filter := bson.M{"caja_id": c.ID}
	_, err := m.collection.ReplaceOne(ctx, filter, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to archive caja %s: %w", c.ID, err)
	}
	return nil
}

func (m *MongoArchive) Get(ctx context.Context, cajaID string) (*Summary, error) {
	var doc closedCaja
	err := m.collection.FindOne(ctx, bson.M{"caja_id": cajaID}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotArchived
		}
		return nil, fmt.Errorf("failed to get archived caja: %w", err)
	}
	return doc.summary(), nil
}

// History lists archived cajas, most recently closed first.
func (m *MongoArchive) History(ctx context.Context, limit int64) ([]*Summary, error) {
	opts := options.Find().SetSort(bson.D{{Key: "closed_at", Value: -1}}).SetLimit(limit)
	cur, err := m.collection.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list archive: %w", err)
	}
	defer cur.Close(ctx)

	var out []*Summary
	for cur.Next(ctx) {
		var doc closedCaja
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("failed to decode archived caja: %w", err)
		}
		out = append(out, doc.summary())
	}
	return out, cur.Err()
}

func (d *closedCaja) summary() *Summary {
	return &Summary{
		CajaID:      d.CajaID,
		OpenedBy:    d.OpenedBy,
		OpenedAt:    d.OpenedAt,
		ClosedAt:    d.ClosedAt,
		Expected:    d.Expected,
		Differences: d.Differences,
		Postings:    len(d.Postings),
		Authorized:  d.Authorization != nil,
	}
}

func amounts(b domain.Balances) map[string]string {
	if b == nil {
		return nil
	}
	out := make(map[string]string, len(b))
	for t, v := range b {
		out[string(t)] = v.StringFixed(2)
	}
	return out
}
