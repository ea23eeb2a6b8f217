package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/aluiziolira/go-scrape-prices/models"
)

type priceDocument struct {
	ID          string               `bson:"_id"`
	Category    string               `bson:"category"`
	Subcategory string               `bson:"subcategory"`
	Product     string               `bson:"product"`
	Code        string               `bson:"code"`
	Price       primitive.Decimal128 `bson:"price"`
	PriceDate   time.Time            `bson:"price_date"`
}

// Mongo stores records in one collection. Batch inserts run in a session
// transaction, so the server must be a replica set.
type Mongo struct {
	client     *mongo.Client
	collection *mongo.Collection
}

// OpenMongo connects and ensures the query indexes exist.
func OpenMongo(ctx context.Context, uri, database, collection string) (*Mongo, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongo: %w", err)
	}

	coll := client.Database(database).Collection(collection)
	_, err = coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "category", Value: 1}}},
		{Keys: bson.D{{Key: "code", Value: 1}}},
		{Keys: bson.D{{Key: "price_date", Value: 1}}},
	})
	if err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("create indexes: %w", err)
	}

	return &Mongo{client: client, collection: coll}, nil
}

func (m *Mongo) InsertBatch(ctx context.Context, records []models.PriceRecord) error {
	if len(records) == 0 {
		return nil
	}

	docs := make([]interface{}, 0, len(records))
	for _, r := range records {
		doc, err := toDocument(r)
		if err != nil {
			return err
		}
		docs = append(docs, doc)
	}

	session, err := m.client.StartSession()
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	defer session.EndSession(ctx)

	_, err = session.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		return m.collection.InsertMany(sc, docs)
	})
	if err != nil {
		return fmt.Errorf("insert prices: %w", err)
	}
	return nil
}

func (m *Mongo) QueryByDate(ctx context.Context, day time.Time, order Order) ([]models.PriceRecord, error) {
	start, end := DayBounds(day)
	sort := bson.D{{Key: "category", Value: 1}, {Key: "subcategory", Value: 1}, {Key: "product", Value: 1}, {Key: "price_date", Value: 1}}
	if order == OrderByProduct {
		sort = bson.D{{Key: "product", Value: 1}, {Key: "price_date", Value: 1}}
	}
	filter := bson.M{"price_date": bson.M{"$gte": start, "$lt": end}}
	return m.find(ctx, filter, options.Find().SetSort(sort))
}

func (m *Mongo) QueryByCategory(ctx context.Context, category string, day time.Time) ([]models.PriceRecord, error) {
	start, end := DayBounds(day)
	filter := bson.M{
		"category":   category,
		"price_date": bson.M{"$gte": start, "$lt": end},
	}
	sort := bson.D{{Key: "product", Value: 1}, {Key: "price_date", Value: 1}}
	return m.find(ctx, filter, options.Find().SetSort(sort))
}

func (m *Mongo) QueryByCode(ctx context.Context, code string) ([]models.PriceRecord, error) {
	sort := bson.D{{Key: "price_date", Value: -1}}
	return m.find(ctx, bson.M{"code": code}, options.Find().SetSort(sort))
}

func (m *Mongo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := m.collection.DeleteMany(ctx, bson.M{"price_date": bson.M{"$lte": cutoff.UTC()}})
	if err != nil {
		return 0, fmt.Errorf("delete old prices: %w", err)
	}
	return res.DeletedCount, nil
}

func (m *Mongo) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}

func (m *Mongo) find(ctx context.Context, filter bson.M, opts *options.FindOptions) ([]models.PriceRecord, error) {
	cur, err := m.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("find prices: %w", err)
	}
	defer cur.Close(ctx)

	out := []models.PriceRecord{}
	for cur.Next(ctx) {
		var doc priceDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode price: %w", err)
		}
		rec, err := fromDocument(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("read prices: %w", err)
	}
	return out, nil
}

func toDocument(r models.PriceRecord) (priceDocument, error) {
	price, err := primitive.ParseDecimal128(r.Price.String())
	if err != nil {
		return priceDocument{}, fmt.Errorf("price %s: %w", r.Price, err)
	}
	return priceDocument{
		ID:          uuid.NewString(),
		Category:    r.Category,
		Subcategory: r.Subcategory,
		Product:     r.ProductName,
		Code:        r.Code,
		Price:       price,
		PriceDate:   r.ObservedAt.UTC(),
	}, nil
}

func fromDocument(doc priceDocument) (models.PriceRecord, error) {
	price, err := decimal.NewFromString(doc.Price.String())
	if err != nil {
		return models.PriceRecord{}, fmt.Errorf("price %s: %w", doc.Price, err)
	}
	return models.PriceRecord{
		ID:          doc.ID,
		Category:    doc.Category,
		Subcategory: doc.Subcategory,
		ProductName: doc.Product,
		Code:        doc.Code,
		Price:       price,
		ObservedAt:  doc.PriceDate.UTC(),
	}, nil
}
