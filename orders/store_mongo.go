package main

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/velocart/platform/common/events"
	"github.com/velocart/platform/common/money"
)

// MongoStore persists orders in the "orders" collection. Documents are
// written and read through bson.M with manual field mapping, and every
// update filters on (_id, version) so stale writers miss.
type MongoStore struct {
	collection *mongo.Collection
}

func NewMongoStore(client *mongo.Client) *MongoStore {
	return &MongoStore{collection: client.Database("orders").Collection("orders")}
}

func orderDoc(o *Order) bson.M {
	items := make(bson.A, 0, len(o.Items))
	for _, item := range o.Items {
		items = append(items, bson.M{
			"productId": item.ProductID,
			"name":      item.Name,
			"quantity":  item.Quantity,
			"unitPriceAmount":   item.UnitPrice.Amount,
			"unitPriceCurrency": item.UnitPrice.Currency,
		})
	}
	return bson.M{
		"customerID":    o.CustomerID,
		"status":        string(o.Status),
		"items":         items,
		"totalAmount":   o.TotalAmount.Amount,
		"currency":      o.TotalAmount.Currency,
		"reservations":  o.Reservations,
		"cancelReason":  o.CancelReason,
		"initiator":     o.Initiator,
		"transactionID": o.TransactionID,
		"createdAt":     o.CreatedAt,
		"updatedAt":     o.UpdatedAt,
	}
}

func docOrder(doc bson.M) *Order {
	o := &Order{
		CustomerID:    getString(doc, "customerID"),
		Status:        Status(getString(doc, "status")),
		CancelReason:  getString(doc, "cancelReason"),
		Initiator:     getString(doc, "initiator"),
		TransactionID: getString(doc, "transactionID"),
		Reservations:  map[string]string{},
	}
	if id, ok := doc["_id"].(string); ok {
		o.ID = id
	}
	if v, ok := doc["version"].(int64); ok {
		o.Version = v
	} else if v, ok := doc["version"].(int32); ok {
		o.Version = int64(v)
	}
	o.TotalAmount = money.Money{
		Amount:   getInt64(doc, "totalAmount"),
		Currency: getString(doc, "currency"),
	}
	if t, ok := doc["createdAt"].(primitive.DateTime); ok {
		o.CreatedAt = t.Time()
	} else if t, ok := doc["createdAt"].(time.Time); ok {
		o.CreatedAt = t
	}
	if t, ok := doc["updatedAt"].(primitive.DateTime); ok {
		o.UpdatedAt = t.Time()
	} else if t, ok := doc["updatedAt"].(time.Time); ok {
		o.UpdatedAt = t
	}
	if itemsRaw, ok := doc["items"].(bson.A); ok {
		for _, itemRaw := range itemsRaw {
			if itemDoc, ok := itemRaw.(bson.M); ok {
				o.Items = append(o.Items, events.OrderItem{
					ProductID: getString(itemDoc, "productId"),
					Name:      getString(itemDoc, "name"),
					Quantity:  int(getInt64(itemDoc, "quantity")),
					UnitPrice: money.Money{
						Amount:   getInt64(itemDoc, "unitPriceAmount"),
						Currency: getString(itemDoc, "unitPriceCurrency"),
					},
				})
			}
		}
	}
	if resRaw, ok := doc["reservations"].(bson.M); ok {
		for k, v := range resRaw {
			if s, ok := v.(string); ok {
				o.Reservations[k] = s
			}
		}
	}
	return o
}

func (s *MongoStore) Create(ctx context.Context, o *Order) error {
	doc := orderDoc(o)
	doc["_id"] = o.ID
	doc["version"] = int64(1)
	if _, err := s.collection.InsertOne(ctx, doc); err != nil {
		return err
	}
	o.Version = 1
	return nil
}

func (s *MongoStore) Get(ctx context.Context, orderID string) (*Order, error) {
	var doc bson.M
	err := s.collection.FindOne(ctx, bson.M{"_id": orderID}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}
	return docOrder(doc), nil
}

func (s *MongoStore) Update(ctx context.Context, o *Order) error {
	update := orderDoc(o)
	update["version"] = o.Version + 1
	update["updatedAt"] = time.Now()

	filter := bson.M{"_id": o.ID, "version": o.Version}
	result, err := s.collection.UpdateOne(ctx, filter, bson.M{"$set": update})
	if err != nil {
		return err
	}
	if result.MatchedCount == 0 {
		// Either the order vanished or a concurrent writer won the version.
		if _, getErr := s.Get(ctx, o.ID); getErr != nil {
			return getErr
		}
		return ErrVersionConflict
	}
	o.Version++
	return nil
}

func (s *MongoStore) RecentByCustomer(ctx context.Context, customerID string, since time.Time) ([]*Order, error) {
	filter := bson.M{
		"customerID": customerID,
		"createdAt":  bson.M{"$gte": since},
	}
	return s.find(ctx, filter)
}

func (s *MongoStore) ByStatus(ctx context.Context, status Status) ([]*Order, error) {
	return s.find(ctx, bson.M{"status": string(status)})
}

func (s *MongoStore) find(ctx context.Context, filter bson.M) ([]*Order, error) {
	cursor, err := s.collection.Find(ctx, filter)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var orders []*Order
	for cursor.Next(ctx) {
		var doc bson.M
		if err := cursor.Decode(&doc); err != nil {
			return nil, err
		}
		orders = append(orders, docOrder(doc))
	}
	if err := cursor.Err(); err != nil {
		return nil, err
	}
	return orders, nil
}

func getString(m bson.M, key string) string {
	if val, ok := m[key].(string); ok {
		return val
	}
	return ""
}

func getInt64(m bson.M, key string) int64 {
	switch v := m[key].(type) {
	case int64:
		return v
	case int32:
		return int64(v)
	case int:
		return int64(v)
	}
	return 0
}

var _ OrderStore = (*MongoStore)(nil)
