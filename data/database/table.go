package database

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/mongo"
)

type Table interface {
	GetTableName() string
	Collection() *mongo.Collection
	Indexes() []mongo.IndexModel
}

// EnsureIndexes 启动时为每个集合建索引（幂等）
func EnsureIndexes(ctx context.Context, tables ...Table) error {
	for _, t := range tables {
		idx := t.Indexes()
		if len(idx) == 0 {
			continue
		}
		c := t.Collection()
		if c == nil {
			return fmt.Errorf("ensure indexes %s: collection unavailable", t.GetTableName())
		}
		if _, err := c.Indexes().CreateMany(ctx, idx); err != nil {
			return fmt.Errorf("ensure indexes %s: %w", t.GetTableName(), err)
		}
	}
	return nil
}
