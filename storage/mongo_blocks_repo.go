package storage

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"golang.org/x/exp/slices"
	"golang.org/x/exp/slog"

	"voting-simulator/models"
)

const blocksCollection = "blocks"

func InitMongoConn(host, database string) (*mongo.Database, error) {
	ctx, c := context.WithTimeout(context.Background(), 10*time.Second)
	defer c()

	opts := options.Client().ApplyURI(host)
	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to mongo")
	}

	if err := client.Ping(ctx, nil); err != nil {
		return nil, errors.Wrap(err, "failed to ping mongo")
	}

	return client.Database(database), nil
}

// MongoBlocksRepo mirrors mined blocks into MongoDB so they can be queried
// outside the simulator. The JSON snapshot stays the source of truth.
type MongoBlocksRepo struct {
	db *mongo.Database
}

// NewMongoBlocksRepo initializes the blocks repository, creating the
// collection and its indexes on first use.
func NewMongoBlocksRepo(db *mongo.Database) (*MongoBlocksRepo, error) {
	colls, err := db.ListCollectionNames(context.Background(), bson.M{})
	if err != nil {
		return nil, errors.Wrap(err, "failed to list collection names")
	}

	if !slices.Contains(colls, blocksCollection) {
		if err := db.CreateCollection(context.Background(), blocksCollection); err != nil {
			return nil, errors.Wrap(err, "failed to create blocks collection")
		}

		idx := []mongo.IndexModel{
			{
				Keys: bson.D{
					{Key: "election_id", Value: 1},
					{Key: "index", Value: 1},
				},
				Options: options.Index().SetUnique(true),
			},
			{
				Keys: bson.D{{Key: "hash", Value: -1}},
			},
			{
				Keys: bson.D{
					{Key: "election_id", Value: 1},
					{Key: "transactions.candidate_id", Value: 1},
				},
			},
		}
		slog.Info("creating indexes", "collection", blocksCollection, "count", len(idx))
		if _, err := db.Collection(blocksCollection).Indexes().CreateMany(context.Background(), idx); err != nil {
			return nil, errors.Wrap(err, "failed to create indexes")
		}
	}

	return &MongoBlocksRepo{db: db}, nil
}

// UpsertBlock writes a block keyed by election and index, so mirroring the
// same block twice is harmless.
func (r *MongoBlocksRepo) UpsertBlock(ctx context.Context, electionID string, block *models.Block) error {
	m := BlockDoc{}.FromBlock(electionID, block)
	opts := options.Update().
		SetUpsert(true)
	f := bson.M{
		"election_id": m.ElectionID,
		"index":       m.Index,
	}
	u := bson.M{
		"$set": m,
	}

	if _, err := r.db.Collection(blocksCollection).UpdateOne(ctx, f, u, opts); err != nil {
		return errors.Wrapf(err, "failed to upsert block %d", block.Index)
	}
	return nil
}

// Blocks returns the mirrored blocks of an election in chain order.
func (r *MongoBlocksRepo) Blocks(ctx context.Context, electionID string) ([]*models.Block, error) {
	opts := options.Find().SetSort(bson.D{{Key: "index", Value: 1}})
	cur, err := r.db.Collection(blocksCollection).Find(ctx, bson.M{"election_id": electionID}, opts)
	if err != nil {
		return nil, errors.Wrap(err, "failed to find blocks")
	}
	defer cur.Close(ctx)

	var docs []BlockDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, errors.Wrap(err, "failed to decode blocks")
	}

	blocks := make([]*models.Block, len(docs))
	for i := range docs {
		blocks[i] = docs[i].ToBlock()
	}
	return blocks, nil
}

func (r *MongoBlocksRepo) Close(ctx context.Context) error {
	return r.db.Client().Disconnect(ctx)
}
