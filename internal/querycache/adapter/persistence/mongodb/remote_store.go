// Package mongodb implements the remote document store on MongoDB.
package mongodb

import (
	"context"
	"fmt"
	"time"

	"school-portal/internal/querycache/adapter/stream"
	"school-portal/internal/querycache/domain/model"
	"school-portal/internal/querycache/domain/repository"
	"school-portal/internal/shared/logger"

	"github.com/jonboulle/clockwork"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// RemoteStore implements repository.RemoteStore on a MongoDB database. Each
// collection maps to a MongoDB collection of the same name; document IDs are
// stored in _id.
type RemoteStore struct {
	db            *mongo.Database
	changeStreams bool
	clock         clockwork.Clock
	log           logger.Logger
}

var _ repository.RemoteStore = (*RemoteStore)(nil)

// NewRemoteStore creates a RemoteStore. With changeStreams disabled a
// listener delivers its initial snapshot only.
func NewRemoteStore(db *mongo.Database, changeStreams bool, clock clockwork.Clock, log logger.Logger) *RemoteStore {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if log == nil {
		log = logger.NewNopLogger()
	}
	return &RemoteStore{
		db:            db,
		changeStreams: changeStreams,
		clock:         clock,
		log:           log.WithComponent("mongodb_remote_store"),
	}
}

// Connect opens and pings a client.
func Connect(ctx context.Context, uri string) (*mongo.Client, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}
	return client, nil
}

// Query implements repository.RemoteStore.
func (s *RemoteStore) Query(ctx context.Context, spec model.QuerySpec) ([]model.Document, error) {
	filter, opts := buildQuery(spec)
	cur, err := s.db.Collection(string(spec.Collection())).Find(ctx, filter, opts)
	if err != nil {
		s.log.WithContext(ctx).Errorf("Find on %s failed: %v", spec.Collection(), err)
		return nil, err
	}
	defer cur.Close(ctx)

	docs := make([]model.Document, 0, spec.Limit())
	for cur.Next(ctx) {
		var raw bson.M
		if err := cur.Decode(&raw); err != nil {
			s.log.WithContext(ctx).Warnf("Skipping undecodable document in %s: %v", spec.Collection(), err)
			continue
		}
		docs = append(docs, fromBSON(raw))
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return docs, nil
}

// Listen implements repository.RemoteStore. Every change event on the
// collection triggers a full re-query of the live window.
func (s *RemoteStore) Listen(ctx context.Context, spec model.QuerySpec) (repository.SnapshotStream, error) {
	listenCtx, cancel := context.WithCancel(ctx)

	issuedAt := s.clock.Now()
	rows, err := s.Query(listenCtx, spec)
	if err != nil {
		cancel()
		return nil, err
	}

	var cs *mongo.ChangeStream
	if s.changeStreams {
		cs, err = s.db.Collection(string(spec.Collection())).Watch(listenCtx, mongo.Pipeline{})
		if err != nil {
			cancel()
			return nil, fmt.Errorf("failed to open change stream on %s: %w", spec.Collection(), err)
		}
	}

	st := stream.New(cancel)
	st.Offer(model.Snapshot{Rows: rows, IssuedAt: issuedAt})

	if cs == nil {
		go func() {
			<-listenCtx.Done()
			st.Finish()
		}()
		return st, nil
	}
	go s.watch(listenCtx, spec, cs, st)
	return st, nil
}

func (s *RemoteStore) watch(ctx context.Context, spec model.QuerySpec, cs *mongo.ChangeStream, st *stream.Stream) {
	defer st.Finish()
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = cs.Close(closeCtx)
	}()

	log := s.log.WithContext(ctx).WithFields(map[string]interface{}{"query_id": string(spec.ID())})
	for cs.Next(ctx) {
		// fold a burst of events into one re-query
		for cs.RemainingBatchLength() > 0 {
			if !cs.TryNext(ctx) {
				break
			}
		}

		issuedAt := s.clock.Now()
		rows, err := s.Query(ctx, spec)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warnf("Re-query after change failed: %v", err)
			st.Fail(err)
			continue
		}
		st.Offer(model.Snapshot{Rows: rows, IssuedAt: issuedAt})
	}

	if err := cs.Err(); err != nil && ctx.Err() == nil {
		log.Errorf("Change stream ended: %v", err)
		st.Fail(err)
	}
}

// Upsert writes a document, replacing any existing one with the same ID.
func (s *RemoteStore) Upsert(ctx context.Context, collection model.Collection, doc model.Document) error {
	_, err := s.db.Collection(string(collection)).ReplaceOne(ctx,
		bson.M{idField: doc.ID}, toBSON(doc), options.Replace().SetUpsert(true))
	return err
}

// Ping checks connectivity.
func (s *RemoteStore) Ping(ctx context.Context) error {
	return s.db.Client().Ping(ctx, nil)
}
