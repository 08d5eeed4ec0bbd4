package relay

import (
	"context"
	"e2e_call/internal/utils/log"
	"encoding/json"
	"errors"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

const documentsCollection = "documents"

type (
	// mongoDocument stores one relay document keyed by its full path.
	mongoDocument struct {
		Path       string    `bson:"_id"`
		Collection string    `bson:"collection"`
		Data       bson.M    `bson:"data"`
		UpdatedAt  time.Time `bson:"updated_at"`
	}

	changeEvent struct {
		OperationType string `bson:"operationType"`
		DocumentKey   struct {
			ID string `bson:"_id"`
		} `bson:"documentKey"`
		FullDocument *mongoDocument `bson:"fullDocument"`
	}

	// Mongo is the relay Store backing the server. Watches use change streams,
	// so the deployment must be a replica set.
	Mongo struct {
		collection *mongo.Collection
	}
)

func NewMongo(db *mongo.Database) *Mongo {
	opts := options.Collection().SetBSONOptions(&options.BSONOptions{DefaultDocumentM: true})
	return &Mongo{
		collection: db.Collection(documentsCollection, opts),
	}
}

// EnsureIndexes creates the collection index used by queries and watches.
func (r *Mongo) EnsureIndexes(ctx context.Context) error {
	_, err := r.collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "collection", Value: 1}},
	})
	return err
}

func (r *Mongo) Get(ctx context.Context, path string) (Document, error) {
	if err := validDocumentPath(path); err != nil {
		return nil, err
	}
	var md mongoDocument
	err := r.collection.FindOne(ctx, bson.M{"_id": path}).Decode(&md)
	if err == mongo.ErrNoDocuments {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return fromBSON(md.Data)
}

func (r *Mongo) Set(ctx context.Context, path string, doc Document) error {
	if err := validDocumentPath(path); err != nil {
		return err
	}
	coll, _ := Split(path)
	if doc == nil {
		doc = Document{}
	}
	md := mongoDocument{
		Path:       path,
		Collection: coll,
		Data:       bson.M(doc),
		UpdatedAt:  time.Now(),
	}
	_, err := r.collection.ReplaceOne(ctx, bson.M{"_id": path}, md, options.Replace().SetUpsert(true))
	return err
}

func (r *Mongo) Update(ctx context.Context, path string, fields Document) error {
	if err := validDocumentPath(path); err != nil {
		return err
	}
	set := bson.M{"updated_at": time.Now()}
	for k, v := range fields {
		set["data."+k] = v
	}
	res, err := r.collection.UpdateOne(ctx, bson.M{"_id": path}, bson.M{"$set": set})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Mongo) Delete(ctx context.Context, path string) error {
	if err := validDocumentPath(path); err != nil {
		return err
	}
	_, err := r.collection.DeleteOne(ctx, bson.M{"_id": path})
	return err
}

func (r *Mongo) Add(ctx context.Context, collection string, doc Document) (string, error) {
	id := uuid.NewString()
	if err := r.Set(ctx, Join(collection, id), doc); err != nil {
		return "", err
	}
	return id, nil
}

func (r *Mongo) List(ctx context.Context, q Query) ([]Snapshot, error) {
	filter := bson.M{"collection": q.Collection}
	for k, v := range q.Where {
		filter["data."+k] = v
	}

	opts := options.Find()
	if q.OrderBy != "" {
		opts.SetSort(bson.D{{Key: "data." + q.OrderBy, Value: 1}, {Key: "updated_at", Value: 1}})
	}

	cur, err := r.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []Snapshot
	for cur.Next(ctx) {
		var md mongoDocument
		if err := cur.Decode(&md); err != nil {
			return nil, err
		}
		snap, err := md.snapshot()
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, cur.Err()
}

func (r *Mongo) WatchDocument(ctx context.Context, path string, fn func(Snapshot)) (Unsubscribe, error) {
	if err := validDocumentPath(path); err != nil {
		return nil, err
	}
	pipeline := mongo.Pipeline{{{Key: "$match", Value: bson.M{"documentKey._id": path}}}}

	return r.watch(ctx, pipeline, func(ctx context.Context, d *dispatcher) error {
		doc, err := r.Get(ctx, path)
		_, id := Split(path)
		snap := Snapshot{ID: id, Path: path}
		switch {
		case errors.Is(err, ErrNotFound):
		case err != nil:
			return err
		default:
			snap.Exists = true
			snap.Data = doc
		}
		d.push(func() { fn(snap) })
		return nil
	}, func(ev changeEvent, d *dispatcher) {
		snap, err := ev.snapshot()
		if err != nil {
			log.Error("decode change event failed", zap.String("path", path), zap.Error(err))
			return
		}
		d.push(func() { fn(snap) })
	})
}

func (r *Mongo) WatchCollection(ctx context.Context, q Query, fn func([]Change)) (Unsubscribe, error) {
	q = normalizeQuery(q)
	prefix := "^" + regexp.QuoteMeta(q.Collection+"/") + "[^/]+$"
	pipeline := mongo.Pipeline{{{Key: "$match", Value: bson.M{"documentKey._id": bson.M{"$regex": prefix}}}}}

	var mu sync.Mutex
	matched := make(map[string]bool)

	return r.watch(ctx, pipeline, func(ctx context.Context, d *dispatcher) error {
		snaps, err := r.List(ctx, q)
		if err != nil {
			return err
		}
		mu.Lock()
		changes := make([]Change, 0, len(snaps))
		for _, s := range snaps {
			matched[s.Path] = true
			changes = append(changes, Change{Kind: Added, Snapshot: s})
		}
		mu.Unlock()
		d.push(func() { fn(changes) })
		return nil
	}, func(ev changeEvent, d *dispatcher) {
		snap, err := ev.snapshot()
		if err != nil {
			log.Error("decode change event failed", zap.String("collection", q.Collection), zap.Error(err))
			return
		}

		mu.Lock()
		was := matched[snap.Path]
		is := snap.Exists && matches(snap.Data, q.Where)
		var kind ChangeKind
		switch {
		case !was && is:
			kind = Added
			matched[snap.Path] = true
		case was && is:
			kind = Modified
		case was && !is:
			kind = Removed
			delete(matched, snap.Path)
		}
		mu.Unlock()

		if kind == "" {
			return
		}
		change := Change{Kind: kind, Snapshot: snap}
		d.push(func() { fn([]Change{change}) })
	})
}

// watch opens the change stream before taking the initial snapshot so no
// write between the two is lost.
func (r *Mongo) watch(
	ctx context.Context,
	pipeline mongo.Pipeline,
	initial func(context.Context, *dispatcher) error,
	onEvent func(changeEvent, *dispatcher),
) (Unsubscribe, error) {
	watchCtx, cancel := context.WithCancel(ctx)
	opts := options.ChangeStream().SetFullDocument(options.UpdateLookup)

	cs, err := r.collection.Watch(watchCtx, pipeline, opts)
	if err != nil {
		cancel()
		return nil, err
	}

	d := newDispatcher()
	if err := initial(watchCtx, d); err != nil {
		cancel()
		d.stop()
		cs.Close(context.Background())
		return nil, err
	}

	go func() {
		defer cs.Close(context.Background())
		for cs.Next(watchCtx) {
			var ev changeEvent
			if err := cs.Decode(&ev); err != nil {
				log.Error("decode change stream failed", zap.Error(err))
				continue
			}
			onEvent(ev, d)
		}
		if err := cs.Err(); err != nil && watchCtx.Err() == nil {
			log.Error("change stream stopped", zap.Error(err))
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.stop()
			cancel()
		})
	}, nil
}

func (md *mongoDocument) snapshot() (Snapshot, error) {
	_, id := Split(md.Path)
	data, err := fromBSON(md.Data)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{ID: id, Path: md.Path, Exists: true, Data: data}, nil
}

func (ev changeEvent) snapshot() (Snapshot, error) {
	if ev.OperationType == "delete" || ev.FullDocument == nil {
		_, id := Split(ev.DocumentKey.ID)
		return Snapshot{ID: id, Path: ev.DocumentKey.ID}, nil
	}
	return ev.FullDocument.snapshot()
}

// fromBSON reshapes stored data into plain JSON values.
func fromBSON(m bson.M) (Document, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	if doc == nil {
		doc = Document{}
	}
	return doc, nil
}
