// Package relay is the document store the calling core uses as its signaling
// bus. Callers only see Store, so the backend (MongoDB, an in-process map or
// the websocket relay server) can change without touching call logic.
package relay

import (
	"context"
	apperr "e2e_call/pkg/errors"
	"encoding/json"
	"fmt"
	"strings"
)

var ErrNotFound = apperr.ErrDocumentNotFound

type (
	// Document is a JSON-shaped record.
	Document map[string]any

	Snapshot struct {
		ID     string   `json:"id"`
		Path   string   `json:"path"`
		Exists bool     `json:"exists"`
		Data   Document `json:"data,omitempty"`
	}

	ChangeKind string

	Change struct {
		Kind     ChangeKind `json:"kind"`
		Snapshot `json:"snapshot"`
	}

	// Query selects entries of one collection by field equality.
	Query struct {
		Collection string         `json:"collection"`
		Where      map[string]any `json:"where,omitempty"`
		OrderBy    string         `json:"orderBy,omitempty"`
	}

	// Unsubscribe stops a watch. After it returns no further callback is
	// dequeued; it is safe to call more than once and from inside a callback.
	Unsubscribe func()

	Store interface {
		Get(ctx context.Context, path string) (Document, error)
		Set(ctx context.Context, path string, doc Document) error
		Update(ctx context.Context, path string, fields Document) error
		Delete(ctx context.Context, path string) error
		Add(ctx context.Context, collection string, doc Document) (string, error)
		List(ctx context.Context, q Query) ([]Snapshot, error)

		// WatchDocument delivers the current state of path, then every change.
		// A missing or deleted document is delivered with Exists false.
		WatchDocument(ctx context.Context, path string, fn func(Snapshot)) (Unsubscribe, error)

		// WatchCollection delivers every matching entry as Added, then
		// incremental changes, one batch per callback.
		WatchCollection(ctx context.Context, q Query, fn func([]Change)) (Unsubscribe, error)
	}
)

const (
	Added    ChangeKind = "added"
	Modified ChangeKind = "modified"
	Removed  ChangeKind = "removed"
)

// Join builds a slash separated document or collection path.
func Join(parts ...string) string {
	return strings.Join(parts, "/")
}

// Split returns the collection and id of a document path.
func Split(path string) (collection, id string) {
	i := strings.LastIndex(path, "/")
	if i < 0 {
		return "", path
	}
	return path[:i], path[i+1:]
}

func validDocumentPath(path string) error {
	coll, id := Split(path)
	if coll == "" || id == "" || strings.Contains(path, "//") {
		return fmt.Errorf("invalid document path %q", path)
	}
	return nil
}

// Encode turns a JSON-tagged struct into a Document.
func Encode(v any) (Document, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// Decode fills the JSON-tagged struct v from doc.
func Decode(doc Document, v any) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// normalize gives a value the shape it would have after a JSON round trip,
// so equality filters compare like with like.
func normalize(v any) any {
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return v
	}
	return out
}

func clone(doc Document) Document {
	if doc == nil {
		return nil
	}
	out, err := Encode(doc)
	if err != nil {
		return doc
	}
	return out
}
