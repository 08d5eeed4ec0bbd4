package relay

// Frames exchanged with the websocket relay server. Every request carries an
// id echoed by its response; watch events carry the id of the watch request.
type (
	Request struct {
		ID         uint64   `json:"id"`
		Op         string   `json:"op"`
		Path       string   `json:"path,omitempty"`
		Collection string   `json:"collection,omitempty"`
		Doc        Document `json:"doc,omitempty"`
		Query      *Query   `json:"query,omitempty"`
		WatchID    uint64   `json:"watchId,omitempty"`
	}

	Response struct {
		ID        uint64     `json:"id,omitempty"`
		Code      string     `json:"code,omitempty"`
		Error     string     `json:"error,omitempty"`
		Doc       Document   `json:"doc,omitempty"`
		DocID     string     `json:"docId,omitempty"`
		Snapshots []Snapshot `json:"snapshots,omitempty"`
		Event     *Event     `json:"event,omitempty"`
	}

	Event struct {
		WatchID  uint64    `json:"watchId"`
		Snapshot *Snapshot `json:"snapshot,omitempty"`
		Changes  []Change  `json:"changes,omitempty"`
	}
)

const (
	OpGet             = "get"
	OpSet             = "set"
	OpUpdate          = "update"
	OpDelete          = "delete"
	OpAdd             = "add"
	OpList            = "list"
	OpWatchDocument   = "watchDocument"
	OpWatchCollection = "watchCollection"
	OpUnwatch         = "unwatch"
)
