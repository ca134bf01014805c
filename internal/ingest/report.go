package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jeniawhite/noobaa-core/internal/types"
)

var errInvalidReport = errors.New("invalid node report")

// decodeReport parses a node report. The node ID defaults to the last token
// of the subject (placement.nodes.<id>) and the heartbeat to the time the
// report was published.
func decodeReport(subject string, data []byte, published time.Time) (*types.Node, error) {
	var node types.Node
	if err := json.Unmarshal(data, &node); err != nil {
		return nil, fmt.Errorf("%w: %v", errInvalidReport, err)
	}
	if node.ID == "" {
		if i := strings.LastIndexByte(subject, '.'); i >= 0 && i < len(subject)-1 {
			node.ID = subject[i+1:]
		}
	}
	if node.ID == "" {
		return nil, fmt.Errorf("%w: missing node id", errInvalidReport)
	}
	if node.PoolID == "" {
		return nil, fmt.Errorf("%w: node %s has no pool", errInvalidReport, node.ID)
	}
	if node.Heartbeat.IsZero() {
		node.Heartbeat = published
	}
	if node.Storage.Free == 0 && node.Storage.Total > node.Storage.Used {
		node.Storage.Free = node.Storage.Total - node.Storage.Used
	}
	// Deletion is an administrative action, never reported by the node.
	node.Deleted = nil
	return &node, nil
}
