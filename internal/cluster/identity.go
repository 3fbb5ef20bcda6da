package cluster

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// Version is advertised in discovery datagrams so peers can reason about
// feature compatibility.
const Version = "1.0.0"

// features lists the execution modes this node accepts for delegated work.
var features = []string{"parallel", "broadcast"}

// LoadNodeID returns this machine's stable node identity, creating and
// persisting a fresh one on first run. The id survives restarts so peers
// keep their enabled/disabled decision for this node.
func LoadNodeID(path string) (string, error) {
	raw, err := os.ReadFile(path)
	if err == nil {
		id := strings.TrimSpace(string(raw))
		if strings.HasPrefix(id, "node_") {
			return id, nil
		}
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("read node id: %w", err)
	}

	id := "node_" + uuid.NewString()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create data dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(id+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("persist node id: %w", err)
	}
	return id, nil
}
