package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oxidehq/oxide/internal/config"
	"github.com/oxidehq/oxide/internal/data"
	"github.com/oxidehq/oxide/pkg/types"
)

// fixedView is a LocalView with constant numbers.
type fixedView struct {
	active   int
	total    int
	services map[string]types.PeerService
}

func (v fixedView) ActiveTasks() int { return v.active }
func (v fixedView) TotalTasks() int  { return v.total }
func (v fixedView) ServicesSnapshot() map[string]types.PeerService {
	if v.services == nil {
		return map[string]types.PeerService{}
	}
	return v.services
}

func newTestCoordinator(t *testing.T, view LocalView) (*Coordinator, *data.Store) {
	t.Helper()
	tmp := t.TempDir()

	store, err := data.New(filepath.Join(tmp, "oxide.db"), filepath.Join(tmp, "oxide.key"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg := config.ClusterConfig{
		Enabled:              true,
		Port:                 0,
		DiscoveryIntervalSec: 5,
		AdvertisePort:        8844,
	}
	c, err := New(cfg, store, view, tmp)
	require.NoError(t, err)
	return c, store
}

func peerNode(id string, cpuPct, memPct float64, active int, services ...string) types.PeerNode {
	svcs := make(map[string]types.PeerService, len(services))
	for _, s := range services {
		svcs[s] = types.PeerService{Type: "ollama"}
	}
	return types.PeerNode{
		NodeID:        id,
		Hostname:      id + "-host",
		IPAddress:     "192.168.1.10",
		Port:          8844,
		Services:      svcs,
		CPUPercent:    cpuPct,
		MemoryPercent: memPct,
		ActiveTasks:   active,
		LastSeen:      time.Now(),
		Healthy:       true,
		Enabled:       true,
		Version:       Version,
	}
}

func TestLoadNodeID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node_id")

	id, err := LoadNodeID(path)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(id, "node_"))

	again, err := LoadNodeID(path)
	require.NoError(t, err)
	assert.Equal(t, id, again, "identity is stable across restarts")
}

func TestPeerTableUpsert(t *testing.T) {
	table := newPeerTable()

	first := table.upsert(peerNode("node_x", 50, 50, 0, "ollama"))
	assert.True(t, first.Enabled, "new peers start enabled")
	assert.False(t, first.FirstSeen.IsZero())

	table.setEnabled("node_x", false)

	second := table.upsert(peerNode("node_x", 20, 20, 1, "ollama"))
	assert.False(t, second.Enabled, "local enabled decision survives updates")
	assert.Equal(t, first.FirstSeen, second.FirstSeen)
	assert.Equal(t, 20.0, second.CPUPercent)
}

func TestPeerTableSweep(t *testing.T) {
	table := newPeerTable()
	stale := peerNode("node_old", 10, 10, 0)
	stale.LastSeen = time.Now().Add(-time.Hour)
	table.upsert(stale)
	table.upsert(peerNode("node_fresh", 10, 10, 0))

	flipped := table.markUnhealthy(time.Now().Add(-time.Minute))
	assert.Equal(t, []string{"node_old"}, flipped)
	assert.Empty(t, table.markUnhealthy(time.Now().Add(-time.Minute)), "health flip logs once")

	gone := table.evict(time.Now().Add(-30 * time.Minute))
	assert.Equal(t, []string{"node_old"}, gone)

	remaining := table.list()
	require.Len(t, remaining, 1)
	assert.Equal(t, "node_fresh", remaining[0].NodeID)
}

func TestSelectBestNode(t *testing.T) {
	t.Run("less loaded peer wins over busy local", func(t *testing.T) {
		c, _ := newTestCoordinator(t, fixedView{active: 0})
		c.sample = func(context.Context) (float64, float64) { return 90, 90 }
		c.table.upsert(peerNode("node_calm", 10, 10, 0, "ollama"))

		best := c.SelectBestNode(context.Background(), "general", "ollama")
		require.NotNil(t, best)
		assert.Equal(t, "node_calm", best.NodeID)
	})

	t.Run("idle local keeps the task", func(t *testing.T) {
		c, _ := newTestCoordinator(t, fixedView{active: 0})
		c.sample = func(context.Context) (float64, float64) { return 5, 5 }
		c.table.upsert(peerNode("node_busy", 80, 80, 2, "ollama"))

		assert.Nil(t, c.SelectBestNode(context.Background(), "general", "ollama"))
	})

	t.Run("disabled and unhealthy peers are skipped", func(t *testing.T) {
		c, store := newTestCoordinator(t, fixedView{active: 0})
		c.sample = func(context.Context) (float64, float64) { return 90, 90 }

		off := peerNode("node_off", 1, 1, 0, "ollama")
		require.NoError(t, store.UpsertPeer(context.Background(), &off))
		c.table.upsert(off)
		require.NoError(t, c.SetEnabled(context.Background(), "node_off", false))

		c.table.upsert(peerNode("node_dead", 1, 1, 0, "ollama"))
		c.table.markUnhealthy(time.Now().Add(time.Minute))

		assert.Nil(t, c.SelectBestNode(context.Background(), "general", "ollama"))
	})

	t.Run("required service filters candidates", func(t *testing.T) {
		c, _ := newTestCoordinator(t, fixedView{active: 0})
		c.sample = func(context.Context) (float64, float64) { return 90, 90 }
		c.table.upsert(peerNode("node_other", 10, 10, 0, "lmstudio"))

		assert.Nil(t, c.SelectBestNode(context.Background(), "general", "ollama"))
	})

	t.Run("active tasks penalise the score", func(t *testing.T) {
		c, _ := newTestCoordinator(t, fixedView{active: 0})
		c.sample = func(context.Context) (float64, float64) { return 40, 40 }
		// Same utilisation, but three in-flight tasks push it over.
		c.table.upsert(peerNode("node_loaded", 40, 40, 3, "ollama"))

		assert.Nil(t, c.SelectBestNode(context.Background(), "general", "ollama"))
	})
}

func TestIngest(t *testing.T) {
	c, store := newTestCoordinator(t, fixedView{})

	node := peerNode("node_remote", 30, 40, 1, "ollama")
	raw, err := json.Marshal(envelope{Type: datagramType, Node: &node})
	require.NoError(t, err)

	c.ingest(raw, &net.UDPAddr{IP: net.ParseIP("192.168.1.10"), Port: 8843})

	peers := c.Peers()
	require.Len(t, peers, 1)
	assert.Equal(t, "node_remote", peers[0].NodeID)
	assert.True(t, peers[0].Healthy)

	persisted, err := store.GetPeer(context.Background(), "node_remote")
	require.NoError(t, err)
	assert.Equal(t, "node_remote", persisted.NodeID)

	t.Run("own announcements are dropped", func(t *testing.T) {
		self := peerNode(c.NodeID(), 1, 1, 0)
		raw, err := json.Marshal(envelope{Type: datagramType, Node: &self})
		require.NoError(t, err)
		c.ingest(raw, nil)
		assert.Len(t, c.Peers(), 1)
	})

	t.Run("foreign datagram types are ignored", func(t *testing.T) {
		c.ingest([]byte(`{"type":"mdns","node":{"node_id":"node_noise"}}`), nil)
		assert.Len(t, c.Peers(), 1)
	})
}

func TestRetryableReadErr(t *testing.T) {
	ctx := context.Background()

	assert.True(t, retryableReadErr(ctx, syscall.ECONNREFUSED),
		"ICMP-induced refusal must not stop the listener")
	assert.True(t, retryableReadErr(ctx, errors.New("read udp: message too long")))

	assert.False(t, retryableReadErr(ctx, net.ErrClosed))
	assert.False(t, retryableReadErr(ctx, &net.OpError{Op: "read", Err: net.ErrClosed}))

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	assert.False(t, retryableReadErr(cancelled, syscall.ECONNREFUSED))
}

func TestAnnouncementSizeCap(t *testing.T) {
	models := make([]string, 300)
	for i := range models {
		models[i] = "some-extremely-long-model-name-" + strconv.Itoa(i)
	}
	view := fixedView{services: map[string]types.PeerService{
		"ollama": {Type: "ollama", Models: models},
	}}

	c, _ := newTestCoordinator(t, view)
	c.sample = func(context.Context) (float64, float64) { return 10, 10 }

	payload, err := c.announcement(context.Background())
	require.NoError(t, err)
	assert.LessOrEqual(t, len(payload), maxDatagram)

	var env envelope
	require.NoError(t, json.Unmarshal(payload, &env))
	assert.Equal(t, datagramType, env.Type)
	assert.Empty(t, env.Node.Services["ollama"].Models, "model lists trimmed to fit")
}

func TestSeedFromStore(t *testing.T) {
	tmp := t.TempDir()
	store, err := data.New(filepath.Join(tmp, "oxide.db"), filepath.Join(tmp, "oxide.key"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	saved := peerNode("node_saved", 10, 10, 0, "ollama")
	saved.Enabled = false
	require.NoError(t, store.UpsertPeer(context.Background(), &saved))

	cfg := config.ClusterConfig{Port: 0, DiscoveryIntervalSec: 5}
	c, err := New(cfg, store, fixedView{}, tmp)
	require.NoError(t, err)

	peers := c.Peers()
	require.Len(t, peers, 1)
	assert.Equal(t, "node_saved", peers[0].NodeID)
	assert.False(t, peers[0].Enabled, "enabled flag persists across restarts")
	assert.False(t, peers[0].Healthy, "health resets until a datagram arrives")
}

// peerAddr splits an httptest server URL into the ip and port a PeerNode
// carries.
func peerAddr(t *testing.T, rawURL string) (string, int) {
	t.Helper()
	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	host, portStr, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return host, port
}

func TestDelegate(t *testing.T) {
	var gotBody delegateRequest
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		json.NewEncoder(w).Encode(DelegateResponse{Result: "delegated answer", Service: "ollama"})
	}))
	defer srv.Close()

	c, _ := newTestCoordinator(t, fixedView{})
	ip, port := peerAddr(t, srv.URL)
	peer := peerNode("node_worker", 10, 10, 0, "ollama")
	peer.IPAddress = ip
	peer.Port = port

	resp, err := c.Delegate(context.Background(), &peer, "summarize the design", []string{"doc.md"},
		map[string]any{"task_type": "documentation"})
	require.NoError(t, err)
	assert.Equal(t, "delegated answer", resp.Result)

	assert.Equal(t, "/api/tasks/execute", gotPath)
	assert.Equal(t, "summarize the design", gotBody.Prompt)
	assert.Equal(t, []string{"doc.md"}, gotBody.Files)
	assert.Equal(t, "documentation", gotBody.Preferences["task_type"])
}

func TestDelegateTaskRecordsPeer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(DelegateResponse{Result: "remote result"})
	}))
	defer srv.Close()

	c, store := newTestCoordinator(t, fixedView{})
	ip, port := peerAddr(t, srv.URL)
	peer := peerNode("node_worker", 10, 10, 0, "ollama")
	peer.IPAddress = ip
	peer.Port = port

	resp, err := c.DelegateTask(context.Background(), &peer, "hello", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "remote result", resp.Result)
	require.NotEmpty(t, resp.TaskID)

	rec, err := store.GetTask(context.Background(), resp.TaskID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, rec.Status)
	assert.Equal(t, "node_worker", rec.Service, "record carries the executing peer's node id")
	assert.Equal(t, "remote result", rec.Result)
}

func TestDelegateFailureFailsRecord(t *testing.T) {
	c, store := newTestCoordinator(t, fixedView{})
	peer := peerNode("node_gone", 10, 10, 0, "ollama")
	peer.IPAddress = "127.0.0.1"
	peer.Port = 1 // nothing listens here

	_, err := c.DelegateTask(context.Background(), &peer, "hello", nil, nil)
	require.Error(t, err)

	tasks, err := store.ListTasks(context.Background(), types.StatusFailed, 10)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "node_gone", tasks[0].Service)
}
