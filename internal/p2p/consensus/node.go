package consensus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb/v2"
	"github.com/rs/zerolog"

	"github.com/consult-escrow/consult-escrow/internal/application/escrow"
	"github.com/consult-escrow/consult-escrow/internal/domain/consultation"
	"github.com/consult-escrow/consult-escrow/internal/p2p/protocol"
	"github.com/consult-escrow/consult-escrow/internal/p2p/state"
)

// Config defines one Raft node runtime.
type Config struct {
	NodeID         string
	RaftAddr       string
	DataDir        string
	Bootstrap      bool
	SnapshotRetain int
	ApplyTimeout   time.Duration

	// Genesis is the fee configuration of a fresh ledger. Restored
	// snapshots carry their own.
	Genesis  consultation.FeeConfig
	Notifier consultation.Notifier
	Logger   zerolog.Logger
	Now      func() time.Time
}

// NotLeaderError is returned by Apply on a follower.
type NotLeaderError struct {
	Leader   string
	LeaderID string
}

func (e *NotLeaderError) Error() string {
	if e.Leader == "" {
		return "not leader: no leader elected"
	}
	return fmt.Sprintf("not leader: leader is %s (%s)", e.LeaderID, e.Leader)
}

func (e *NotLeaderError) Unwrap() error { return raft.ErrNotLeader }

// envelope is the replicated log entry. The leader stamps At so every replica
// evaluates time guards against the same instant.
type envelope struct {
	Tx protocol.Tx `json:"tx"`
	At uint64      `json:"at"`
}

// Node wraps Raft and the replicated escrow ledger.
type Node struct {
	id           string
	raftAddr     string
	applyTimeout time.Duration
	now          func() time.Time

	raft      *raft.Raft
	transport *raft.NetworkTransport
	stores    *stores
	machine   *state.Machine
	logger    zerolog.Logger

	shutdownOnce sync.Once
	shutdownErr  error
}

func (c Config) normalized() (Config, error) {
	c.NodeID = strings.TrimSpace(c.NodeID)
	c.RaftAddr = strings.TrimSpace(c.RaftAddr)
	c.DataDir = strings.TrimSpace(c.DataDir)
	if c.NodeID == "" {
		return c, errors.New("node_id is required")
	}
	if c.RaftAddr == "" {
		return c, errors.New("raft_addr is required")
	}
	if c.DataDir == "" {
		return c, errors.New("data_dir is required")
	}
	if err := c.Genesis.Validate(); err != nil {
		return c, fmt.Errorf("genesis fee config: %w", err)
	}
	if c.SnapshotRetain <= 0 {
		c.SnapshotRetain = 2
	}
	if c.ApplyTimeout <= 0 {
		c.ApplyTimeout = 5 * time.Second
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c, nil
}

// stores bundles the durable raft state of one node.
type stores struct {
	log      *raftboltdb.BoltStore
	stable   *raftboltdb.BoltStore
	snapshot *raft.FileSnapshotStore
}

func openStores(dir string, retain int, logOutput io.Writer) (*stores, error) {
	logStore, err := raftboltdb.NewBoltStore(filepath.Join(dir, "raft-log.bolt"))
	if err != nil {
		return nil, fmt.Errorf("open raft log: %w", err)
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(dir, "raft-stable.bolt"))
	if err != nil {
		_ = logStore.Close()
		return nil, fmt.Errorf("open raft stable store: %w", err)
	}
	snapshotStore, err := raft.NewFileSnapshotStore(dir, retain, logOutput)
	if err != nil {
		_ = logStore.Close()
		_ = stableStore.Close()
		return nil, fmt.Errorf("open snapshot store: %w", err)
	}
	return &stores{log: logStore, stable: stableStore, snapshot: snapshotStore}, nil
}

func (s *stores) close() {
	_ = s.log.Close()
	_ = s.stable.Close()
}

// NewNode opens the raft stores under DataDir and starts the node. A
// bootstrap node forms a single-voter cluster unless state already exists.
func NewNode(cfg Config) (*Node, error) {
	cfg, err := cfg.normalized()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, err
	}
	// raft's own logging goes through zerolog
	raftLog := cfg.Logger.With().Str("component", "raft").Logger()

	machine := state.NewMachine(cfg.Genesis)
	fsm := &fsm{
		machine:  machine,
		executor: escrow.NewExecutor(machine, cfg.Notifier, cfg.Logger),
		logger:   cfg.Logger,
	}

	st, err := openStores(cfg.DataDir, cfg.SnapshotRetain, raftLog)
	if err != nil {
		return nil, err
	}
	transport, err := raft.NewTCPTransport(cfg.RaftAddr, nil, 3, 10*time.Second, raftLog)
	if err != nil {
		st.close()
		return nil, err
	}

	raftCfg := raft.DefaultConfig()
	raftCfg.LocalID = raft.ServerID(cfg.NodeID)
	raftCfg.LogOutput = raftLog
	r, err := raft.NewRaft(raftCfg, fsm, st.log, st.stable, st.snapshot, transport)
	if err != nil {
		_ = transport.Close()
		st.close()
		return nil, err
	}

	n := &Node{
		id:           cfg.NodeID,
		raftAddr:     string(transport.LocalAddr()),
		applyTimeout: cfg.ApplyTimeout,
		now:          cfg.Now,
		raft:         r,
		transport:    transport,
		stores:       st,
		machine:      machine,
		logger:       cfg.Logger,
	}
	if cfg.Bootstrap {
		if err := n.bootstrap(); err != nil {
			_ = n.Shutdown()
			return nil, err
		}
	}
	return n, nil
}

func (n *Node) bootstrap() error {
	hasState, err := raft.HasExistingState(n.stores.log, n.stores.stable, n.stores.snapshot)
	if err != nil {
		return err
	}
	if hasState {
		n.logger.Info().Msg("raft state found, skipping bootstrap")
		return nil
	}
	future := n.raft.BootstrapCluster(raft.Configuration{Servers: []raft.Server{{
		ID:      raft.ServerID(n.id),
		Address: raft.ServerAddress(n.raftAddr),
	}}})
	if err := future.Error(); err != nil && !errors.Is(err, raft.ErrCantBootstrap) {
		return err
	}
	n.logger.Info().Str("raft_addr", n.raftAddr).Msg("bootstrapped single-voter cluster")
	return nil
}

// Apply replicates one signed transaction and returns its receipt once the
// local replica has applied it.
func (n *Node) Apply(ctx context.Context, tx protocol.Tx) (*consultation.Receipt, error) {
	if !n.IsLeader() {
		return nil, &NotLeaderError{Leader: n.LeaderAddr(), LeaderID: n.LeaderNodeID()}
	}
	if err := tx.Verify(); err != nil {
		return nil, err
	}
	at, err := escrow.Millis(n.now())
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(envelope{Tx: tx, At: at})
	if err != nil {
		return nil, err
	}
	timeout := n.applyTimeout
	if deadline, ok := ctx.Deadline(); ok {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, context.DeadlineExceeded
		}
		if remaining < timeout {
			timeout = remaining
		}
	}
	future := n.raft.Apply(data, timeout)
	if err := future.Error(); err != nil {
		if errors.Is(err, raft.ErrNotLeader) || errors.Is(err, raft.ErrLeadershipLost) {
			return nil, &NotLeaderError{Leader: n.LeaderAddr(), LeaderID: n.LeaderNodeID()}
		}
		return nil, err
	}
	switch resp := future.Response().(type) {
	case *consultation.Receipt:
		return resp, nil
	case error:
		return nil, resp
	default:
		return nil, fmt.Errorf("unexpected apply response %T", resp)
	}
}

// AddVoter joins or updates one voter in the cluster config.
func (n *Node) AddVoter(ctx context.Context, nodeID, raftAddr string) error {
	nodeID = strings.TrimSpace(nodeID)
	raftAddr = strings.TrimSpace(raftAddr)
	if nodeID == "" || raftAddr == "" {
		return errors.New("node_id and raft_addr are required")
	}
	cfgFuture := n.raft.GetConfiguration()
	if err := cfgFuture.Error(); err != nil {
		return err
	}
	for _, srv := range cfgFuture.Configuration().Servers {
		if srv.ID == raft.ServerID(nodeID) && srv.Address == raft.ServerAddress(raftAddr) {
			return nil
		}
		if srv.ID == raft.ServerID(nodeID) || srv.Address == raft.ServerAddress(raftAddr) {
			if err := n.raft.RemoveServer(srv.ID, 0, n.raftTimeout(ctx)).Error(); err != nil {
				return err
			}
		}
	}
	n.logger.Info().Str("node_id", nodeID).Str("raft_addr", raftAddr).Msg("adding voter")
	return n.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(raftAddr), 0, n.raftTimeout(ctx)).Error()
}

// RemoveServer removes one server by node ID.
func (n *Node) RemoveServer(ctx context.Context, nodeID string) error {
	nodeID = strings.TrimSpace(nodeID)
	if nodeID == "" {
		return errors.New("node_id is required")
	}
	n.logger.Info().Str("node_id", nodeID).Msg("removing server")
	return n.raft.RemoveServer(raft.ServerID(nodeID), 0, n.raftTimeout(ctx)).Error()
}

func (n *Node) raftTimeout(ctx context.Context) time.Duration {
	timeout := 10 * time.Second
	if deadline, ok := ctx.Deadline(); ok {
		remaining := time.Until(deadline)
		if remaining > 0 && remaining < timeout {
			timeout = remaining
		}
	}
	return timeout
}

// WaitForLeader polls until a leader is known and returns its address.
func (n *Node) WaitForLeader(ctx context.Context, pollInterval time.Duration) (string, error) {
	if pollInterval <= 0 {
		pollInterval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for leader := n.LeaderAddr(); leader == ""; leader = n.LeaderAddr() {
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("wait for leader: %w", ctx.Err())
		case <-ticker.C:
		}
	}
	return n.LeaderAddr(), nil
}

func (n *Node) ID() string              { return n.id }
func (n *Node) RaftAddr() string        { return n.raftAddr }
func (n *Node) Machine() *state.Machine { return n.machine }
func (n *Node) IsLeader() bool          { return n.raft.State() == raft.Leader }
func (n *Node) LeaderAddr() string      { return strings.TrimSpace(string(n.raft.Leader())) }

// LeaderNodeID returns leader ID if available.
func (n *Node) LeaderNodeID() string {
	_, leaderID := n.raft.LeaderWithID()
	return strings.TrimSpace(string(leaderID))
}

func (n *Node) State() string {
	return n.raft.State().String()
}

// Stats merges raft's counters with a summary of the replicated ledger.
func (n *Node) Stats() map[string]string {
	stats := n.raft.Stats()
	out := make(map[string]string, len(stats)+3)
	for k, v := range stats {
		out[k] = v
	}
	ledger := n.machine.StateStats()
	out["escrow_consultations"] = strconv.Itoa(ledger.Consultations)
	out["escrow_applied_tx"] = strconv.Itoa(ledger.AppliedTx)
	out["escrow_fee_percent"] = strconv.Itoa(int(ledger.FeePercent))
	return out
}

// Shutdown stops raft, then closes the transport and the bolt stores.
func (n *Node) Shutdown() error {
	n.shutdownOnce.Do(func() {
		if err := n.raft.Shutdown().Error(); err != nil {
			n.shutdownErr = err
		}
		_ = n.transport.Close()
		n.stores.close()
	})
	return n.shutdownErr
}

// fsm feeds committed log entries through the escrow executor.
type fsm struct {
	machine  *state.Machine
	executor *escrow.Executor
	logger   zerolog.Logger
}

// Apply returns either the committed *consultation.Receipt or the rejection
// error. Rejections leave the ledger untouched on every replica.
func (f *fsm) Apply(log *raft.Log) interface{} {
	var env envelope
	if err := json.Unmarshal(log.Data, &env); err != nil {
		f.logger.Error().Err(err).Uint64("index", log.Index).Msg("decode log entry")
		return fmt.Errorf("decode tx: %w", err)
	}
	receipt, err := f.executor.Execute(context.Background(), env.Tx, env.At)
	if err != nil {
		return err
	}
	return receipt
}

func (f *fsm) Snapshot() (raft.FSMSnapshot, error) {
	data, err := f.machine.Marshal()
	if err != nil {
		return nil, err
	}
	return &fsmSnapshot{data: data}, nil
}

func (f *fsm) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	return f.machine.Unmarshal(data)
}

type fsmSnapshot struct {
	data []byte
}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	if len(s.data) == 0 {
		return sink.Close()
	}
	if _, err := sink.Write(s.data); err != nil {
		_ = sink.Cancel()
		return err
	}
	return sink.Close()
}

func (s *fsmSnapshot) Release() {}
