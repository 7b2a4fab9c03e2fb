package metastore

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"

	"github.com/kestrel-io/kestrel/logging"
)

// Raft is a Store backed by a hashicorp/raft replicated log, giving the
// metadata store the same strongly-consistent, versioned CAS semantics a
// real cluster would get from ZooKeeper or etcd, without taking on either
// as a dependency.
type Raft struct {
	raft *raft.Raft
	fsm  *fsm
}

// RaftConfig configures a single node's participation in the metastore
// Raft group.
type RaftConfig struct {
	NodeID      string
	BindAddr    string
	DataDir     string
	Bootstrap   bool
	SnapshotLog int // SnapshotThreshold; 0 uses raft's default
}

// NewRaft opens (or creates) the on-disk Raft log and bolt stable/log
// stores under cfg.DataDir and starts the Raft node. If cfg.Bootstrap is
// set, the node forms a single-member cluster immediately; joining an
// existing cluster is done afterward via raft.Raft.AddVoter from outside
// this package.
func NewRaft(cfg RaftConfig) (*Raft, error) {
	if err := os.MkdirAll(cfg.DataDir, 0750); err != nil {
		return nil, fmt.Errorf("create raft data dir %s: %w", cfg.DataDir, err)
	}

	conf := raft.DefaultConfig()
	conf.LocalID = raft.ServerID(cfg.NodeID)
	conf.Logger = logging.NewHCLogBridge("metastore.raft")
	if cfg.SnapshotLog > 0 {
		conf.SnapshotThreshold = uint64(cfg.SnapshotLog)
	}

	boltStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-log.bolt"))
	if err != nil {
		return nil, fmt.Errorf("open raft bolt store: %w", err)
	}

	snapshots, err := raft.NewFileSnapshotStore(cfg.DataDir, 2, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("open raft snapshot store: %w", err)
	}

	addr, err := net.ResolveTCPAddr("tcp", cfg.BindAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve raft bind addr %s: %w", cfg.BindAddr, err)
	}
	transport, err := raft.NewTCPTransport(cfg.BindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("open raft transport on %s: %w", cfg.BindAddr, err)
	}

	machine := newFSM()
	r, err := raft.NewRaft(conf, machine, boltStore, boltStore, snapshots, transport)
	if err != nil {
		return nil, fmt.Errorf("start raft node: %w", err)
	}

	if cfg.Bootstrap {
		configuration := raft.Configuration{
			Servers: []raft.Server{{ID: conf.LocalID, Address: transport.LocalAddr()}},
		}
		if err := r.BootstrapCluster(configuration).Error(); err != nil && err != raft.ErrCantBootstrap {
			return nil, fmt.Errorf("bootstrap raft cluster: %w", err)
		}
	}

	return &Raft{raft: r, fsm: machine}, nil
}

// AddVoter adds a node to the Raft group's voter set, for use by whatever
// out-of-band membership mechanism (not the coordinator's own concern)
// brings new brokers into the metastore quorum.
func (s *Raft) AddVoter(nodeID, addr string, timeout time.Duration) error {
	future := s.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(addr), 0, timeout)
	return future.Error()
}

// Read is served from this node's local FSM state. In a healthy cluster a
// follower's applied log lags the leader by at most the time for one
// round of replication; callers needing a linearizable read should read
// on the leader.
func (s *Raft) Read(path string) ([]byte, int64, error) {
	return s.fsm.read(path)
}

func (s *Raft) apply(cmd command, timeout time.Duration) (int64, error) {
	b, err := json.Marshal(cmd)
	if err != nil {
		return 0, fmt.Errorf("encode metastore command: %w", err)
	}
	future := s.raft.Apply(b, timeout)
	if err := future.Error(); err != nil {
		return 0, fmt.Errorf("apply metastore command: %w", err)
	}
	res, ok := future.Response().(applyResult)
	if !ok {
		return 0, fmt.Errorf("unexpected raft apply response type %T", future.Response())
	}
	return res.version, res.err
}

// ConditionalCreate must be called on the leader; raft.Raft.Apply on a
// follower returns raft.ErrNotLeader.
func (s *Raft) ConditionalCreate(path string, payload []byte) (int64, error) {
	return s.apply(command{Kind: cmdCreate, Path: path, Payload: payload}, 10*time.Second)
}

// ConditionalUpdate must be called on the leader; raft.Raft.Apply on a
// follower returns raft.ErrNotLeader.
func (s *Raft) ConditionalUpdate(path string, payload []byte, expectedVersion int64) (int64, error) {
	return s.apply(command{Kind: cmdUpdate, Path: path, Payload: payload, ExpectedVersion: expectedVersion}, 10*time.Second)
}

// IsLeader reports whether this node currently believes itself to be the
// Raft group's leader.
func (s *Raft) IsLeader() bool {
	return s.raft.State() == raft.Leader
}

// Shutdown stops the Raft node.
func (s *Raft) Shutdown() error {
	return s.raft.Shutdown().Error()
}
