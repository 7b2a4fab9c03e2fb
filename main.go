// Command kestrel runs a small in-process demonstration cluster: a handful
// of brokers sharing one process, a controller that assigns leadership for
// one partition and drives the usual ISR lifecycle, and a producer loop
// appending records to the current leader until interrupted.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/kestrel-io/kestrel/broker"
	"github.com/kestrel-io/kestrel/coordinator"
	log "github.com/kestrel-io/kestrel/logging"
	"github.com/kestrel-io/kestrel/metastore"
	"github.com/kestrel-io/kestrel/types"
	"github.com/kestrel-io/kestrel/utils"
)

var topic = "events"
var partitionIndex uint32 = 0

func main() {
	rootDir, err := os.MkdirTemp("", "kestrel-")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create data dir: %v\n", err)
		os.Exit(1)
	}
	log.Info("using data directory %s", rootDir)

	store := metastore.NewMem()
	cluster := broker.NewCluster()

	brokerIDs := []types.BrokerID{1, 2, 3}
	brokers := make(map[types.BrokerID]*broker.Broker, len(brokerIDs))
	for _, id := range brokerIDs {
		cfg := types.Configuration{
			NodeID:                 id,
			LogDir:                 filepath.Join(rootDir, fmt.Sprintf("broker-%d", id)),
			LogSegmentBytes:        64 << 20,
			LogSegmentAge:          time.Hour,
			LogRetention:           24 * time.Hour,
			RetentionSweepInterval: time.Minute,
			ReplicaLagTime:         10 * time.Second,
			ReplicaLagMessages:     4000,
			IsrShrinkInterval:      5 * time.Second,
			HWCheckpointInterval:   5 * time.Second,
			FetchInterval:          200 * time.Millisecond,
		}
		b := broker.New(cfg, store, cluster, nil)
		brokers[id] = b
		cluster.Register(b)
	}

	partition := types.PartitionID{Topic: topic, Index: partitionIndex}
	controllerEpoch := int32(1)

	leaderAndIsr := func(targetID types.BrokerID, state types.PartitionState) {
		req := types.LeaderAndIsrRequest{
			ControllerID:    0,
			ControllerEpoch: controllerEpoch,
			PartitionStates: map[types.PartitionID]types.PartitionState{partition: state},
			LiveLeaders: map[types.BrokerID]types.BrokerEndpoint{
				state.Leader: {ID: state.Leader, Host: "localhost", Port: 9092},
			},
		}
		resp := brokers[targetID].HandleLeaderAndIsr(req)
		if resp.RequestError != types.NoError {
			log.Error("broker %d rejected LeaderAndIsr: %v", targetID, resp.RequestError)
			return
		}
		if code, ok := resp.Partitions[partition]; ok && code != types.NoError {
			log.Error("broker %d partition %s error: %v", targetID, partition, code)
		}
	}

	initialState := types.PartitionState{
		ReplicationFactor: 3,
		AR:                brokerIDs,
		Leader:            1,
		LeaderEpoch:       1,
		ISR:               brokerIDs,
		ZkVersion:         0,
		ControllerEpoch:   controllerEpoch,
	}
	for _, id := range brokerIDs {
		leaderAndIsr(id, initialState)
	}
	log.Info("partition %s: broker 1 leading, brokers 2 and 3 following", partition)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go produceLoop(ctx, brokers[1].Coordinator, partition)

	<-ctx.Done()
	log.Info("shutting down")
	for _, b := range brokers {
		b.Shutdown()
	}
}

func produceLoop(ctx context.Context, leader *coordinator.Coordinator, partition types.PartitionID) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	var n int
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rec := types.Record{Value: []byte(fmt.Sprintf("message-%d", n))}
			offset, err := leader.AppendToLeader(partition, 0, int64(utils.NowAsUnixMilli()), []types.Record{rec})
			if err != nil {
				log.Warn("append failed: %v", err)
				continue
			}
			n++
			log.Info("appended offset=%d partition=%s", offset, partition)
		}
	}
}
