package consensus

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/edgemesh/node/internal/appstate"
	"github.com/edgemesh/node/internal/broadcast"
	"github.com/edgemesh/node/internal/forwarder"
	"github.com/edgemesh/node/internal/identity"
	"github.com/edgemesh/node/pkg/utils"
)

const (
	epochChangeRetryInterval = 120 * time.Second
	engineShutdownTimeout    = 10 * time.Second
	maxEngineRestarts        = 3
	proposeInterval          = 2 * time.Second
)

// QueryRunner is the subset of appstate.QueryRunner the orchestrator reads.
type QueryRunner interface {
	GetEpochInfo() appstate.EpochInfo
	GetCommitteeMembers() []appstate.NodeIndex
	GetNodeInfo(appstate.NodeIndex) (appstate.NodeInfo, bool)
	PubkeyToIndex(identity.NodePublicKey) (appstate.NodeIndex, bool)
}

// Mempool is the pending-transaction source drained into the ordering
// engine while this node sits on the committee. The same mempool instance
// typically also satisfies forwarder.Mempool, so transactions this node
// forwards for itself re-enter consensus through Drain.
type Mempool interface {
	Drain() []appstate.UpdateRequest
}

// Orchestrator runs the on-committee/off-committee consensus loop (§4.E).
type Orchestrator struct {
	selfNodePK  identity.NodePublicKey
	selfNodeKey identity.NodeSecretKey
	selfKey     identity.ConsensusSecretKey
	query       QueryRunner
	executor    *appstate.Executor
	forwarder   *forwarder.Forwarder
	broadcastCh *broadcast.Context
	mempool     Mempool
	newEngine   EngineFactory
	log         *logrus.Entry
}

// New builds an Orchestrator. newEngine constructs a fresh OrderingEngine
// every time this node joins the committee for a new epoch. mempool is
// drained into that engine on a fixed interval while this node is on the
// committee.
func New(selfNodeKey identity.NodeSecretKey, selfKey identity.ConsensusSecretKey, query QueryRunner, executor *appstate.Executor, fwd *forwarder.Forwarder, broadcastCh *broadcast.Context, mempool Mempool, newEngine EngineFactory) *Orchestrator {
	return &Orchestrator{
		selfNodePK:  selfNodeKey.PublicKey(),
		selfNodeKey: selfNodeKey,
		selfKey:     selfKey,
		query:       query,
		executor:    executor,
		forwarder:   fwd,
		broadcastCh: broadcastCh,
		mempool:     mempool,
		newEngine:   newEngine,
		log:         logrus.WithField("component", "consensus"),
	}
}

// Run drives epoch-by-epoch participation until ctx is canceled. A
// persistent engine failure (more than maxEngineRestarts in one epoch)
// returns a non-nil error, which callers treat as a fatal shutdown signal.
func (o *Orchestrator) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		epoch := o.query.GetEpochInfo().Epoch
		onCommittee := o.isOnCommittee()

		var err error
		if onCommittee {
			err = o.runEpochOnCommittee(ctx, epoch)
		} else {
			err = o.runEpochOffCommittee(ctx, epoch)
		}
		if err != nil {
			return err
		}
	}
}

func (o *Orchestrator) isOnCommittee() bool {
	idx, ok := o.query.PubkeyToIndex(o.selfNodePK)
	if !ok {
		return false
	}
	for _, member := range o.query.GetCommitteeMembers() {
		if member == idx {
			return true
		}
	}
	return false
}

// runEpochOnCommittee starts an ordering engine, consumes its parcels into
// the executor, and retries ChangeEpoch every 120s after the epoch timer
// fires, until the epoch actually advances (§4.E).
func (o *Orchestrator) runEpochOnCommittee(ctx context.Context, epoch uint64) error {
	epochCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	restarts := 0
	var engine OrderingEngine
	startEngine := func() error {
		engine = o.newEngine()
		return engine.Start(epochCtx, o.committeeConsensusKeys(), o.selfKey)
	}
	if err := startEngine(); err != nil {
		return utils.Wrap(err, "start ordering engine")
	}
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), engineShutdownTimeout)
		defer stopCancel()
		_ = engine.Stop(stopCtx)
	}()

	epochEnd := time.UnixMilli(o.query.GetEpochInfo().EpochEndMS)
	timer := time.NewTimer(time.Until(epochEnd))
	defer timer.Stop()

	proposeTicker := time.NewTicker(proposeInterval)
	defer proposeTicker.Stop()

	var retry *time.Ticker
	for {
		var retryCh <-chan time.Time
		if retry != nil {
			retryCh = retry.C
		}
		select {
		case <-ctx.Done():
			return nil
		case <-proposeTicker.C:
			o.proposePending(engine)
		case parcel, ok := <-engine.Parcels():
			if !ok {
				restarts++
				if restarts > maxEngineRestarts {
					return errors.New("ordering engine failed repeatedly")
				}
				o.log.Warn("ordering engine stopped unexpectedly, restarting")
				if err := startEngine(); err != nil {
					return utils.Wrap(err, "restart ordering engine")
				}
				continue
			}
			o.applyParcel(parcel)
			o.broadcastParcel(parcel)
			if o.query.GetEpochInfo().Epoch != epoch {
				return nil
			}
		case <-timer.C:
			o.attemptChangeEpoch(ctx, epoch)
			retry = time.NewTicker(epochChangeRetryInterval)
		case <-retryCh:
			o.attemptChangeEpoch(ctx, epoch)
			if o.query.GetEpochInfo().Epoch != epoch {
				retry.Stop()
				return nil
			}
		}
	}
}

// proposePending drains the mempool and hands any pending transactions to
// the running ordering engine. A nil mempool (no local proposal source) is
// a no-op; the node still executes parcels ordered by other committee
// members.
func (o *Orchestrator) proposePending(engine OrderingEngine) {
	if o.mempool == nil {
		return
	}
	txns := o.mempool.Drain()
	if len(txns) == 0 {
		return
	}
	if err := engine.Propose(txns); err != nil {
		o.log.WithError(err).Warn("failed to propose pending transactions")
	}
}

func (o *Orchestrator) attemptChangeEpoch(ctx context.Context, epoch uint64) {
	_, err := o.forwarder.Enqueue(ctx, appstate.UpdateMethod{Tag: appstate.MethodChangeEpoch, Epoch: epoch})
	if err != nil {
		o.log.WithError(err).Warn("change-epoch attempt failed, will retry")
	}
}

func (o *Orchestrator) applyParcel(parcel AuthenticStampedParcel) {
	o.executor.ApplyBlock(appstate.Block{Transactions: parcel.Transactions, Digest: parcel.Digest})
}

// broadcastParcel publishes a freshly ordered parcel on the consensus topic
// so off-committee nodes can execute it once it carries quorum (§4.E).
func (o *Orchestrator) broadcastParcel(parcel AuthenticStampedParcel) {
	payload, err := encodeParcel(parcel)
	if err != nil {
		o.log.WithError(err).Warn("failed to encode parcel for broadcast")
		return
	}
	msg, digest := broadcast.PrepareMessage(o.selfNodePK, broadcast.TopicConsensus, payload, time.Now().UnixMilli())
	msg.Signature = o.selfNodeKey.Sign(digest[:])
	o.broadcastCh.Commands() <- broadcast.Command{Kind: broadcast.CommandSend, SendMessage: msg}
}

// runEpochOffCommittee subscribes to the consensus gossip topic and executes
// only parcels carrying a quorum of current-committee attestations.
func (o *Orchestrator) runEpochOffCommittee(ctx context.Context, epoch uint64) error {
	committee := o.committeeConsensusKeys()
	for {
		select {
		case <-ctx.Done():
			return nil
		case d := <-o.broadcastCh.Deliveries():
			if d.Topic != broadcast.TopicConsensus {
				continue
			}
			parcel, err := decodeParcel(d.Message.Payload)
			if err != nil {
				o.log.WithError(err).Debug("dropping undecodable consensus payload")
				continue
			}
			if !HasQuorum(parcel, committee) {
				continue
			}
			o.applyParcel(parcel)
			if o.query.GetEpochInfo().Epoch != epoch {
				return nil
			}
		}
	}
}

func (o *Orchestrator) committeeConsensusKeys() []identity.ConsensusPublicKey {
	members := o.query.GetCommitteeMembers()
	keys := make([]identity.ConsensusPublicKey, 0, len(members))
	for _, idx := range members {
		info, ok := o.query.GetNodeInfo(idx)
		if !ok {
			continue
		}
		keys = append(keys, info.ConsensusKey)
	}
	return keys
}

func encodeParcel(p AuthenticStampedParcel) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(p); err != nil {
		return nil, utils.Wrap(err, "encode parcel")
	}
	return buf.Bytes(), nil
}

func decodeParcel(payload []byte) (AuthenticStampedParcel, error) {
	var p AuthenticStampedParcel
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&p); err != nil {
		return AuthenticStampedParcel{}, utils.Wrap(err, "decode parcel")
	}
	return p, nil
}
