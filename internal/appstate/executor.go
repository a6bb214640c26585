package appstate

import (
	"errors"
	"fmt"

	"github.com/edgemesh/node/internal/identity"
)

// Errors returned by the executor, surfaced to callers through Receipt.Error
// rather than aborting the block (§4.C: reverts still consume the nonce).
var (
	ErrInsufficientNodeDetails  = errors.New("insufficient node details for new node stake")
	ErrLockedTokensUnstakeForbidden = errors.New("locked tokens unstake forbidden")
	ErrTokensLocked             = errors.New("tokens still locked")
	ErrOnlyGovernance           = errors.New("method restricted to governance address")
	ErrInsufficientBalance      = errors.New("insufficient balance")
	ErrUnknownNode              = errors.New("unknown node")
	ErrBadNonce                 = errors.New("nonce mismatch")
	ErrBadSignature             = errors.New("signature verification failed")
	ErrNotCommitteeMember       = errors.New("sender is not a current committee member")
	ErrWrongEpoch               = errors.New("epoch argument does not match current epoch")
)

// MethodTag identifies which UpdateMethod variant a transaction carries.
type MethodTag int

const (
	MethodDeposit MethodTag = iota
	MethodStake
	MethodStakeLock
	MethodUnstake
	MethodWithdrawUnstaked
	MethodSubmitDeliveryAcknowledgmentAggregation
	MethodSubmitReputationMeasurements
	MethodChangeEpoch
	MethodChangeProtocolParam
)

// UpdateMethod is the closed tagged union of transaction payloads (§4.C).
type UpdateMethod struct {
	Tag MethodTag

	// Deposit
	DepositToken  Token
	DepositAmount uint64

	// Stake
	StakeAmount    uint64
	StakeNodePK    identity.NodePublicKey
	NewNodeDetails *NewNodeDetails // required only when the node doesn't exist yet

	// StakeLock
	LockNode    NodeIndex
	LockedForEpochs uint64

	// Unstake / WithdrawUnstaked
	UnstakeAmount uint64
	TargetNode    NodeIndex
	Recipient     *AccountAddress

	// SubmitDeliveryAcknowledgmentAggregation
	Commodity uint64
	ServiceID uint32

	// SubmitReputationMeasurements
	Measurements map[NodeIndex]ReputationMeasurements

	// ChangeEpoch
	Epoch uint64

	// ChangeProtocolParam
	ParamName  string
	ParamValue uint64
}

// NewNodeDetails carries the fields required only the first time a node
// stakes (§4.C: "for a new node all optional fields are required").
type NewNodeDetails struct {
	ConsensusKey  identity.ConsensusPublicKey
	NodeDomain    string
	WorkerPublicKey identity.NodePublicKey
	WorkerDomain  string
	Ports         []uint16
}

// UpdatePayload is the signed transcript: nonce plus the method.
type UpdatePayload struct {
	Nonce  uint64
	Method UpdateMethod
}

// UpdateRequest is a fully assembled, signed transaction (§6).
type UpdateRequest struct {
	Sender    AccountAddress
	Signature identity.NodeSignature
	Payload   UpdatePayload
}

// Receipt reports the outcome of executing a single UpdateRequest.
type Receipt struct {
	Sender AccountAddress
	Nonce  uint64
	Error  error
}

// Block is the executor's unit of work (§4.C).
type Block struct {
	Transactions []UpdateRequest
	Digest       [32]byte
}

// BlockExecutionResponse is returned after a block is fully applied.
type BlockExecutionResponse struct {
	Receipts    []Receipt
	ChangeEpoch bool
}

// Executor applies blocks to a State, one transaction at a time, in order.
// It is not safe for concurrent use; the consensus orchestrator's execution
// socket is a FIFO feeding exactly one Executor goroutine (§5).
type Executor struct {
	state *State
	// digestOf recomputes the signing digest for a payload; exposed as a
	// field (not a free function) so tests can substitute a fixed digest.
	digestOf func(sender AccountAddress, payload UpdatePayload) []byte
	verify   func(sender AccountAddress, digest []byte, sig identity.NodeSignature) bool
}

// NewExecutor creates an Executor over state using the given digest and
// signature-verification functions.
func NewExecutor(state *State, digestOf func(AccountAddress, UpdatePayload) []byte, verify func(AccountAddress, []byte, identity.NodeSignature) bool) *Executor {
	return &Executor{state: state, digestOf: digestOf, verify: verify}
}

// ApplyBlock executes every transaction in the block in order and returns
// their receipts plus whether this block advanced the epoch.
func (ex *Executor) ApplyBlock(b Block) BlockExecutionResponse {
	ex.state.mu.Lock()
	defer ex.state.mu.Unlock()

	resp := BlockExecutionResponse{Receipts: make([]Receipt, 0, len(b.Transactions))}
	for _, txn := range b.Transactions {
		receipt, changedEpoch := ex.applyLocked(txn, b.Digest)
		resp.Receipts = append(resp.Receipts, receipt)
		if changedEpoch {
			resp.ChangeEpoch = true
		}
	}
	return resp
}

// applyLocked executes a single transaction. Caller holds state.mu.
func (ex *Executor) applyLocked(txn UpdateRequest, blockDigest [32]byte) (Receipt, bool) {
	digest := ex.digestOf(txn.Sender, txn.Payload)
	if !ex.verify(txn.Sender, digest, txn.Signature) {
		return Receipt{Sender: txn.Sender, Nonce: txn.Payload.Nonce, Error: ErrBadSignature}, false
	}

	acct := ex.state.accountFor(txn.Sender)
	if txn.Payload.Nonce != acct.nonce {
		return Receipt{Sender: txn.Sender, Nonce: txn.Payload.Nonce, Error: ErrBadNonce}, false
	}
	// Nonce is consumed regardless of the method's outcome.
	acct.nonce++

	err, changedEpoch := ex.dispatchLocked(txn.Sender, txn.Payload.Method, blockDigest)
	return Receipt{Sender: txn.Sender, Nonce: txn.Payload.Nonce, Error: err}, changedEpoch
}

func (ex *Executor) dispatchLocked(sender AccountAddress, method UpdateMethod, blockDigest [32]byte) (error, bool) {
	s := ex.state
	switch method.Tag {
	case MethodDeposit:
		acct := s.accountFor(sender)
		acct.balances[method.DepositToken] += method.DepositAmount
		return nil, false

	case MethodStake:
		idx, existed := s.pkIndex[method.StakeNodePK]
		if !existed {
			if method.NewNodeDetails == nil {
				return ErrInsufficientNodeDetails, false
			}
			idx = s.nextNode
			s.nextNode++
			s.pkIndex[method.StakeNodePK] = idx
			s.nodes[idx] = &NodeInfo{
				Owner:              sender,
				PublicKey:          method.StakeNodePK,
				ConsensusKey:       method.NewNodeDetails.ConsensusKey,
				WorkerPublicKey:    method.NewNodeDetails.WorkerPublicKey,
				NodeDomain:         method.NewNodeDetails.NodeDomain,
				WorkerDomain:       method.NewNodeDetails.WorkerDomain,
				Ports:              method.NewNodeDetails.Ports,
				CurrentEpochServed: make(map[uint32]uint64),
			}
		}
		acct := s.accountFor(sender)
		if acct.balances[TokenFLK] < method.StakeAmount {
			return ErrInsufficientBalance, false
		}
		acct.balances[TokenFLK] -= method.StakeAmount
		s.nodes[idx].Staked += method.StakeAmount
		return nil, false

	case MethodStakeLock:
		node, ok := s.nodes[method.LockNode]
		if !ok {
			return ErrUnknownNode, false
		}
		node.StakeLockedUntil = s.epoch.Epoch + method.LockedForEpochs
		return nil, false

	case MethodUnstake:
		node, ok := s.nodes[method.TargetNode]
		if !ok {
			return ErrUnknownNode, false
		}
		if s.epoch.Epoch < node.StakeLockedUntil {
			return ErrLockedTokensUnstakeForbidden, false
		}
		if node.Staked < method.UnstakeAmount {
			return ErrInsufficientBalance, false
		}
		node.Staked -= method.UnstakeAmount
		node.Locked += method.UnstakeAmount
		node.LockedUntil = s.epoch.Epoch + s.params.LockTimeEpochs
		return nil, false

	case MethodWithdrawUnstaked:
		node, ok := s.nodes[method.TargetNode]
		if !ok {
			return ErrUnknownNode, false
		}
		if s.epoch.Epoch < node.LockedUntil {
			return ErrTokensLocked, false
		}
		recipient := node.Owner
		if method.Recipient != nil {
			recipient = *method.Recipient
		}
		amount := node.Locked
		node.Locked = 0
		s.accountFor(recipient).balances[TokenFLK] += amount
		return nil, false

	case MethodSubmitDeliveryAcknowledgmentAggregation:
		node, ok := s.nodes[method.TargetNode]
		if !ok {
			return ErrUnknownNode, false
		}
		node.CurrentEpochServed[method.ServiceID] += method.Commodity
		totals := s.servedFor(s.epoch.Epoch)
		totals.PerService[method.ServiceID] += method.Commodity
		totals.RewardPool += method.Commodity * s.params.ServicePrices[method.ServiceID]
		return nil, false

	case MethodSubmitReputationMeasurements:
		reporterIdx, ok := s.pkIndexBySender(sender)
		if !ok {
			return ErrUnknownNode, false
		}
		if _, already := s.repMeasurements[reporterIdx]; already {
			// Reporter already submitted this epoch; ignore silently, same
			// effect as accepting at most once per epoch (§4.C).
			return nil, false
		}
		row := make(map[NodeIndex]ReputationMeasurements, len(method.Measurements))
		for peer, m := range method.Measurements {
			row[peer] = m
		}
		s.repMeasurements[reporterIdx] = row
		return nil, false

	case MethodChangeEpoch:
		idx, ok := s.pkIndexBySender(sender)
		if !ok {
			return ErrNotCommitteeMember, false
		}
		if !s.isCommitteeMember(idx) {
			return ErrNotCommitteeMember, false
		}
		if method.Epoch != s.epoch.Epoch {
			return ErrWrongEpoch, false
		}
		s.epochChangeSignals[idx] = method.Epoch
		threshold := len(s.epoch.Committee)*2/3 + 1
		if countSignalsFor(s.epochChangeSignals, method.Epoch) >= threshold {
			s.transitionEpochLocked(blockDigest)
			return nil, true
		}
		return nil, false

	case MethodChangeProtocolParam:
		if sender != s.governance {
			return ErrOnlyGovernance, false
		}
		s.applyProtocolParamLocked(method.ParamName, method.ParamValue)
		return nil, false

	default:
		return fmt.Errorf("appstate: unknown method tag %d", method.Tag), false
	}
}

func countSignalsFor(signals map[NodeIndex]uint64, epoch uint64) int {
	count := 0
	for _, e := range signals {
		if e == epoch {
			count++
		}
	}
	return count
}

func (s *State) pkIndexBySender(sender AccountAddress) (NodeIndex, bool) {
	var pk identity.NodePublicKey
	copy(pk[:], sender[:])
	idx, ok := s.pkIndex[pk]
	return idx, ok
}

func (s *State) isCommitteeMember(idx NodeIndex) bool {
	for _, c := range s.epoch.Committee {
		if c == idx {
			return true
		}
	}
	return false
}

func (s *State) applyProtocolParamLocked(name string, value uint64) {
	switch name {
	case "max_inflation_percent":
		s.params.MaxInflationPercent = int(value)
	case "node_share_percent":
		s.params.NodeSharePercent = int(value)
	case "protocol_share_percent":
		s.params.ProtocolSharePercent = int(value)
	case "service_share_percent":
		s.params.ServiceSharePercent = int(value)
	case "max_boost":
		s.params.MaxBoost = int(value)
	case "minimum_node_stake":
		s.params.MinimumNodeStake = value
	case "committee_size":
		s.params.CommitteeSize = int(value)
	default:
		s.metadata["param:"+name] = fmt.Sprintf("%d", value)
	}
}
