// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package raft implements leader-based log replication consensus. Each node
// moves through Follower, Candidate, and Leader states under a monotonic term
// number; a higher term always supersedes a lower one, so at most one leader
// exists per term. Entries are committed once a strict majority of nodes
// acknowledge them, preserving submission order.
package raft

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/luxfi/ids"
	"github.com/luxfi/log"

	"github.com/luxfi/swarm"
	"github.com/luxfi/swarm/utils/timer/mockable"
)

// State is a node's role in the cluster.
type State uint8

const (
	Follower State = iota
	Candidate
	Leader
)

func (s State) String() string {
	switch s {
	case Follower:
		return "follower"
	case Candidate:
		return "candidate"
	case Leader:
		return "leader"
	default:
		return "unknown"
	}
}

var (
	_ swarm.Algorithm = (*Cluster)(nil)

	ErrNotLeader       = errors.New("proposal must be routed to the leader")
	ErrNoLeader        = errors.New("no leader elected")
	ErrUnknownNode     = errors.New("node is not part of the cluster")
	ErrNotCommitted    = errors.New("entry not acknowledged by a majority")
	ErrElectionFailed  = errors.New("candidate did not reach a majority")
	ErrEmptyCluster    = errors.New("cluster has no nodes")
	errStaleTerm       = errors.New("request term is behind the current term")
	errAlreadyVotedFor = errors.New("node already voted in this term")
)

// Config holds election tuning.
type Config struct {
	// ElectionTimeout is the leader's lease: how long the cluster keeps
	// trusting an elected leader without a heartbeat or a committed entry.
	// Zero disables lease expiry.
	ElectionTimeout time.Duration `serialize:"true" json:"electionTimeout"`
}

func DefaultConfig() Config {
	return Config{
		ElectionTimeout: 150 * time.Millisecond,
	}
}

// LogEntry is one replicated entry. Index is 1-based submission order.
type LogEntry struct {
	Term     uint64                 `serialize:"true" json:"term"`
	Index    uint64                 `serialize:"true" json:"index"`
	Proposal ids.ID                 `serialize:"true" json:"proposal"`
	Payload  map[string]interface{} `serialize:"true" json:"payload"`
}

type node struct {
	id       ids.NodeID
	state    State
	term     uint64
	votedFor *ids.NodeID // nil when no vote cast this term
	entries  []LogEntry
	down     bool
}

// Cluster is an in-process Raft group. Term, vote, and log bookkeeping is
// instance-scoped so independent clusters coexist. The election and
// replication steps run synchronously; liveness timeouts are the caller's
// collection window.
type Cluster struct {
	logger log.Logger
	config Config
	clock  mockable.Clock

	mu          sync.Mutex
	nodes       map[ids.NodeID]*node
	order       []ids.NodeID
	leaderID    ids.NodeID
	hasLead     bool
	lastContact time.Time
	term        uint64
	commit      uint64
}

func New(logger log.Logger, config Config) *Cluster {
	return &Cluster{
		logger: logger,
		config: config,
		nodes:  make(map[ids.NodeID]*node),
	}
}

func (*Cluster) Name() string {
	return "raft"
}

// Join adds [nodeID] as a follower. Re-joining an existing node is a no-op.
func (c *Cluster) Join(nodeID ids.NodeID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.joinLocked(nodeID)
}

func (c *Cluster) joinLocked(nodeID ids.NodeID) {
	if _, ok := c.nodes[nodeID]; ok {
		return
	}
	c.nodes[nodeID] = &node{
		id:    nodeID,
		state: Follower,
	}
	c.order = append(c.order, nodeID)
}

// SetNodeDown marks [nodeID] unresponsive. A downed leader is deposed, which
// forces the next proposal through a fresh election at a higher term.
func (c *Cluster) SetNodeDown(nodeID ids.NodeID, down bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, ok := c.nodes[nodeID]
	if !ok {
		return ErrUnknownNode
	}
	n.down = down
	if down && c.hasLead && c.leaderID == nodeID {
		n.state = Follower
		c.hasLead = false
	}
	return nil
}

// Leader returns the current leader, if one is elected, responsive, and
// within its lease.
func (c *Cluster) Leader() (ids.NodeID, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.leaderAliveLocked() {
		return ids.EmptyNodeID, false
	}
	return c.leaderID, true
}

// leaderAliveLocked deposes a leader whose lease has lapsed and reports
// whether a trusted leader remains.
func (c *Cluster) leaderAliveLocked() bool {
	if !c.hasLead {
		return false
	}
	if c.config.ElectionTimeout > 0 &&
		c.clock.Time().Sub(c.lastContact) > c.config.ElectionTimeout {
		c.nodes[c.leaderID].state = Follower
		c.hasLead = false
		return false
	}
	return true
}

// Heartbeat refreshes the leader's lease. Only the current leader may send
// one.
func (c *Cluster) Heartbeat(from ids.NodeID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.leaderAliveLocked() {
		return ErrNoLeader
	}
	if from != c.leaderID {
		return fmt.Errorf("%w: leader is %s", ErrNotLeader, c.leaderID)
	}
	c.lastContact = c.clock.Time()
	return nil
}

// Term returns the cluster's current term.
func (c *Cluster) Term() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.term
}

// StartElection runs an election with [candidateID] standing. The candidate
// increments the term and becomes leader only on votes from a strict majority
// of all registered nodes; every other node adopts the new term as follower.
func (c *Cluster) StartElection(candidateID ids.NodeID) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.electLocked(candidateID)
}

func (c *Cluster) electLocked(candidateID ids.NodeID) (uint64, error) {
	candidate, ok := c.nodes[candidateID]
	if !ok {
		return c.term, ErrUnknownNode
	}
	if candidate.down {
		return c.term, ErrUnknownNode
	}

	// A candidacy always moves to a term beyond anything seen so far.
	newTerm := c.term + 1
	candidate.state = Candidate
	candidate.term = newTerm
	candidate.votedFor = &candidate.id

	granted := 1 // the candidate votes for itself
	for _, peerID := range c.order {
		if peerID == candidateID {
			continue
		}
		peer := c.nodes[peerID]
		if peer.down {
			continue
		}
		if err := peer.grantVote(candidateID, newTerm); err == nil {
			granted++
		}
	}

	majority := len(c.nodes)/2 + 1
	if granted < majority {
		candidate.state = Follower
		c.term = newTerm
		c.hasLead = false
		return newTerm, fmt.Errorf("%w: %d of %d votes at term %d",
			ErrElectionFailed, granted, len(c.nodes), newTerm)
	}

	candidate.state = Leader
	c.term = newTerm
	c.leaderID = candidateID
	c.hasLead = true
	c.lastContact = c.clock.Time()

	c.logger.Info("leader elected",
		log.Stringer("nodeID", candidateID),
		log.Uint64("term", newTerm),
		log.Int("votes", granted),
	)
	return newTerm, nil
}

// grantVote is a follower's response to a vote request. A node grants at most
// one vote per term and never votes for a term behind its own.
func (n *node) grantVote(candidateID ids.NodeID, term uint64) error {
	if term < n.term {
		return errStaleTerm
	}
	if term == n.term && n.votedFor != nil && *n.votedFor != candidateID {
		return errAlreadyVotedFor
	}
	// Higher term supersedes: revert to follower and adopt it.
	n.state = Follower
	n.term = term
	n.votedFor = &candidateID
	return nil
}

// Submit replicates [entry]'s payload through [from]. Only the current leader
// accepts submissions; a follower submission fails with ErrNotLeader and the
// leader's identity so the caller can re-route. The entry commits once a
// strict majority of nodes (the leader included) acknowledge it.
func (c *Cluster) Submit(from ids.NodeID, proposalID ids.ID, payload map[string]interface{}) (LogEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.nodes) == 0 {
		return LogEntry{}, ErrEmptyCluster
	}
	if !c.leaderAliveLocked() {
		return LogEntry{}, ErrNoLeader
	}
	if from != c.leaderID {
		return LogEntry{}, fmt.Errorf("%w: leader is %s", ErrNotLeader, c.leaderID)
	}

	leader := c.nodes[c.leaderID]
	entry := LogEntry{
		Term:     c.term,
		Index:    uint64(len(leader.entries)) + 1,
		Proposal: proposalID,
		Payload:  payload,
	}
	leader.entries = append(leader.entries, entry)

	acks := 1 // the leader's own log write
	for _, peerID := range c.order {
		if peerID == c.leaderID {
			continue
		}
		peer := c.nodes[peerID]
		if peer.down {
			continue
		}
		peer.term = c.term
		peer.entries = append(peer.entries, entry)
		acks++
	}

	majority := len(c.nodes)/2 + 1
	if acks < majority {
		return entry, fmt.Errorf("%w: %d of %d acks", ErrNotCommitted, acks, len(c.nodes))
	}
	c.commit = entry.Index
	c.lastContact = c.clock.Time()
	return entry, nil
}

// CommittedEntries returns the committed log as seen by [nodeID].
func (c *Cluster) CommittedEntries(nodeID ids.NodeID) ([]LogEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, ok := c.nodes[nodeID]
	if !ok {
		return nil, ErrUnknownNode
	}
	committed := make([]LogEntry, 0, len(n.entries))
	for _, entry := range n.entries {
		if entry.Index <= c.commit {
			committed = append(committed, entry)
		}
	}
	return committed, nil
}

// Propose registers the proposal's participants as cluster nodes.
func (c *Cluster) Propose(_ context.Context, proposal *swarm.Proposal) error {
	if len(proposal.Participants) == 0 {
		return swarm.ErrNoParticipants
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, nodeID := range proposal.Participants {
		c.joinLocked(nodeID)
	}
	return nil
}

// Decide drives the proposal through leader replication: elect a leader if
// none is responsive, submit the payload, and approve once a majority has
// acknowledged. An election or replication shortfall is a timeout-shaped
// result, not an error.
func (c *Cluster) Decide(
	_ context.Context,
	proposal *swarm.Proposal,
	votes []swarm.Vote,
	timeoutReached bool,
) (*swarm.ConsensusResult, error) {
	leaderID, elected := c.Leader()
	if !elected {
		// Leader lost or never elected: the first responsive participant
		// stands, mirroring a follower's election timeout firing first.
		for _, nodeID := range proposal.Participants {
			if _, err := c.StartElection(nodeID); err == nil {
				leaderID = nodeID
				elected = true
				break
			}
		}
	}

	result := &swarm.ConsensusResult{
		Decision:     swarm.DecisionTimeout,
		Threshold:    0.51,
		Participants: proposal.Participants,
		Algorithm:    c.Name(),
		Metadata:     map[string]interface{}{},
	}
	if !elected {
		result.Metadata["error"] = ErrNoLeader.Error()
		return result, nil
	}

	result.Metadata["leader"] = leaderID.String()
	result.Metadata["term"] = c.Term()

	entry, err := c.Submit(leaderID, proposal.ID, proposal.Payload)
	if err != nil {
		c.logger.Warn("replication failed",
			log.Stringer("proposalID", proposal.ID),
			log.Err(err),
		)
		result.Metadata["error"] = err.Error()
		return result, nil
	}

	acks := c.countResponsive(proposal.Participants)
	result.Decision = swarm.DecisionApproved
	result.VotesFor = acks
	result.VotesAgainst = len(proposal.Participants) - acks
	result.Metadata["logIndex"] = entry.Index
	return result, nil
}

// countResponsive counts the responsive nodes among [participants] only, so
// a cluster shared across proposals never reports acks from outside the
// current proposal.
func (c *Cluster) countResponsive(participants []ids.NodeID) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	responsive := 0
	for _, nodeID := range participants {
		if n, ok := c.nodes[nodeID]; ok && !n.down {
			responsive++
		}
	}
	return responsive
}
