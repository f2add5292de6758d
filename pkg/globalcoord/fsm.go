package globalcoord

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/hashicorp/raft"
)

// Command is one state change replicated through the global tier's Raft
// log: which domain a command targets, and the op-specific payload.
type Command struct {
	Op     string          `json:"op"`
	Domain string          `json:"domain"`
	Data   json.RawMessage `json:"data"`
}

const (
	// OpRegisterUnderlayer adds a member (an underlayer: a domain or a
	// local tier) to a domain's replicated membership set.
	OpRegisterUnderlayer = "register_underlayer"
	// OpRemoveUnderlayer drops a member from a domain's membership set.
	OpRemoveUnderlayer = "remove_underlayer"
)

// topoStore holds the replicated membership set for every domain the
// global tier knows about: domain name -> set of underlayer names
// registered beneath it.
type topoStore struct {
	mu      sync.RWMutex
	domains map[string]map[string]bool
}

func newTopoStore() *topoStore {
	return &topoStore{domains: map[string]map[string]bool{}}
}

func (s *topoStore) membersLocked(domain string) []string {
	members := make([]string, 0, len(s.domains[domain]))
	for name := range s.domains[domain] {
		members = append(members, name)
	}
	return members
}

func (s *topoStore) members(domain string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.membersLocked(domain)
}

func (s *topoStore) add(domain, name string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.domains[domain] == nil {
		s.domains[domain] = map[string]bool{}
	}
	s.domains[domain][name] = true
	return s.membersLocked(domain)
}

func (s *topoStore) remove(domain, name string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.domains[domain], name)
	return s.membersLocked(domain)
}

func (s *topoStore) snapshot() map[string][]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string][]string, len(s.domains))
	for domain := range s.domains {
		out[domain] = s.membersLocked(domain)
	}
	return out
}

func (s *topoStore) restore(data map[string][]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.domains = map[string]map[string]bool{}
	for domain, members := range data {
		set := make(map[string]bool, len(members))
		for _, name := range members {
			set[name] = true
		}
		s.domains[domain] = set
	}
}

// FSM is the Raft finite state machine for the global tier: it applies
// committed topology commands to an in-memory replicated topoStore and,
// after each apply, calls onApply so the owning Coordinator can push the
// new membership down to the affected domain.
type FSM struct {
	store   *topoStore
	onApply func(domain string, members []string)
}

func newFSM(onApply func(domain string, members []string)) *FSM {
	return &FSM{store: newTopoStore(), onApply: onApply}
}

// Apply implements raft.FSM.
func (f *FSM) Apply(log *raft.Log) interface{} {
	var cmd Command
	if err := json.Unmarshal(log.Data, &cmd); err != nil {
		return fmt.Errorf("globalcoord: unmarshal command: %w", err)
	}

	var members []string
	switch cmd.Op {
	case OpRegisterUnderlayer:
		var name string
		if err := json.Unmarshal(cmd.Data, &name); err != nil {
			return fmt.Errorf("globalcoord: unmarshal %s payload: %w", cmd.Op, err)
		}
		members = f.store.add(cmd.Domain, name)
	case OpRemoveUnderlayer:
		var name string
		if err := json.Unmarshal(cmd.Data, &name); err != nil {
			return fmt.Errorf("globalcoord: unmarshal %s payload: %w", cmd.Op, err)
		}
		members = f.store.remove(cmd.Domain, name)
	default:
		return fmt.Errorf("globalcoord: unknown op %q", cmd.Op)
	}

	if f.onApply != nil {
		f.onApply(cmd.Domain, members)
	}
	return members
}

// Snapshot implements raft.FSM.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	return &fsmSnapshot{data: f.store.snapshot()}, nil
}

// Restore implements raft.FSM.
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	var data map[string][]string
	if err := json.NewDecoder(rc).Decode(&data); err != nil {
		return err
	}
	f.store.restore(data)
	return nil
}

type fsmSnapshot struct {
	data map[string][]string
}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	if err := json.NewEncoder(sink).Encode(s.data); err != nil {
		sink.Cancel()
		return err
	}
	return sink.Close()
}

func (s *fsmSnapshot) Release() {}
