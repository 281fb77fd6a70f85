package load

import (
	"fmt"
	"sync"

	"github.com/skudasov/kvload"
)

// Attackers creates attacks by handle name, all attacks of a handle share one key sequence
// so the same handle in several steps never writes the same key twice
type Attackers struct {
	mu   sync.Mutex
	seqs map[string]*Sequence
}

func NewAttackers() *Attackers {
	return &Attackers{seqs: make(map[string]*Sequence)}
}

func (f *Attackers) sequence(name string) *Sequence {
	f.mu.Lock()
	defer f.mu.Unlock()
	seq, ok := f.seqs[name]
	if !ok {
		seq = &Sequence{}
		f.seqs[name] = seq
	}
	return seq
}

// FromName maps handle name from suite config to attack
func (f *Attackers) FromName(name string) (kvload.Attack, error) {
	switch name {
	case DKVSetGetLabel:
		return kvload.WithCSVMonitor(kvload.WithMonitor(NewDKVSetGetAttackWithSequence(f.sequence(name)))), nil
	default:
		return nil, fmt.Errorf("%w: %s", kvload.ErrUnknownAttacker, name)
	}
}

var defaultAttackers = NewAttackers()

// AttackerFromName maps handle name from suite config to attack, sequences live as long as the process
func AttackerFromName(name string) (kvload.Attack, error) {
	return defaultAttackers.FromName(name)
}
