package dialog

import (
	"errors"
	"iter"

	"braces.dev/errtrace"
	"github.com/emiago/sipgo/sip"

	"github.com/ghettovoice/sipstack/internal/syncutil"
)

// RegistryOptions configures a [Registry].
type RegistryOptions struct {
	// MaxDialogs limits the number of stored dialogs. Zero means no limit.
	// The limit is soft: concurrent inserts into different shards may briefly exceed it.
	MaxDialogs int
}

// Registry is a concurrent store of dialogs keyed by [ID].
type Registry struct {
	dialogs *syncutil.ShardMap[ID, *Dialog]
	keyMu   syncutil.KeyMutex[ID]
	max     int
}

// NewRegistry creates a new dialog registry.
func NewRegistry(opts *RegistryOptions) *Registry {
	r := &Registry{dialogs: syncutil.NewShardMap[ID, *Dialog]()}
	if opts != nil {
		r.max = opts.MaxDialogs
	}
	return r
}

func (r *Registry) allow() bool {
	return r.max <= 0 || r.dialogs.Size() < r.max
}

// Add stores the dialog.
// It fails with [ErrIncompleteDialog] if the dialog ID has no remote tag,
// with [ErrDialogExists] if the ID is taken and with [ErrResourceExhausted] if the registry is full.
func (r *Registry) Add(d *Dialog) error {
	id := d.ID()
	if !id.IsComplete() {
		return errtrace.Wrap(errorf(ErrIncompleteDialog, "dialog %s", id))
	}
	if r.dialogs.Has(id) {
		return errtrace.Wrap(errorf(ErrDialogExists, "dialog %s", id))
	}
	if _, ok := r.dialogs.SetIfAbsent(id, d, r.allow); !ok {
		if r.dialogs.Has(id) {
			return errtrace.Wrap(errorf(ErrDialogExists, "dialog %s", id))
		}
		return errtrace.Wrap(errorf(ErrResourceExhausted, "dialogs limit %d reached", r.max))
	}
	return nil
}

// GetOrCreate returns the dialog stored under id or stores the one built by create.
// Concurrent calls for the same id call create at most once.
// The returned bool is true if the dialog was created.
func (r *Registry) GetOrCreate(id ID, create func() (*Dialog, error)) (*Dialog, bool, error) {
	if d, ok := r.dialogs.Get(id); ok {
		return d, false, nil
	}

	unlock := r.keyMu.Lock(id)
	defer unlock()

	if d, ok := r.dialogs.Get(id); ok {
		return d, false, nil
	}
	d, err := create()
	if err != nil {
		return nil, false, errtrace.Wrap(err)
	}
	if err := r.Add(d); err != nil {
		// stored by a plain Add in the meantime
		if cur, ok := r.dialogs.Get(id); ok && errors.Is(err, ErrDialogExists) {
			return cur, false, nil
		}
		return nil, false, errtrace.Wrap(err)
	}
	return d, true, nil
}

// Get returns the dialog stored under id.
func (r *Registry) Get(id ID) (*Dialog, bool) {
	return r.dialogs.Get(id)
}

// Remove deletes the dialog stored under id.
func (r *Registry) Remove(id ID) bool {
	_, ok := r.dialogs.Del(id)
	return ok
}

// RemoveIf deletes the dialog stored under id only if it is d.
func (r *Registry) RemoveIf(id ID, d *Dialog) bool {
	return r.dialogs.DelFunc(id, func(cur *Dialog) bool { return cur == d })
}

// FindForRequest returns the dialog an inbound request belongs to.
func (r *Registry) FindForRequest(req *sip.Request) (*Dialog, bool) {
	id, err := IDFromRequest(req)
	if err != nil || !id.IsComplete() {
		return nil, false
	}
	return r.dialogs.Get(id)
}

// FindForResponse returns the dialog an inbound response belongs to.
func (r *Registry) FindForResponse(res *sip.Response) (*Dialog, bool) {
	id, err := IDFromResponse(res)
	if err != nil || !id.IsComplete() {
		return nil, false
	}
	return r.dialogs.Get(id)
}

// Len returns the number of stored dialogs.
func (r *Registry) Len() int { return r.dialogs.Size() }

// All returns an iterator over the stored dialogs.
func (r *Registry) All() iter.Seq[*Dialog] {
	return func(yield func(*Dialog) bool) {
		for _, d := range r.dialogs.Items() {
			if !yield(d) {
				return
			}
		}
	}
}

// CountByState returns the number of stored dialogs per state.
func (r *Registry) CountByState() map[State]int {
	out := make(map[State]int)
	for d := range r.All() {
		out[d.State()]++
	}
	return out
}
