package sip

import (
	"iter"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipstack/internal/errorutil"
	"github.com/ghettovoice/sipstack/internal/syncutil"
)

// txRegistry stores live transactions by key.
type txRegistry struct {
	txs *syncutil.ShardMap[TransactionKey, *transaction]
	max int
}

func newTxRegistry(maxTxs int) *txRegistry {
	return &txRegistry{
		txs: syncutil.NewShardMap[TransactionKey, *transaction](),
		max: maxTxs,
	}
}

// create stores the transaction under the key.
// It fails with [ErrDuplicateTransaction] on an existing key and with
// [ErrResourceExhausted] when the soft limit is reached.
func (r *txRegistry) create(key TransactionKey, tx *transaction) error {
	allow := func() bool { return r.max <= 0 || r.txs.Size() < r.max }
	if _, ok := r.txs.SetIfAbsent(key, tx, allow); ok {
		return nil
	}
	if r.txs.Has(key) {
		return errtrace.Wrap(errorutil.NewWrapperError(ErrDuplicateTransaction, "key %s", key))
	}
	return errtrace.Wrap(errorutil.NewWrapperError(ErrResourceExhausted, "transactions limit %d reached", r.max))
}

func (r *txRegistry) get(key TransactionKey) (*transaction, bool) {
	return r.txs.Get(key)
}

// remove deletes the transaction only if it is still the one stored under its key.
func (r *txRegistry) remove(tx *transaction) bool {
	return r.txs.DelFunc(tx.key, func(cur *transaction) bool { return cur == tx })
}

func (r *txRegistry) len() int { return r.txs.Size() }

func (r *txRegistry) all() iter.Seq[*transaction] {
	return func(yield func(*transaction) bool) {
		for _, tx := range r.txs.Items() {
			if !yield(tx) {
				return
			}
		}
	}
}

// matchRequest implements RFC 3261 §17.2.3.
func (r *txRegistry) matchRequest(req *Request) (TransactionKey, bool) {
	key, err := ServerKeyFromRequest(req)
	if err != nil {
		return TransactionKey{}, false
	}
	if _, ok := r.txs.Get(key); !ok {
		return TransactionKey{}, false
	}
	return key, true
}

// matchResponse implements RFC 3261 §17.1.3.
func (r *txRegistry) matchResponse(res *Response) (TransactionKey, bool) {
	key, err := ClientKeyFromResponse(res)
	if err != nil {
		return TransactionKey{}, false
	}
	if _, ok := r.txs.Get(key); !ok {
		return TransactionKey{}, false
	}
	return key, true
}

// matchCancelTarget finds the INVITE server transaction a CANCEL refers to.
func (r *txRegistry) matchCancelTarget(cancel *Request) (TransactionKey, bool) {
	if cancel == nil || upperMethod(cancel.Method) != CANCEL {
		return TransactionKey{}, false
	}
	key, err := ServerKeyFromRequest(cancel)
	if err != nil {
		return TransactionKey{}, false
	}
	key.Type = TransactionTypeServerInvite
	key.Method = INVITE
	if _, ok := r.txs.Get(key); !ok {
		return TransactionKey{}, false
	}
	return key, true
}
