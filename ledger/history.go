package ledger

import "context"

const (
	DefaultHistoryLimit = 10
	MaxHistoryLimit     = 100
)

// History returns the newest records of owner. The caller must be owner;
// a mismatch is rejected before the store is touched.
// Records are keyed by the account whose balance changed, so incoming legs
// (sends received, cash-ins, credits) are included alongside outgoing ones.
func (e *Engine) History(ctx context.Context, caller Identity, owner string, limit int) ([]Record, error) {
	return observe(e, "history", func() ([]Record, error) {
		if err := requireCaller(caller, owner); err != nil {
			return nil, err
		}
		if limit <= 0 {
			limit = DefaultHistoryLimit
		}
		if limit > MaxHistoryLimit {
			limit = MaxHistoryLimit
		}

		var records []Record
		err := e.withRetry(ctx, "history", func(ctx context.Context) error {
			var err error
			records, err = e.store.QueryByActor(ctx, owner, limit)
			return err
		})
		return records, err
	})
}
