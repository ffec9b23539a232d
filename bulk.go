package jasonisnthappy

import (
	"fmt"
)

// BulkOpKind names one mixed-batch operation.
type BulkOpKind string

const (
	BulkInsert BulkOpKind = "insert"
	BulkUpdate BulkOpKind = "update"
	BulkDelete BulkOpKind = "delete"
	BulkUpsert BulkOpKind = "upsert"
)

// BulkOp is one entry of a BulkWrite batch. Insert and Upsert use Doc;
// Update uses ID and Updates; Delete uses ID.
type BulkOp struct {
	Kind    BulkOpKind
	Doc     Document
	ID      string
	Updates Document
}

// BulkOpError ties a per-operation failure to its batch index.
type BulkOpError struct {
	Index int
	Err   error
}

func (e BulkOpError) Error() string {
	return fmt.Sprintf("operation %d: %v", e.Index, e.Err)
}

func (e BulkOpError) Unwrap() error {
	return e.Err
}

// BulkResult reports a BulkWrite. For ordered batches FailedIndex is
// the aborting operation (-1 when all succeeded); for unordered
// batches Errors accumulates per-op failures while the rest commits.
type BulkResult struct {
	Inserted    int
	Updated     int
	Deleted     int
	Upserted    int
	InsertedIDs []string
	Errors      []BulkOpError
	FailedIndex int
}

// BulkWrite applies a mixed operation list. Ordered batches stop at the
// first error and report the failing index; with txn nil the batch runs
// in its own transaction, which that error rolls back, while with a
// caller's transaction the operations before the failing one stay
// staged and the transaction stays active. Unordered batches skip
// failing operations and commit the remainder.
func (c *Collection) BulkWrite(txn *Txn, ops []BulkOp, ordered bool) (*BulkResult, error) {
	if len(ops) == 0 {
		return &BulkResult{FailedIndex: -1}, nil
	}
	if len(ops) > c.db.opts.MaxBulkOperations {
		return nil, fmt.Errorf("%w: %d operations, limit %d", ErrLimitExceeded, len(ops), c.db.opts.MaxBulkOperations)
	}

	var result *BulkResult
	var abortErr error

	err := c.withTxn(txn, func(t *Txn) error {
		result = &BulkResult{FailedIndex: -1}
		abortErr = nil
		for i, op := range ops {
			if err := c.applyBulkOp(t, op, result); err != nil {
				if ordered {
					result.FailedIndex = i
					abortErr = BulkOpError{Index: i, Err: err}
					return abortErr
				}
				result.Errors = append(result.Errors, BulkOpError{Index: i, Err: err})
			}
		}
		return nil
	})

	c.db.metrics.operations.WithLabelValues("bulk_write").Inc()
	if abortErr != nil {
		return result, abortErr
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (c *Collection) applyBulkOp(t *Txn, op BulkOp, result *BulkResult) error {
	switch op.Kind {
	case BulkInsert:
		if op.Doc == nil {
			return invalidf("insert needs a document")
		}
		id, err := c.insertLocked(t, op.Doc)
		if err != nil {
			return err
		}
		result.Inserted++
		result.InsertedIDs = append(result.InsertedIDs, id)
		return nil

	case BulkUpdate:
		if op.ID == "" || op.Updates == nil {
			return invalidf("update needs an id and updates")
		}
		if err := c.updateLocked(t, op.ID, op.Updates); err != nil {
			return err
		}
		result.Updated++
		return nil

	case BulkDelete:
		if op.ID == "" {
			return invalidf("delete needs an id")
		}
		if err := c.deleteLocked(t, op.ID); err != nil {
			return err
		}
		result.Deleted++
		return nil

	case BulkUpsert:
		if op.Doc == nil {
			return invalidf("upsert needs a document")
		}
		id, ok := op.Doc.ID()
		if !ok || id == "" {
			return invalidf("upsert needs _id")
		}
		if _, err := t.visibleDoc(c.name, id); err == nil {
			updates := op.Doc.Clone()
			delete(updates, "_id")
			if err := c.updateLocked(t, id, updates); err != nil {
				return err
			}
			result.Updated++
		} else {
			if _, err := c.insertLocked(t, op.Doc); err != nil {
				return err
			}
			result.Inserted++
		}
		result.Upserted++
		return nil

	default:
		return invalidf("unknown bulk operation %q", op.Kind)
	}
}
