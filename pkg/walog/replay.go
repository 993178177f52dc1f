package walog

import (
	"io"

	"github.com/rs/zerolog/log"
)

// Transaction groups the records belonging to one tx_id during replay:
// its Begin, its ordered Write payloads, and whether a Commit record
// was found for it. Transactions without a Commit are discarded by
// the caller per §4.3.
type Transaction struct {
	TxID      uint64
	Writes    [][]byte
	Committed bool
}

// ReadAll replays path in order, returning a map of tx_id to its
// records. A corrupt record is treated as end-of-log: everything read
// up to that point is still returned, as required by crash-recovery
// semantics (partial logs are normal after a crash).
func ReadAll(path string) (map[uint64]*Transaction, error) {
	r, err := NewReader(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	txs := make(map[uint64]*Transaction)
	for {
		rec, err := r.ReadRecord()
		if err == io.EOF {
			break
		}
		if err != nil {
			log.Warn().Err(err).Str("path", path).Msg("corrupt wal record, stopping replay of this segment")
			break
		}

		tx, ok := txs[rec.Header.TxID]
		if !ok {
			tx = &Transaction{TxID: rec.Header.TxID}
			txs[rec.Header.TxID] = tx
		}
		switch rec.Header.Kind {
		case KindWrite:
			tx.Writes = append(tx.Writes, append([]byte(nil), rec.Payload...))
		case KindCommit:
			tx.Committed = true
		case KindAbort:
			delete(txs, rec.Header.TxID)
		case KindBegin, KindCheckpoint:
			// no-op: Begin only opens the tx entry above, Checkpoint
			// carries no per-tx payload.
		}
		ReleaseRecord(rec)
	}
	return txs, nil
}
