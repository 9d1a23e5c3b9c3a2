package txn

import "github.com/archengine/archengine/wireformat"

// EncodeOps serializes a transaction's op-log into the body of a COMMIT
// WAL record: a varint count
// followed by, per op, length-prefixed table/key/before/after fields.
func EncodeOps(ops []Op) []byte {
	w := wireformat.NewWriter()
	w.Uvarint(uint64(len(ops)))
	for _, op := range ops {
		w.Bytes([]byte(op.Table))
		w.Bytes(op.Key)
		w.Bytes(op.Before)
		w.Bytes(op.After)
	}
	return w.Finish()
}

// DecodeOps parses a COMMIT record body produced by EncodeOps, used by
// the WAL recovery scan to reconstruct a transaction's effects.
func DecodeOps(buf []byte) ([]Op, error) {
	r := wireformat.NewReader(buf)
	n, err := r.Uvarint()
	if err != nil {
		return nil, err
	}
	ops := make([]Op, 0, n)
	for i := uint64(0); i < n; i++ {
		table, err := r.Bytes()
		if err != nil {
			return nil, err
		}
		key, err := r.Bytes()
		if err != nil {
			return nil, err
		}
		before, err := r.Bytes()
		if err != nil {
			return nil, err
		}
		after, err := r.Bytes()
		if err != nil {
			return nil, err
		}
		ops = append(ops, Op{Table: string(table), Key: key, Before: before, After: after})
	}
	return ops, nil
}
