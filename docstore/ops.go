package docstore

import (
	"fmt"
	"maps"
	"slices"
)

// OpKind identifies the kind of a batched write.
type OpKind int

const (
	// OpUpdate merges Fields into the top level of an existing document.
	// An absent document is skipped, not created. A nil field value removes
	// that field.
	OpUpdate OpKind = iota + 1
	// OpDelete removes the document.
	OpDelete
)

func (k OpKind) String() string {
	switch k {
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	default:
		return fmt.Sprintf("OpKind(%d)", int(k))
	}
}

// WriteOp is one operation of a BatchWrite.
type WriteOp struct {
	Kind       OpKind
	Collection string
	ID         string
	Fields     Document
}

// Update returns an op that merges fields into collection/id.
func Update(collection, id string, fields Document) WriteOp {
	return WriteOp{Kind: OpUpdate, Collection: collection, ID: id, Fields: fields}
}

// DeleteOp returns an op that removes collection/id.
func DeleteOp(collection, id string) WriteOp {
	return WriteOp{Kind: OpDelete, Collection: collection, ID: id}
}

func (op WriteOp) validate() error {
	if err := checkKey(op.Collection, op.ID); err != nil {
		return fmt.Errorf("%s %s/%s: %w", op.Kind, op.Collection, op.ID, err)
	}
	switch op.Kind {
	case OpDelete:
	case OpUpdate:
		if len(op.Fields) == 0 {
			return fmt.Errorf("%s %s/%s: no fields", op.Kind, op.Collection, op.ID)
		}
	default:
		return fmt.Errorf("%s %s/%s: %w", op.Kind, op.Collection, op.ID, ErrUnknownOp)
	}
	return nil
}

// Chunk splits ops into consecutive slices of at most size elements.
// It returns nil for an empty input or a non-positive size.
func Chunk(ops []WriteOp, size int) [][]WriteOp {
	if len(ops) == 0 || size <= 0 {
		return nil
	}
	chunks := make([][]WriteOp, 0, (len(ops)+size-1)/size)
	for start := 0; start < len(ops); start += size {
		end := min(start+size, len(ops))
		chunks = append(chunks, ops[start:end])
	}
	return chunks
}

// mergeFields applies update fields to dst at the top level.
func mergeFields(dst, fields Document) {
	for k, v := range fields {
		if v == nil {
			delete(dst, k)
			continue
		}
		dst[k] = v
	}
}

// splitFields separates fields to set from fields to remove. Both are
// returned in key order.
func splitFields(fields Document) (set []string, remove []string) {
	for _, k := range slices.Sorted(maps.Keys(fields)) {
		if fields[k] == nil {
			remove = append(remove, k)
		} else {
			set = append(set, k)
		}
	}
	return set, remove
}
