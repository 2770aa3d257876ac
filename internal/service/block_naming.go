package service

import (
	"fmt"
	"strconv"

	"feedmedia/internal/domain"
)

const (
	blockIDWidth = 6
	// MaxBlockIndex is the largest chunk index a fixed-width block id can encode.
	MaxBlockIndex = 999999
)

// EncodeBlockID maps a chunk index to its block id. Ids are zero-padded so that
// lexicographic order matches numeric order.
func EncodeBlockID(index int) (string, error) {
	if index < 0 || index > MaxBlockIndex {
		return "", fmt.Errorf("%w: %d", domain.ErrInvalidIndex, index)
	}
	return fmt.Sprintf("%0*d", blockIDWidth, index), nil
}

// DecodeBlockID is the inverse of EncodeBlockID.
func DecodeBlockID(id string) (int, error) {
	if len(id) != blockIDWidth {
		return 0, fmt.Errorf("%w: block id %q", domain.ErrInvalidIndex, id)
	}
	index, err := strconv.Atoi(id)
	if err != nil || index < 0 {
		return 0, fmt.Errorf("%w: block id %q", domain.ErrInvalidIndex, id)
	}
	return index, nil
}

// BlockIDs returns the block ids of a session with total chunks, ordered by index.
func BlockIDs(total int) ([]string, error) {
	if total <= 0 || total > MaxBlockIndex+1 {
		return nil, fmt.Errorf("%w: total %d", domain.ErrInvalidIndex, total)
	}
	ids := make([]string, total)
	for i := range ids {
		id, err := EncodeBlockID(i)
		if err != nil {
			return nil, err
		}
		ids[i] = id
	}
	return ids, nil
}
