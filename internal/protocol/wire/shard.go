package wire

import (
	"errors"
	"fmt"
)

var ErrInvalidShardID = errors.New("wire: invalid shard id")

// ShardID identifies one shard as (index, total). Immutable after
// assignment; carried on identify as [index, total].
type ShardID struct {
	Index int
	Total int
}

func (s ShardID) Validate() error {
	if s.Total <= 0 {
		return fmt.Errorf("%w: total must be positive", ErrInvalidShardID)
	}
	if s.Index < 0 || s.Index >= s.Total {
		return fmt.Errorf("%w: index %d out of range for total %d", ErrInvalidShardID, s.Index, s.Total)
	}
	return nil
}

func (s ShardID) String() string {
	return fmt.Sprintf("%d/%d", s.Index, s.Total)
}

// Array returns the identify wire form.
func (s ShardID) Array() [2]int {
	return [2]int{s.Index, s.Total}
}
