package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/morango/morango/internal/filters"
	"github.com/morango/morango/internal/fsic"
)

// UpdateDMC raises the database max counter for (instanceID, partition) to
// at least counter.
func (s *Store) UpdateDMC(ctx context.Context, instanceID, partition string, counter int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO database_max_counter (instance_id, partition, counter)
		VALUES (?, ?, ?)
		ON CONFLICT(instance_id, partition) DO UPDATE SET
			counter = MAX(database_max_counter.counter, excluded.counter)
	`, instanceID, partition, counter)
	if err != nil {
		return fmt.Errorf("failed to update database max counter: %w", err)
	}
	return nil
}

// UpdateDMCForFilter raises the DMC for each filter partition (or the empty
// partition when the filter is absent) after a serialization pass.
func (s *Store) UpdateDMCForFilter(ctx context.Context, instanceID string, counter int64, filt filters.Filter) error {
	partitions := []string(filt)
	if len(partitions) == 0 {
		partitions = []string{""}
	}
	for _, p := range partitions {
		if err := s.UpdateDMC(ctx, instanceID, p, counter); err != nil {
			return err
		}
	}
	return nil
}

// dmcRow is one (instance, partition, counter) triple.
type dmcRow struct {
	instance  string
	partition string
	counter   int64
}

func (s *Store) allDMCs(ctx context.Context) ([]dmcRow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT instance_id, partition, counter FROM database_max_counter`)
	if err != nil {
		return nil, fmt.Errorf("failed to load database max counters: %w", err)
	}
	defer rows.Close()

	var out []dmcRow
	for rows.Next() {
		var r dmcRow
		if err := rows.Scan(&r.instance, &r.partition, &r.counter); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// CalculateFSICv1 computes the legacy flat FSIC for a filter: for each
// instance present for every filter partition, the minimum across partitions
// of its maximum covering counter. A DMC row covers a filter partition when
// its partition is a prefix of it.
func (s *Store) CalculateFSICv1(ctx context.Context, filt filters.Filter) (fsic.V1, error) {
	dmcs, err := s.allDMCs(ctx)
	if err != nil {
		return nil, err
	}
	partitions := []string(filt)
	if len(partitions) == 0 {
		partitions = []string{""}
	}

	perPartition := make([]fsic.V1, len(partitions))
	for i, fp := range partitions {
		maxima := fsic.V1{}
		for _, r := range dmcs {
			if !strings.HasPrefix(fp, r.partition) && !strings.HasPrefix(r.partition, fp) {
				continue
			}
			if r.counter > maxima[r.instance] {
				maxima[r.instance] = r.counter
			}
		}
		perPartition[i] = maxima
	}

	out := fsic.V1{}
	for instance, counter := range perPartition[0] {
		minimum := counter
		present := true
		for _, maxima := range perPartition[1:] {
			c, ok := maxima[instance]
			if !ok {
				present = false
				break
			}
			if c < minimum {
				minimum = c
			}
		}
		if present {
			out[instance] = minimum
		}
	}
	return out, nil
}

// CalculateFSICv2 computes the nested FSIC for a filter. DMC rows at or
// above a filter partition become super entries (they cover the whole
// subtree); rows strictly below it become sub entries keyed by their own
// partition. Redundant sub entries are pruned before returning.
func (s *Store) CalculateFSICv2(ctx context.Context, filt filters.Filter) (fsic.V2, error) {
	dmcs, err := s.allDMCs(ctx)
	if err != nil {
		return fsic.V2{}, err
	}
	partitions := []string(filt)
	if len(partitions) == 0 {
		partitions = []string{""}
	}

	out := fsic.NewV2()
	for _, fp := range partitions {
		for _, r := range dmcs {
			switch {
			case strings.HasPrefix(fp, r.partition):
				if out.Super[fp] == nil {
					out.Super[fp] = fsic.V1{}
				}
				if r.counter > out.Super[fp][r.instance] {
					out.Super[fp][r.instance] = r.counter
				}
			case strings.HasPrefix(r.partition, fp):
				if out.Sub[r.partition] == nil {
					out.Sub[r.partition] = fsic.V1{}
				}
				if r.counter > out.Sub[r.partition][r.instance] {
					out.Sub[r.partition][r.instance] = r.counter
				}
			}
		}
	}
	fsic.RemoveRedundant(out)
	return out, nil
}

// UpdateFSICsV1 absorbs a peer's flat FSIC after a dequeue: each filter
// partition's DMC is raised to at least the peer's counters.
func (s *Store) UpdateFSICsV1(ctx context.Context, incoming fsic.V1, filt filters.Filter) error {
	partitions := []string(filt)
	if len(partitions) == 0 {
		partitions = []string{""}
	}
	for _, p := range partitions {
		for instance, counter := range incoming {
			if err := s.UpdateDMC(ctx, instance, p, counter); err != nil {
				return err
			}
		}
	}
	return nil
}

// UpdateFSICsV2 absorbs a peer's nested FSIC after a dequeue, raising DMCs
// per super and sub partition.
func (s *Store) UpdateFSICsV2(ctx context.Context, incoming fsic.V2) error {
	for partition, counters := range incoming.Super {
		for instance, counter := range counters {
			if err := s.UpdateDMC(ctx, instance, partition, counter); err != nil {
				return err
			}
		}
	}
	for partition, counters := range incoming.Sub {
		for instance, counter := range counters {
			if err := s.UpdateDMC(ctx, instance, partition, counter); err != nil {
				return err
			}
		}
	}
	return nil
}
