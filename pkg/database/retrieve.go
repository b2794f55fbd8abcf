package database

// retrieveInBatches fetches ids in batches of at most batchSize through
// fetchBatch, then verifies every id of the batch is present in the result
// and re-fetches each missing one through fetchOne. An id that fetchOne does
// not find is genuinely absent and is left out of the result.
//
// It returns the merged result and the number of ids recovered by the
// per-id pass.
func retrieveInBatches[K comparable, V any](
	ids []K,
	batchSize int,
	fetchBatch func(batch []K) (map[K]V, error),
	fetchOne func(id K) (V, bool, error),
) (map[K]V, int, error) {
	out := make(map[K]V, len(ids))
	repaired := 0

	for start := 0; start < len(ids); start += batchSize {
		end := start + batchSize
		if end > len(ids) {
			end = len(ids)
		}
		batch := ids[start:end]

		got, err := fetchBatch(batch)
		if err != nil {
			return nil, repaired, err
		}
		for id, v := range got {
			out[id] = v
		}

		for _, id := range batch {
			if _, ok := out[id]; ok {
				continue
			}
			v, found, err := fetchOne(id)
			if err != nil {
				return nil, repaired, err
			}
			if found {
				out[id] = v
				repaired++
			}
		}
	}
	return out, repaired, nil
}

// dedupe returns ids without duplicates, preserving first occurrence order.
func dedupe[K comparable](ids []K) []K {
	seen := make(map[K]struct{}, len(ids))
	out := make([]K, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
