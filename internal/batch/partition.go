package batch

// Partition splits ids into consecutive slices of at most size elements.
// Every id lands in exactly one batch; the last batch may be short.
func Partition(ids []string, size int) [][]string {
	if size <= 0 {
		size = 50
	}
	if len(ids) == 0 {
		return nil
	}
	batches := make([][]string, 0, (len(ids)+size-1)/size)
	for start := 0; start < len(ids); start += size {
		end := start + size
		if end > len(ids) {
			end = len(ids)
		}
		batches = append(batches, ids[start:end])
	}
	return batches
}
