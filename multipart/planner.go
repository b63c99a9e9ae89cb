package multipart

import "fmt"

// PlanParts splits totalSize bytes into contiguous parts of chunkSize bytes.
// The last part may be shorter. An empty source yields no parts.
func PlanParts(totalSize, chunkSize int64) []Part {
	if chunkSize <= 0 {
		panic(fmt.Sprintf("multipart: chunk size must be positive, got %d", chunkSize))
	}
	if totalSize < 0 {
		panic(fmt.Sprintf("multipart: total size must not be negative, got %d", totalSize))
	}

	count := int((totalSize + chunkSize - 1) / chunkSize)
	parts := make([]Part, 0, count)
	for i := 0; i < count; i++ {
		start := int64(i) * chunkSize
		end := start + chunkSize
		if end > totalSize {
			end = totalSize
		}
		parts = append(parts, Part{Number: i + 1, Start: start, End: end})
	}

	return parts
}
