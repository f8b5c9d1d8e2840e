package distance

import "fmt"

func dimErrf(a, b int) error {
	if a == 0 && b == 0 {
		return fmt.Errorf("vectors must not be empty")
	}
	return fmt.Errorf("dimension mismatch: %d vs %d", a, b)
}
