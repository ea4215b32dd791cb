package multibeacon

import "fmt"

func errNoResponse(op string) error {
	return fmt.Errorf("failed to get a response from all beacon nodes for %s", op)
}
