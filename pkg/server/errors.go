package server

import "fmt"

func errDocumentTooLarge(limit int) error {
	return fmt.Errorf("server: document exceeds maximum size of %d runes", limit)
}
