package container

import (
	"errors"
	"fmt"
	"strings"
)

// ErrItemNotFound is returned by a Sizer for items absent from storage.
var ErrItemNotFound = errors.New("item not found")

// MissingItemError reports an item body that could not be fetched.
type MissingItemError struct {
	ID  string // ID is the missing item
	Err error  // Err is the underlying fetch error
}

func (e *MissingItemError) Error() string {
	return fmt.Sprintf("%s - missing item body: %v", e.ID, e.Err)
}

func (e *MissingItemError) Unwrap() error {
	return e.Err
}

// DanglingError lists items that storage does not hold.
type DanglingError struct {
	IDs []string
}

func (e *DanglingError) Error() string {
	return fmt.Sprintf("%d items missing from storage: %s", len(e.IDs), strings.Join(e.IDs, ", "))
}

// FailedIDs returns the item ids carried by a *MissingItemError or
// *DanglingError anywhere in err's chain.
func FailedIDs(err error) []string {
	var dangling *DanglingError
	if errors.As(err, &dangling) {
		return append([]string{}, dangling.IDs...)
	}

	var missing *MissingItemError
	if errors.As(err, &missing) {
		return []string{missing.ID}
	}

	return nil
}
