package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"Bundler/internal/container"
)

var errBadBundleID = errors.New("bundle id must be a positive integer")

// parseBundleID reads the {id} path value as a bundle id.
func parseBundleID(r *http.Request) (uint64, error) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil || id == 0 {
		return 0, errBadBundleID
	}

	return id, nil
}

// parseItemID reads the {id} path value as a 32-byte content address.
func parseItemID(r *http.Request) (string, error) {
	id := r.PathValue("id")

	if _, err := container.DecodeID(id); err != nil {
		return "", fmt.Errorf("invalid item id: %w", err)
	}

	return id, nil
}
