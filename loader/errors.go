package loader

import (
	"context"
	"errors"
	"strings"
)

// Category is the user-facing classification of a load failure.
type Category string

const (
	CategoryPermission     Category = "permission"
	CategorySizeLimit      Category = "size-limit"
	CategoryNetwork        Category = "network"
	CategoryTimeout        Category = "timeout"
	CategoryKeyUnavailable Category = "key-unavailable"
	CategoryNotFound       Category = "not-found"
	CategoryGeneric        Category = "generic"
)

// LoadError wraps a collaborator failure with its classification. The
// underlying error passes through verbatim via Unwrap.
type LoadError struct {
	Category Category
	Stage    Stage
	Err      error
}

func (e *LoadError) Error() string {
	return string(e.Category) + ": " + e.Err.Error()
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// UserMessage returns the single human-readable message for the failure
// category.
func (e *LoadError) UserMessage() string {
	switch e.Category {
	case CategoryPermission:
		return "You don't have permission to access this video."
	case CategorySizeLimit:
		return "This video is too large to load."
	case CategoryNetwork:
		return "A network problem interrupted loading. Check your connection and retry."
	case CategoryTimeout:
		return "Loading timed out. Retry in a moment."
	case CategoryKeyUnavailable:
		return "The decryption key for this video is not available."
	case CategoryNotFound:
		return "This video could not be found."
	default:
		return "Loading failed. Retry in a moment."
	}
}

// classify maps a collaborator failure to a category by inspecting its
// message, the only signal opaque collaborators provide. Unrecognized
// errors classify as generic and pass through verbatim.
func classify(stage Stage, err error) *LoadError {
	category := CategoryGeneric

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		category = CategoryTimeout
	default:
		msg := strings.ToLower(err.Error())
		switch {
		case containsAny(msg, "unauthorized", "forbidden", "permission", "access denied", "not allowed"):
			category = CategoryPermission
		case containsAny(msg, "too large", "size limit", "exceeds maximum", "payload too big"):
			category = CategorySizeLimit
		case containsAny(msg, "timeout", "timed out", "deadline exceeded"):
			category = CategoryTimeout
		case containsAny(msg, "key unavailable", "no key", "decryption key", "unwrap", "threshold"):
			category = CategoryKeyUnavailable
		case containsAny(msg, "not found", "no such", "missing", "404"):
			category = CategoryNotFound
		case containsAny(msg, "network", "connection", "refused", "unreachable", "reset by peer", "dns", "dial"):
			category = CategoryNetwork
		}
	}

	return &LoadError{Category: category, Stage: stage, Err: err}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
