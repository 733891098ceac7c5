// Package validation checks request inputs and filesystem paths before they
// reach the core. Validation errors are surfaced to the caller verbatim.
package validation

import (
	"fmt"
	"path/filepath"
	"strings"

	dferrors "github.com/namjunsu/docfind/internal/errors"
)

// MaxQueryLength bounds query size; anything longer is rejected.
const MaxQueryLength = 1000

// MaxTopK bounds the requested result count.
const MaxTopK = 100

// ValidateQuery rejects empty and oversized queries.
func ValidateQuery(query string) error {
	trimmed := strings.TrimSpace(query)
	if trimmed == "" {
		return dferrors.ValidationError(dferrors.ErrCodeQueryEmpty, "query must not be empty")
	}
	if len([]rune(trimmed)) > MaxQueryLength {
		return dferrors.ValidationError(dferrors.ErrCodeQueryTooLong,
			fmt.Sprintf("query exceeds %d characters", MaxQueryLength))
	}
	return nil
}

// ValidateTopK rejects out-of-range result counts. Zero means "use the
// configured default" and passes.
func ValidateTopK(topK int) error {
	if topK < 0 || topK > MaxTopK {
		return dferrors.ValidationError(dferrors.ErrCodeInvalidTopK,
			fmt.Sprintf("top_k must be in 0..%d", MaxTopK))
	}
	return nil
}

// SafeResolve resolves path under root and rejects any escape attempt
// (directory traversal, absolute paths outside the root). Returns the
// cleaned absolute path.
func SafeResolve(root, path string) (string, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", dferrors.ValidationError(dferrors.ErrCodePathEscape, "documents root is not resolvable")
	}

	candidate := path
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(absRoot, candidate)
	}
	absPath, err := filepath.Abs(candidate)
	if err != nil {
		return "", dferrors.ValidationError(dferrors.ErrCodePathEscape, "path is not resolvable")
	}

	rel, err := filepath.Rel(absRoot, absPath)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", dferrors.ValidationError(dferrors.ErrCodePathEscape,
			fmt.Sprintf("path %q escapes the documents root", path))
	}
	return absPath, nil
}
